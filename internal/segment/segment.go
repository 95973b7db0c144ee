// Package segment defines the logical segmentation operations shared by the
// binary and JSON/HTTP transports, and a Service that wraps a transport with
// prompt validation, status reporting, logging and metrics.
package segment

import (
	"context"
	"errors"

	"maskcreator/internal/control"
)

// MaxPayloadSize caps any length-prefixed field or decoded payload.
const MaxPayloadSize = 8 << 20

// Error taxonomy. Transports wrap concrete failures with these so callers
// can classify them with errors.Is.
var (
	ErrConnectivity = errors.New("segmentation server unreachable")
	ErrProtocolSize = errors.New("declared length exceeds maximum payload size")
	ErrProtocol     = errors.New("malformed segmentation response")
	ErrValidation   = errors.New("invalid segmentation request")
	ErrPersistence  = errors.New("mask persistence failed")
)

// Control flag bits sent with a mask request.
const (
	FlagPoints byte = 1 << 0
	FlagBox    byte = 1 << 1
)

// MaskCandidate is one scored PNG mask returned by the server.
type MaskCandidate struct {
	PNG   []byte
	Score float64
}

// BoxLayer describes one detection returned by GenerateBoxLayers. Width and
// Height are the base image dimensions the layer is created with.
type BoxLayer struct {
	Caption        string
	X1, Y1, X2, Y2 int
	Width, Height  int
	Masks          []MaskCandidate
}

// Box returns the normalized detection box.
func (b BoxLayer) Box() *control.Box {
	return control.NewBox(b.X1, b.Y1, b.X2, b.Y2)
}

// StartupArgs are the values the server hands out at startup.
type StartupArgs struct {
	ProcDir         string
	DetectionPrompt string
}

// MasksRequest is a prompt-driven mask generation request.
type MasksRequest struct {
	Image  []byte
	Points []*control.Point
	Box    *control.Box
}

// Flag returns the control flag byte describing which prompts are present.
func (r MasksRequest) Flag() byte {
	var f byte
	if len(r.Points) > 0 {
		f |= FlagPoints
	}
	if r.Box != nil {
		f |= FlagBox
	}
	return f
}

// Transport reaches a segmentation server. Implementations are not required
// to support concurrent calls; Service serializes access.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string
	StartupArgs(ctx context.Context) (StartupArgs, error)
	GenerateMasks(ctx context.Context, req MasksRequest) ([]MaskCandidate, error)
	GenerateBoxLayers(ctx context.Context, image []byte, prompt string) ([]BoxLayer, error)
	// Close releases the transport. For the binary transport this sends a
	// best-effort disconnect frame.
	Close() error
}

// Segmenter produces masks without any transport. It is the server-side
// counterpart of Transport and is implemented by the stub model.
type Segmenter interface {
	StartupArgs() StartupArgs
	GenerateMasks(req MasksRequest) ([]MaskCandidate, error)
	GenerateBoxLayers(image []byte, prompt string) ([]BoxLayer, error)
}

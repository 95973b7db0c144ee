package segment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"maskcreator/internal/control"
	"maskcreator/internal/logging"
	"maskcreator/internal/metrics"
)

// Status messages reported through the sink.
const (
	MsgStartingUp        = "Starting up..."
	MsgGeneratingMasks   = "Generating masks..."
	MsgGeneratingBoxes   = "Generating box layers..."
	MsgPromptsRequired   = "Points and/or box prompts required for segmentation."
	MsgTextRequired      = "Text prompt required for box detection."
	MsgConnectionFailure = "Failed to connect with segmentation server."
)

// StatusFunc receives human-readable progress and error messages. It must
// not block.
type StatusFunc func(msg string)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Status receives progress messages. Nil discards them.
	Status StatusFunc

	// Logger defaults to a component logger derived from logging.Default.
	Logger *logging.Logger

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Timeout bounds each request. Zero means no bound beyond the caller's
	// context.
	Timeout time.Duration
}

// Service runs the logical segmentation operations over a Transport.
//
// Every method reports its outcome through the status sink and never panics
// on transport failures. Errors are still returned so callers can leave
// their state untouched; by the time a caller sees one it has already been
// reported.
type Service struct {
	transport Transport
	status    StatusFunc
	log       *logging.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration

	// The binary transport owns a single socket, so requests are serialized.
	mu sync.Mutex
}

// NewService wraps t.
func NewService(t Transport, cfg ServiceConfig) *Service {
	s := &Service{
		transport: t,
		status:    cfg.Status,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		timeout:   cfg.Timeout,
	}
	if s.status == nil {
		s.status = func(string) {}
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	s.log = s.log.WithComponent("segment")
	return s
}

// Transport returns the wrapped transport.
func (s *Service) Transport() Transport {
	return s.transport
}

// SetStatus replaces the status sink.
func (s *Service) SetStatus(fn StatusFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func(string) {}
	}
	s.status = fn
}

func (s *Service) report(msg string) {
	s.status(msg)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// reportFailure converts err into a status message and logs it.
func (s *Service) reportFailure(log *logging.Logger, op string, err error) {
	switch {
	case errors.Is(err, ErrConnectivity):
		s.report(MsgConnectionFailure)
	default:
		s.report("Error: " + err.Error())
	}

	if errors.Is(err, ErrProtocolSize) {
		log.Warn("protocol size violation", "op", op, "error", err)
		return
	}
	log.Error("segmentation request failed", "op", op, "error", err)
}

func outcome(err error, n int) string {
	switch {
	case errors.Is(err, ErrValidation):
		return metrics.OutcomeValidation
	case err != nil:
		return metrics.OutcomeError
	case n == 0:
		return metrics.OutcomeEmpty
	default:
		return metrics.OutcomeOK
	}
}

// StartupArgs fetches the process directory and detection prompt. On
// failure it returns empty values.
func (s *Service) StartupArgs(ctx context.Context) (StartupArgs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithRequestID(s.log.NewRequestID())
	s.report(MsgStartingUp)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	args, err := s.transport.StartupArgs(ctx)
	elapsed := time.Since(start)
	s.metrics.RecordRequest("startup_args", s.transport.Name(), outcome(err, 1), elapsed, 0)

	if err != nil {
		s.reportFailure(log, "startup_args", err)
		return StartupArgs{}, err
	}

	log.Info("startup args received",
		"transport", s.transport.Name(),
		"proc_dir", args.ProcDir,
		"prompt", args.DetectionPrompt,
		"duration", elapsed,
	)
	return args, nil
}

// GenerateMasks requests candidate masks for the given prompts. At least one
// point or a box is required; otherwise no I/O happens.
func (s *Service) GenerateMasks(ctx context.Context, image []byte, points []*control.Point, box *control.Box) ([]MaskCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithRequestID(s.log.NewRequestID())
	req := MasksRequest{Image: image, Points: points, Box: box}

	if req.Flag() == 0 {
		s.report(MsgPromptsRequired)
		s.metrics.RecordRequest("generate_masks", s.transport.Name(), metrics.OutcomeValidation, 0, 0)
		return nil, fmt.Errorf("%w: no point or box prompts", ErrValidation)
	}

	s.report(MsgGeneratingMasks)
	log.Debug("generating masks",
		"transport", s.transport.Name(),
		"image", image,
		"points", len(points),
		"box", box != nil,
	)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	masks, err := s.transport.GenerateMasks(ctx, req)
	elapsed := time.Since(start)
	s.metrics.RecordRequest("generate_masks", s.transport.Name(), outcome(err, len(masks)), elapsed, len(masks))

	if err != nil {
		s.reportFailure(log, "generate_masks", err)
		return nil, err
	}

	log.Info("masks generated", "count", len(masks), "duration", elapsed)
	s.report(MasksSummary(masks))
	return masks, nil
}

// GenerateBoxLayers runs open-vocabulary detection for prompt. width and
// height are stamped on every returned descriptor.
func (s *Service) GenerateBoxLayers(ctx context.Context, image []byte, prompt string, width, height int) ([]BoxLayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithRequestID(s.log.NewRequestID())

	if strings.TrimSpace(prompt) == "" {
		s.report(MsgTextRequired)
		s.metrics.RecordRequest("generate_box_layers", s.transport.Name(), metrics.OutcomeValidation, 0, 0)
		return nil, fmt.Errorf("%w: empty text prompt", ErrValidation)
	}

	s.report(MsgGeneratingBoxes)
	log.Debug("generating box layers", "transport", s.transport.Name(), "image", image, "prompt", prompt)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	layers, err := s.transport.GenerateBoxLayers(ctx, image, prompt)
	elapsed := time.Since(start)
	s.metrics.RecordRequest("generate_box_layers", s.transport.Name(), outcome(err, len(layers)), elapsed, len(layers))

	if err != nil {
		s.reportFailure(log, "generate_box_layers", err)
		return nil, err
	}

	for i := range layers {
		layers[i].Width = width
		layers[i].Height = height
	}

	log.Info("box layers generated", "count", len(layers), "duration", elapsed)
	s.report(fmt.Sprintf("Generated %d box layer(s).", len(layers)))
	return layers, nil
}

// Close disconnects the transport. Errors are logged and swallowed.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		s.log.Debug("transport close", "error", err)
	}
}

// MasksSummary formats the status line for a completed mask request.
func MasksSummary(masks []MaskCandidate) string {
	scores := make([]string, len(masks))
	for i, m := range masks {
		scores[i] = strconv.FormatFloat(m.Score, 'f', 3, 64)
	}
	return fmt.Sprintf("Generated %d mask candidate(s). Scores: %s", len(masks), strings.Join(scores, " | "))
}

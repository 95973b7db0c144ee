// Package ipc implements the binary TCP segmentation protocol: a frame codec,
// a lazily re-dialled client transport and a frame server for the peer side.
//
// Every request starts with five zero padding bytes, the five-byte start
// sequence and one request-type byte. All integers are big-endian uint32.
// Variable-length fields are a uint32 byte count followed by the bytes, and
// no declared length may exceed segment.MaxPayloadSize.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"maskcreator/internal/control"
	"maskcreator/internal/segment"
)

// PaddingSize is the number of zero bytes preceding the start sequence.
const PaddingSize = 5

// StartSequence marks the beginning of every request.
var StartSequence = [5]byte{42, 20, 77, 13, 37}

// RequestType selects the operation carried by a frame.
type RequestType byte

const (
	ReqDisconnect        RequestType = 100
	ReqGenerateMasks     RequestType = 101
	ReqGenerateBoxLayers RequestType = 102
	ReqInitialize        RequestType = 200
)

// String returns the request name used in logs.
func (t RequestType) String() string {
	switch t {
	case ReqDisconnect:
		return "disconnect"
	case ReqGenerateMasks:
		return "generate_masks"
	case ReqGenerateBoxLayers:
		return "generate_box_layers"
	case ReqInitialize:
		return "initialize"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// scoreScale converts scores to and from their fixed-point wire form.
const scoreScale = 1_000_000

// Writer encodes protocol values onto a buffered stream. The first error is
// sticky; Flush reports it.
type Writer struct {
	w   *bufio.Writer
	buf [4]byte
	err error
}

// NewWriter returns a Writer on w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

// Header writes padding, start sequence and request type.
func (w *Writer) Header(t RequestType) {
	var pad [PaddingSize]byte
	w.write(pad[:])
	w.write(StartSequence[:])
	w.Byte(byte(t))
}

// Byte writes a single byte.
func (w *Writer) Byte(b byte) {
	if w.err != nil {
		return
	}
	w.err = w.w.WriteByte(b)
}

// Uint32 writes v big-endian.
func (w *Writer) Uint32(v uint32) {
	binary.BigEndian.PutUint32(w.buf[:], v)
	w.write(w.buf[:])
}

// Int writes a non-negative int as uint32.
func (w *Writer) Int(v int) {
	if v < 0 {
		v = 0
	}
	w.Uint32(uint32(v))
}

// Field writes a length-prefixed byte field.
func (w *Writer) Field(p []byte) {
	if w.err == nil && len(p) > segment.MaxPayloadSize {
		w.err = fmt.Errorf("%w: field of %d bytes", segment.ErrProtocolSize, len(p))
		return
	}
	w.Int(len(p))
	w.write(p)
}

// ASCII writes a length-prefixed 7-bit text field.
func (w *Writer) ASCII(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			if w.err == nil {
				w.err = fmt.Errorf("%w: %q is not 7-bit ASCII", segment.ErrValidation, s)
			}
			return
		}
	}
	w.Field([]byte(s))
}

// UTF8 writes a length-prefixed UTF-8 text field.
func (w *Writer) UTF8(s string) {
	w.Field([]byte(s))
}

// Masks writes a mask list block: count, then score, length and PNG bytes
// per mask.
func (w *Writer) Masks(masks []segment.MaskCandidate) {
	w.Int(len(masks))
	for _, m := range masks {
		w.Uint32(encodeScore(m.Score))
		w.Field(m.PNG)
	}
}

// Flush writes buffered data and returns the first error encountered.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.w.Flush()
}

// Reader decodes protocol values from a stream.
type Reader struct {
	r   *bufio.Reader
	buf [4]byte
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	return r.r.ReadByte()
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(r.buf[:]), nil
}

// Int reads a uint32 as int.
func (r *Reader) Int() (int, error) {
	v, err := r.Uint32()
	return int(v), err
}

// Length reads a length prefix and rejects it before any payload is read if
// it exceeds the maximum payload size.
func (r *Reader) Length() (int, error) {
	n, err := r.Uint32()
	if err != nil {
		return 0, err
	}
	if n > segment.MaxPayloadSize {
		return 0, fmt.Errorf("%w: declared %d bytes", segment.ErrProtocolSize, n)
	}
	return int(n), nil
}

// Field reads a length-prefixed byte field.
func (r *Reader) Field() ([]byte, error) {
	n, err := r.Length()
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ASCII reads a length-prefixed 7-bit text field.
func (r *Reader) ASCII() (string, error) {
	p, err := r.Field()
	if err != nil {
		return "", err
	}
	for _, b := range p {
		if b >= utf8.RuneSelf {
			return "", fmt.Errorf("%w: non-ASCII byte 0x%02x in text field", segment.ErrProtocol, b)
		}
	}
	return string(p), nil
}

// UTF8 reads a length-prefixed UTF-8 text field.
func (r *Reader) UTF8() (string, error) {
	p, err := r.Field()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(p) {
		return "", fmt.Errorf("%w: invalid UTF-8 in text field", segment.ErrProtocol)
	}
	return string(p), nil
}

// Masks reads a mask list block.
func (r *Reader) Masks() ([]segment.MaskCandidate, error) {
	count, err := r.Int()
	if err != nil {
		return nil, err
	}

	// Every mask needs at least eight bytes on the wire, so a count beyond
	// this can never be honest.
	if count > segment.MaxPayloadSize/8 {
		return nil, fmt.Errorf("%w: declared %d masks", segment.ErrProtocolSize, count)
	}

	masks := make([]segment.MaskCandidate, 0, min(count, 64))
	for i := 0; i < count; i++ {
		score, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		png, err := r.Field()
		if err != nil {
			return nil, fmt.Errorf("mask %d: %w", i, err)
		}
		masks = append(masks, segment.MaskCandidate{PNG: png, Score: decodeScore(score)})
	}
	return masks, nil
}

func encodeScore(s float64) uint32 {
	v := math.Round(s * scoreScale)
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}

func decodeScore(v uint32) float64 {
	return float64(v) / scoreScale
}

// WriteGenerateMasks encodes a complete GenerateMasks request.
func WriteGenerateMasks(w *Writer, req segment.MasksRequest) {
	flag := req.Flag()

	w.Header(ReqGenerateMasks)
	w.Field(req.Image)
	w.Byte(flag)

	if flag&segment.FlagPoints != 0 {
		w.Int(len(req.Points))
		for _, p := range req.Points {
			w.Int(p.X)
			w.Int(p.Y)
			if p.Label {
				w.Byte(1)
			} else {
				w.Byte(0)
			}
		}
	}

	if flag&segment.FlagBox != 0 {
		w.Int(req.Box.X1)
		w.Int(req.Box.Y1)
		w.Int(req.Box.X2)
		w.Int(req.Box.Y2)
	}
}

// ReadGenerateMasks decodes a GenerateMasks body (after the header). It
// returns the control flag byte as received.
func ReadGenerateMasks(r *Reader) (segment.MasksRequest, byte, error) {
	var req segment.MasksRequest

	img, err := r.Field()
	if err != nil {
		return req, 0, fmt.Errorf("image: %w", err)
	}
	req.Image = img

	flag, err := r.Byte()
	if err != nil {
		return req, 0, fmt.Errorf("control flag: %w", err)
	}

	if flag&segment.FlagPoints != 0 {
		count, err := r.Int()
		if err != nil {
			return req, flag, fmt.Errorf("point count: %w", err)
		}
		if count > segment.MaxPayloadSize/9 {
			return req, flag, fmt.Errorf("%w: declared %d points", segment.ErrProtocolSize, count)
		}
		req.Points = make([]*control.Point, 0, min(count, 256))
		for i := 0; i < count; i++ {
			x, err := r.Int()
			if err != nil {
				return req, flag, err
			}
			y, err := r.Int()
			if err != nil {
				return req, flag, err
			}
			label, err := r.Byte()
			if err != nil {
				return req, flag, err
			}
			req.Points = append(req.Points, control.NewPoint(x, y, label != 0))
		}
	}

	if flag&segment.FlagBox != 0 {
		var v [4]int
		for i := range v {
			if v[i], err = r.Int(); err != nil {
				return req, flag, fmt.Errorf("box: %w", err)
			}
		}
		req.Box = control.NewBox(v[0], v[1], v[2], v[3])
	}

	return req, flag, nil
}

// WriteGenerateBoxLayers encodes a complete GenerateBoxLayers request.
func WriteGenerateBoxLayers(w *Writer, image []byte, prompt string) {
	w.Header(ReqGenerateBoxLayers)
	w.Field(image)
	w.ASCII(prompt)
}

// ReadGenerateBoxLayers decodes a GenerateBoxLayers body.
func ReadGenerateBoxLayers(r *Reader) ([]byte, string, error) {
	img, err := r.Field()
	if err != nil {
		return nil, "", fmt.Errorf("image: %w", err)
	}
	prompt, err := r.ASCII()
	if err != nil {
		return nil, "", fmt.Errorf("prompt: %w", err)
	}
	return img, prompt, nil
}

// WriteStartupArgs encodes the Initialize response.
func WriteStartupArgs(w *Writer, args segment.StartupArgs) {
	w.UTF8(args.ProcDir)
	w.ASCII(args.DetectionPrompt)
}

// ReadStartupArgs decodes the Initialize response.
func ReadStartupArgs(r *Reader) (segment.StartupArgs, error) {
	dir, err := r.UTF8()
	if err != nil {
		return segment.StartupArgs{}, fmt.Errorf("process directory: %w", err)
	}
	prompt, err := r.ASCII()
	if err != nil {
		return segment.StartupArgs{}, fmt.Errorf("detection prompt: %w", err)
	}
	return segment.StartupArgs{ProcDir: dir, DetectionPrompt: prompt}, nil
}

// WriteBoxLayers encodes the GenerateBoxLayers response. Bounds go out as
// x1, y1, x2, y2, which is what segmentation servers actually send.
func WriteBoxLayers(w *Writer, layers []segment.BoxLayer) {
	w.Int(len(layers))
	for _, l := range layers {
		w.ASCII(l.Caption)
		w.Int(l.X1)
		w.Int(l.Y1)
		w.Int(l.X2)
		w.Int(l.Y2)
		w.Masks(l.Masks)
	}
}

// ReadBoxLayers decodes the GenerateBoxLayers response.
//
// The protocol documents the bounds as x1, x2, y1, y2, yet they are handed
// to the box positionally (first, second, third, fourth as x1, y1, x2, y2).
// Servers send x1, y1, x2, y2, so the positional reading yields the right box.
func ReadBoxLayers(r *Reader) ([]segment.BoxLayer, error) {
	count, err := r.Int()
	if err != nil {
		return nil, err
	}
	if count > segment.MaxPayloadSize/20 {
		return nil, fmt.Errorf("%w: declared %d box layers", segment.ErrProtocolSize, count)
	}

	layers := make([]segment.BoxLayer, 0, min(count, 64))
	for i := 0; i < count; i++ {
		caption, err := r.ASCII()
		if err != nil {
			return nil, fmt.Errorf("box layer %d caption: %w", i, err)
		}

		var v [4]int
		for j := range v {
			if v[j], err = r.Int(); err != nil {
				return nil, fmt.Errorf("box layer %d bounds: %w", i, err)
			}
		}
		box := control.NewBox(v[0], v[1], v[2], v[3])

		masks, err := r.Masks()
		if err != nil {
			return nil, fmt.Errorf("box layer %d masks: %w", i, err)
		}

		layers = append(layers, segment.BoxLayer{
			Caption: caption,
			X1:      box.X1,
			Y1:      box.Y1,
			X2:      box.X2,
			Y2:      box.Y2,
			Masks:   masks,
		})
	}
	return layers, nil
}

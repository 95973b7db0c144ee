package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"maskcreator/internal/logging"
	"maskcreator/internal/segment"
)

// DefaultPort is the segmentation server's binary protocol port.
const DefaultPort = 65432

// ClientConfig configures the binary transport.
type ClientConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	// RequestTimeout bounds a round trip when the context has no deadline.
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 2 * time.Minute,
	}
}

// Addr returns host:port.
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is the binary protocol transport. It holds at most one connection,
// dialled on first use. Any failed send or receive drops the connection so
// the next call re-dials. Calls are serialized on an internal mutex because
// the socket cannot carry two requests at once.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *Reader
	config ClientConfig
	log    *logging.Logger
}

var _ segment.Transport = (*Client)(nil)

// NewClient creates a binary transport. No connection is made until the
// first request.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Client{
		config: cfg,
		log:    log.WithComponent("ipc"),
	}
}

// Name implements segment.Transport.
func (c *Client) Name() string { return "binary" }

// IsConnected reports whether a connection is currently held.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr())
	if err != nil {
		return fmt.Errorf("%w: %w", segment.ErrConnectivity, err)
	}

	c.log.Debug("connected", "addr", c.config.Addr())
	c.conn = conn
	c.reader = NewReader(conn)
	return nil
}

// drop closes and forgets the connection.
func (c *Client) drop(reason error) {
	if c.conn == nil {
		return
	}
	c.log.Debug("dropping connection", "addr", c.config.Addr(), "reason", reason)
	c.conn.Close()
	c.conn = nil
	c.reader = nil
}

// roundTrip sends one request and reads its response on the shared
// connection.
func (c *Client) roundTrip(ctx context.Context, send func(*Writer), recv func(*Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.config.RequestTimeout > 0 {
		deadline = time.Now().Add(c.config.RequestTimeout)
	}
	c.conn.SetDeadline(deadline)

	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	w := NewWriter(conn)
	send(w)
	if err := w.Flush(); err != nil {
		c.drop(err)
		return classify(ctx, "send", err)
	}

	if err := recv(c.reader); err != nil {
		c.drop(err)
		return classify(ctx, "receive", err)
	}

	c.conn.SetDeadline(time.Time{})
	return nil
}

// classify keeps protocol errors as they are and turns everything else into
// a connectivity failure.
func classify(ctx context.Context, stage string, err error) error {
	switch {
	case errors.Is(err, segment.ErrProtocolSize),
		errors.Is(err, segment.ErrProtocol),
		errors.Is(err, segment.ErrValidation):
		return fmt.Errorf("%s: %w", stage, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %s: %w", segment.ErrConnectivity, stage, ctx.Err())
	default:
		return fmt.Errorf("%w: %s: %w", segment.ErrConnectivity, stage, err)
	}
}

// StartupArgs implements segment.Transport.
func (c *Client) StartupArgs(ctx context.Context) (segment.StartupArgs, error) {
	var args segment.StartupArgs
	err := c.roundTrip(ctx,
		func(w *Writer) { w.Header(ReqInitialize) },
		func(r *Reader) error {
			var err error
			args, err = ReadStartupArgs(r)
			return err
		},
	)
	return args, err
}

// GenerateMasks implements segment.Transport.
func (c *Client) GenerateMasks(ctx context.Context, req segment.MasksRequest) ([]segment.MaskCandidate, error) {
	var masks []segment.MaskCandidate
	err := c.roundTrip(ctx,
		func(w *Writer) { WriteGenerateMasks(w, req) },
		func(r *Reader) error {
			var err error
			masks, err = r.Masks()
			return err
		},
	)
	return masks, err
}

// GenerateBoxLayers implements segment.Transport.
func (c *Client) GenerateBoxLayers(ctx context.Context, image []byte, prompt string) ([]segment.BoxLayer, error) {
	if !isASCII(prompt) {
		return nil, fmt.Errorf("%w: prompt must be 7-bit ASCII", segment.ErrValidation)
	}

	var layers []segment.BoxLayer
	err := c.roundTrip(ctx,
		func(w *Writer) { WriteGenerateBoxLayers(w, image, prompt) },
		func(r *Reader) error {
			var err error
			layers, err = ReadBoxLayers(r)
			return err
		},
	)
	return layers, err
}

// Close sends a best-effort disconnect frame and closes the connection.
// Errors are swallowed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	w := NewWriter(c.conn)
	w.Header(ReqDisconnect)
	if err := w.Flush(); err != nil {
		c.log.Debug("disconnect frame not sent", "error", err)
	}
	c.drop(nil)
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

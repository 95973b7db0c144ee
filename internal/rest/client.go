package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"maskcreator/internal/logging"
	"maskcreator/internal/segment"
)

// maxResponseSize bounds a whole response body. Individual masks are still
// capped at segment.MaxPayloadSize after decoding.
const maxResponseSize = 16 * segment.MaxPayloadSize

// ClientConfig configures the JSON/HTTP transport.
type ClientConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
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

// BaseURL returns http://host:port.
func (c ClientConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is the stateless JSON/HTTP transport. Every call is one
// independent request.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger
}

var _ segment.Transport = (*Client)(nil)

// NewClient creates a JSON/HTTP transport.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &Client{
		baseURL: cfg.BaseURL(),
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        2,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
			},
		},
		log: log.WithComponent("rest"),
	}
}

// Name implements segment.Transport.
func (c *Client) Name() string { return "http" }

// do sends one request and decodes a schema-validated response into out.
func (c *Client) do(ctx context.Context, method, path, schema string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", segment.ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", segment.ErrConnectivity, err)
	}
	if len(data) > maxResponseSize {
		return fmt.Errorf("%w: response exceeds %d bytes", segment.ErrProtocolSize, maxResponseSize)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Debug("unexpected status", "path", path, "status", resp.StatusCode, "body", data)
		return fmt.Errorf("%w: %s %s returned %s", segment.ErrProtocol, method, path, resp.Status)
	}

	if err := validate(schema, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", segment.ErrProtocol, err)
	}
	return nil
}

func validate(schema string, data []byte) error {
	compiled, err := loadSchemas()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: response is not JSON: %w", segment.ErrProtocol, err)
	}

	s, ok := compiled[schema]
	if !ok {
		return fmt.Errorf("schema %s not embedded", schema)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %w", segment.ErrProtocol, err)
	}
	return nil
}

// StartupArgs implements segment.Transport.
func (c *Client) StartupArgs(ctx context.Context) (segment.StartupArgs, error) {
	var resp argsResponse
	if err := c.do(ctx, http.MethodGet, PathArgs, schemaArgs, nil, &resp); err != nil {
		return segment.StartupArgs{}, err
	}
	return segment.StartupArgs{ProcDir: resp.ProcDir, DetectionPrompt: resp.DinoPrompt}, nil
}

// GenerateMasks implements segment.Transport.
func (c *Client) GenerateMasks(ctx context.Context, req segment.MasksRequest) ([]segment.MaskCandidate, error) {
	body := masksRequest{
		ImageBytes:  req.Image,
		ControlFlag: int(req.Flag()),
	}
	if len(req.Points) > 0 {
		body.Points = FormatPoints(req.Points)
	}
	if req.Box != nil {
		body.Box = FormatBox(req.Box)
	}

	var resp masksResponse
	if err := c.do(ctx, http.MethodPost, PathMasks, schemaMasks, body, &resp); err != nil {
		return nil, err
	}
	return masksFromJSON(resp.Masks)
}

// GenerateBoxLayers implements segment.Transport.
func (c *Client) GenerateBoxLayers(ctx context.Context, image []byte, prompt string) ([]segment.BoxLayer, error) {
	body := boxLayersRequest{ImageBytes: image, TextPrompt: prompt}

	var resp boxLayersResponse
	if err := c.do(ctx, http.MethodPost, PathBoxLayers, schemaBoxLayers, body, &resp); err != nil {
		return nil, err
	}

	layers := make([]segment.BoxLayer, 0, len(resp.BoxLayers))
	for i, l := range resp.BoxLayers {
		masks, err := masksFromJSON(l.Masks)
		if err != nil {
			return nil, fmt.Errorf("box layer %d: %w", i, err)
		}
		layers = append(layers, segment.BoxLayer{
			Caption: l.Caption,
			X1:      l.X1,
			Y1:      l.Y1,
			X2:      l.X2,
			Y2:      l.Y2,
			Masks:   masks,
		})
	}
	return layers, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}


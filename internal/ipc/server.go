package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"maskcreator/internal/logging"
	"maskcreator/internal/segment"
)

// ServerConfig configures the frame server.
type ServerConfig struct {
	Addr           string
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	Logger         *logging.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		IdleTimeout:    10 * time.Minute,
		WriteTimeout:   time.Minute,
		MaxConnections: 16,
	}
}

// Server is the peer side of the binary protocol. It scans each connection
// for the start sequence, dispatches by request type to a Segmenter, and
// closes the connection on a disconnect frame.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	segmenter segment.Segmenter
	conns     map[net.Conn]struct{}
	config    ServerConfig
	log       *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a frame server backed by seg.
func NewServer(cfg ServerConfig, seg segment.Segmenter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		segmenter: seg,
		conns:     make(map[net.Conn]struct{}),
		config:    cfg,
		log:       log.WithComponent("ipc-server"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	s.listener = listener
	s.running.Store(true)
	s.log.Info("frame server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open connection, then waits briefly
// for handlers to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("timed out waiting for connections to close")
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
			s.mu.Unlock()
			s.log.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("client connected")
	defer log.Info("client disconnected")

	r := NewReader(conn)
	for {
		if s.config.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}

		if err := ScanStart(r); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("scan for request start failed", "error", err)
			}
			return
		}

		b, err := r.Byte()
		if err != nil {
			return
		}
		reqType := RequestType(b)
		log.Debug("request", "type", reqType.String())

		if reqType == ReqDisconnect {
			return
		}

		if err := s.dispatch(conn, r, reqType); err != nil {
			log.Warn("request failed, closing connection", "type", reqType.String(), "error", err)
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, r *Reader, reqType RequestType) error {
	w := NewWriter(conn)

	switch reqType {
	case ReqInitialize:
		WriteStartupArgs(w, s.segmenter.StartupArgs())

	case ReqGenerateMasks:
		req, _, err := ReadGenerateMasks(r)
		if err != nil {
			return err
		}
		masks, err := s.segmenter.GenerateMasks(req)
		if err != nil {
			return err
		}
		w.Masks(masks)

	case ReqGenerateBoxLayers:
		img, prompt, err := ReadGenerateBoxLayers(r)
		if err != nil {
			return err
		}
		layers, err := s.segmenter.GenerateBoxLayers(img, prompt)
		if err != nil {
			return err
		}
		WriteBoxLayers(w, layers)

	default:
		s.log.Warn("undefined request type", "type", reqType.String())
		return nil
	}

	if s.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	return w.Flush()
}

// ScanStart consumes bytes until a complete start sequence has been read.
// A byte that breaks a partial match is itself reconsidered as the first
// byte of a new sequence, so padding and garbage are skipped without
// losing a frame that starts right after them.
func ScanStart(r *Reader) error {
	matched := 0
	for {
		b, err := r.Byte()
		if err != nil {
			return err
		}
		switch {
		case b == StartSequence[matched]:
			matched++
			if matched == len(StartSequence) {
				return nil
			}
		case b == StartSequence[0]:
			matched = 1
		default:
			matched = 0
		}
	}
}

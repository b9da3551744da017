package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/klaxonhq/klaxon/common/logger"
)

// Handler processes one decoded envelope payload.
type Handler func(ctx context.Context, data msgpack.RawMessage) error

type Server struct {
	addr     string
	handlers map[string]Handler

	mu       sync.Mutex
	listener net.Listener

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewServer(addr string) *Server {
	return &Server{
		addr:      addr,
		handlers:  map[string]Handler{},
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (s *Server) Handle(endpoint string, h Handler) {
	s.handlers[endpoint] = h
}

// Addr returns the bound listener address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves until Stop. The accept loop runs
// on its own goroutine; each connection gets one more.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding rpc listener on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.InfoContext(ctx, "rpc server listening", "addr", s.addr)
	go s.acceptLoop(ctx, listener)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer close(s.stoppedCh)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			slog.ErrorContext(ctx, "rpc accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.rpc"})

	for {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		body, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.WarnContext(ctx, "rpc read failed", "error", err, "peer", conn.RemoteAddr())
			}
			return
		}

		var env envelope
		if err := msgpack.Unmarshal(body, &env); err != nil {
			slog.WarnContext(ctx, "rpc envelope decode failed", "error", err, "peer", conn.RemoteAddr())
			s.reply(ctx, conn, "ERR: bad envelope")
			return
		}

		handler, ok := s.handlers[env.Endpoint]
		if !ok {
			slog.WarnContext(ctx, "rpc unknown endpoint", "endpoint", env.Endpoint)
			s.reply(ctx, conn, fmt.Sprintf("ERR: unknown endpoint %s", env.Endpoint))
			continue
		}

		if err := handler(ctx, env.Data); err != nil {
			slog.ErrorContext(ctx, "rpc handler failed", "endpoint", env.Endpoint, "error", err)
			s.reply(ctx, conn, "ERR: "+err.Error())
			continue
		}
		s.reply(ctx, conn, replyOK)
	}
}

func (s *Server) reply(ctx context.Context, conn net.Conn, msg string) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeFrame(conn, msg); err != nil {
		slog.WarnContext(ctx, "rpc reply failed", "error", err, "peer", conn.RemoteAddr())
	}
}

// Stop closes the listener and waits for the accept loop to exit.
// In-flight connections finish their current frame.
func (s *Server) Stop() {
	close(s.stopCh)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	<-s.stoppedCh
}

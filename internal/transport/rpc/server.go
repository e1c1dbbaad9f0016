// Package rpc exposes session administration over JSON-RPC for the relay CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
	"github.com/xiaot623/gogo/relay/internal/service"
)

const (
	serviceName = "Relay"
	callTimeout = 30 * time.Second
)

// Server exposes admin RPC endpoints on a local TCP listener.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the relay service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(serviceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds the server to addr without accepting connections yet.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			logger.Warn("rpc accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the relay RPC methods.
type Handler struct {
	service *service.Service
}

// Empty is the argument of methods that take none.
type Empty struct{}

// SessionArgs identifies a session.
type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// ListSessionsReply carries the session listing.
type ListSessionsReply struct {
	Sessions []domain.SessionListItem `json:"sessions"`
}

// SessionReply carries one session and its turns.
type SessionReply struct {
	Session domain.Session `json:"session"`
	Turns   []domain.Turn  `json:"turns"`
}

// SweepArgs selects open turns older than StaleAfterMs.
type SweepArgs struct {
	StaleAfterMs int64 `json:"stale_after_ms"`
}

// SweepReply reports how many turns were closed.
type SweepReply struct {
	Closed int `json:"closed"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// ListSessions lists all sessions.
func (h *Handler) ListSessions(_ *Empty, resp *ListSessionsReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	items, err := h.service.ListSessions(ctx)
	if err != nil {
		return err
	}
	resp.Sessions = items
	return nil
}

// GetSession returns a session with its turns.
func (h *Handler) GetSession(req *SessionArgs, resp *SessionReply) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	session, err := h.service.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}
	turns, err := h.service.ListTurns(ctx, req.SessionID)
	if err != nil {
		return err
	}
	resp.Session = *session
	resp.Turns = turns
	return nil
}

// DeleteSession removes a session and its turns.
func (h *Handler) DeleteSession(req *SessionArgs, resp *AckResponse) error {
	if req == nil || req.SessionID == "" {
		return errors.New("session_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if err := h.service.DeleteSession(ctx, req.SessionID); err != nil {
		return err
	}
	resp.OK = true
	return nil
}

// SweepStaleTurns closes open turns older than the given age.
func (h *Handler) SweepStaleTurns(req *SweepArgs, resp *SweepReply) error {
	if req == nil || req.StaleAfterMs < 0 {
		return errors.New("stale_after_ms must not be negative")
	}
	resp.Closed = h.service.SweepStaleTurns(context.Background(), time.Duration(req.StaleAfterMs)*time.Millisecond)
	return nil
}

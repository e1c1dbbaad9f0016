// Package ws serves chat streams over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/logger"
	"github.com/xiaot623/gogo/relay/internal/service"
	v1 "github.com/xiaot623/gogo/relay/internal/transport/http/v1"
)

const (
	maxMessageSize = 1 << 20
	writeTimeout   = 10 * time.Second
	// maxQueuedRequests frames wait while a request runs; further frames
	// are rejected.
	maxQueuedRequests = 1
)

// TypeError marks a frame that reports a rejected or failed request.
const TypeError = "error"

// ErrorFrame is sent instead of an event when a request cannot start or
// ends without chat_message_complete.
type ErrorFrame struct {
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

// Server handles WebSocket chat connections. Each text frame from the client
// is one chat request; requests on a connection run one at a time, with at
// most maxQueuedRequests waiting behind the active one.
type Server struct {
	service  *service.Service
	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket server. Browser connections must come from
// allowedOrigin ("*" allows any).
func NewServer(svc *service.Service, allowedOrigin string) *Server {
	return &Server{
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
	}
}

// RegisterRoutes registers the WebSocket route.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/chat", s.HandleChat)
}

// HandleChat upgrades the connection and serves requests until the client
// goes away. Closing the connection cancels the active request.
func (s *Server) HandleChat(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}
	defer ws.Close()
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	conn := &connection{ws: ws}
	requests := make(chan []byte, maxQueuedRequests)
	go readPump(conn, requests, cancel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-requests:
			if !ok {
				return nil
			}
			s.handleRequest(ctx, conn, data)
		}
	}
}

// readPump forwards client frames and cancels the request context once the
// client is gone. It never blocks on the request loop, so a disconnect is
// seen while a request is still streaming.
func readPump(conn *connection, out chan<- []byte, cancel context.CancelFunc) {
	defer cancel()
	defer close(out)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		select {
		case out <- data:
		default:
			conn.sendError(http.StatusTooManyRequests, "a request is already queued on this connection", "")
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, conn *connection, data []byte) {
	var req domain.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.sendError(http.StatusBadRequest, "invalid request body", "")
		return
	}

	plan, err := s.service.PrepareChat(ctx, &req)
	if err != nil {
		conn.sendError(v1.StatusFor(err), err.Error(), "")
		return
	}

	if err := s.service.RunChat(ctx, plan, conn); err != nil && ctx.Err() == nil {
		conn.sendError(http.StatusInternalServerError, "chat stream failed", plan.SessionID)
	}
}

// connection is the EventSink of one WebSocket. The request loop and the
// read pump both write, so writes are serialized.
type connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) Send(ctx context.Context, ev domain.StreamEvent) error {
	return c.writeJSON(ev)
}

func (c *connection) sendError(code int, msg, sessionID string) {
	frame := ErrorFrame{Type: TypeError, Code: code, Error: msg, SessionID: sessionID}
	if err := c.writeJSON(frame); err != nil {
		logger.Warn("failed to send websocket error frame", zap.Error(err))
	}
}

func (c *connection) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

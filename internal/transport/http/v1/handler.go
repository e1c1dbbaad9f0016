// Package v1 provides the HTTP handlers of the relay.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/service"
)

// HeaderChatID carries the session id of a chat stream.
const HeaderChatID = "X-Chat-Id"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/chat", h.Chat)

	// Session API
	e.GET("/chats", h.ListChats)
	e.GET("/chats/:chat_id", h.GetChat)
	e.PATCH("/chats/:chat_id", h.UpdateChat)
	e.DELETE("/chats/:chat_id", h.DeleteChat)
	e.GET("/chats/:chat_id/messages", h.GetChatMessages)
	e.GET("/chats/:chat_id/messages/:message_id", h.GetChatMessage)

	e.GET("/tools", h.ListTools)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// StatusFor maps a service error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrToolBlocked):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownTool):
		return http.StatusBadRequest
	case service.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(StatusFor(err), map[string]string{"error": err.Error()})
}

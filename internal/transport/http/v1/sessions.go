package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// ListChats lists sessions in creation order.
// GET /chats
func (h *Handler) ListChats(c echo.Context) error {
	items, err := h.service.ListSessions(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

// GET /chats/:chat_id
func (h *Handler) GetChat(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// UpdateChat renames a session.
// PATCH /chats/:chat_id
func (h *Handler) UpdateChat(c echo.Context) error {
	var req domain.UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	session, err := h.service.RenameSession(c.Request().Context(), c.Param("chat_id"), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// DeleteChat removes a session and its messages.
// DELETE /chats/:chat_id
func (h *Handler) DeleteChat(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), c.Param("chat_id")); err != nil {
		return errorJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetChatMessages retrieves the turns of a session in order.
// GET /chats/:chat_id/messages
func (h *Handler) GetChatMessages(c echo.Context) error {
	turns, err := h.service.ListTurns(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, turns)
}

// GetChatMessage retrieves one turn.
// GET /chats/:chat_id/messages/:message_id
func (h *Handler) GetChatMessage(c echo.Context) error {
	turnID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message id"})
	}
	turn, err := h.service.GetTurn(c.Request().Context(), c.Param("chat_id"), turnID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, turn)
}

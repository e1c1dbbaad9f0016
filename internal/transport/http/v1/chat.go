package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// sseSink writes each event as one server-sent event and flushes it.
type sseSink struct {
	res *echo.Response
}

func (s *sseSink) Send(ctx context.Context, ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.res, "data: %s\n\n", data); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

// Chat streams one generation as server-sent events.
// POST /chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()

	plan, err := h.service.PrepareChat(ctx, &req)
	if err != nil {
		return errorJSON(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set(HeaderChatID, plan.SessionID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// The status line is gone; a failed run just ends the stream without
	// chat_message_complete. The service logs the cause.
	_ = h.service.RunChat(ctx, plan, &sseSink{res: res})
	return nil
}

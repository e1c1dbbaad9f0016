package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/transport/ws"
)

type chatOptions struct {
	addr        string
	chatID      string
	model       string
	searchTypes []string
	message     string
}

func newChatCommand(opts *options) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running relay over WebSocket",
		Long: `Connects to the relay WebSocket endpoint and sends each input line as a
chat request on one session. Use --message to send a single message and exit.

Examples:
  relay chat --search web_search
  relay chat --chat-id my-chat --message "Hello!"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if co.addr == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				co.addr = fmt.Sprintf("ws://localhost:%d/ws/chat", cfg.HTTPPort)
			}
			return runChat(cmd, co)
		},
	}
	cmd.Flags().StringVar(&co.addr, "addr", "", "WebSocket address (default ws://localhost:<http_port>/ws/chat)")
	cmd.Flags().StringVar(&co.chatID, "chat-id", "", "continue this session")
	cmd.Flags().StringVar(&co.model, "model", "", "completion model for a new session")
	cmd.Flags().StringSliceVar(&co.searchTypes, "search", nil, "tools to run before each reply")
	cmd.Flags().StringVarP(&co.message, "message", "m", "", "send one message and exit")
	return cmd
}

func runChat(cmd *cobra.Command, co *chatOptions) error {
	out := cmd.OutOrStdout()
	client, err := newChatClient(co.addr, out)
	if err != nil {
		return err
	}
	defer client.Close()
	client.sessionID = co.chatID
	client.model = co.model
	client.searchTypes = co.searchTypes

	if co.message != "" {
		return client.Ask(co.message)
	}

	fmt.Fprintf(out, "Connected to %s\n", co.addr)
	fmt.Fprintln(out, "Type a message and press Enter to send. Commands: /quit to exit")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		if err := client.Ask(input); err != nil {
			var reqErr *requestError
			if !errors.As(err, &reqErr) {
				return err
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// requestError is a request the server rejected; the connection stays usable.
type requestError struct {
	frame ws.ErrorFrame
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%d %s", e.frame.Code, e.frame.Error)
}

// chatClient sends chat requests over one WebSocket connection.
type chatClient struct {
	conn        *websocket.Conn
	out         io.Writer
	sessionID   string
	model       string
	searchTypes []string
}

func newChatClient(addr string, out io.Writer) (*chatClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &chatClient{conn: conn, out: out}, nil
}

func (c *chatClient) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Ask sends one user message and prints the streamed reply. The session id
// from the first reply is reused for later messages.
func (c *chatClient) Ask(content string) error {
	req := domain.ChatRequest{
		Messages:    []domain.InputMessage{{Role: domain.RoleUser, Content: content}},
		Model:       c.model,
		SessionID:   c.sessionID,
		SearchTypes: c.searchTypes,
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var frame struct {
			domain.StreamEvent
			Code  int    `json:"code"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("unmarshal frame: %w", err)
		}
		if frame.SessionID != "" {
			c.sessionID = frame.SessionID
		}

		switch string(frame.Type) {
		case ws.TypeError:
			fmt.Fprintln(c.out)
			return &requestError{frame: ws.ErrorFrame{
				Type:      ws.TypeError,
				Code:      frame.Code,
				Error:     frame.Error,
				SessionID: frame.SessionID,
			}}
		case string(domain.EventTypeToolStarted):
			fmt.Fprintf(c.out, "[%s] ", frame.ToolName)
		case string(domain.EventTypeToolDelta), string(domain.EventTypeDelta):
			fmt.Fprint(c.out, frame.Content)
		case string(domain.EventTypeToolFinished):
			fmt.Fprintln(c.out)
		case string(domain.EventTypeChatMessageComplete):
			fmt.Fprintln(c.out)
			return nil
		}
	}
}

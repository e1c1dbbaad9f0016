package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrStreamTruncated reports an upstream stream that closed before signalling
// completion.
var ErrStreamTruncated = errors.New("completion stream ended without completion marker")

const completionsPath = "/v1/chat/completions"

// Client talks to an OpenAI-compatible endpoint such as a LiteLLM proxy.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new LiteLLM client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateChatCompletionStream posts req with stream enabled and feeds each
// "data:" line to callback until [DONE] or EOF.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest, callback StreamCallback) (*Usage, error) {
	req.Stream = true

	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, respBody)
	}

	reader := bufio.NewReader(resp.Body)
	state := &streamState{}

	for {
		select {
		case <-ctx.Done():
			return state.usage, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return state.usage, fmt.Errorf("failed to read stream: %w", err)
		}
		eof := err != nil

		done, herr := state.handleLine(line, callback)
		if herr != nil || done {
			return state.usage, herr
		}
		if eof {
			if state.finished {
				return state.usage, nil
			}
			return state.usage, ErrStreamTruncated
		}
	}
}

type streamState struct {
	usage    *Usage
	finished bool
}

// handleLine processes one SSE line and reports whether the stream is done.
func (s *streamState) handleLine(line string, callback StreamCallback) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return false, nil
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return true, nil
	}

	var chunk StreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		// Skip malformed chunks
		return false, nil
	}
	if len(chunk.Choices) == 0 {
		var body errorBody
		if json.Unmarshal([]byte(data), &body) == nil && body.Error != nil {
			return true, fmt.Errorf("LLM stream error: %s (type: %s)", body.Error.Message, body.Error.Type)
		}
	}
	if chunk.Usage != nil {
		s.usage = chunk.Usage
	}
	if chunk.Finished() {
		s.finished = true
	}
	return false, callback(&chunk)
}

func (c *Client) post(ctx context.Context, payload *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func apiError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != nil {
		return fmt.Errorf("LLM API error [%d]: %s (type: %s)", status, eb.Error.Message, eb.Error.Type)
	}
	return fmt.Errorf("LLM API error [%d]: %s", status, string(body))
}

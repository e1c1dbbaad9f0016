package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/xiaot623/gogo/relay/internal/producer"
)

// WebSearch queries an HTTP search API and reduces the JSON response to text
// with a jq expression.
type WebSearch struct {
	endpoint   string
	apiKey     string
	maxResults int
	code       *gojq.Code
	httpClient *http.Client
}

// NewWebSearch creates a web search tool. resultsJQ must yield an array of
// strings or a single string.
func NewWebSearch(endpoint, apiKey, resultsJQ string, maxResults int, timeout time.Duration) (*WebSearch, error) {
	query, err := gojq.Parse(resultsJQ)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", resultsJQ, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq expression: %w", err)
	}
	return &WebSearch{
		endpoint:   endpoint,
		apiKey:     apiKey,
		maxResults: maxResults,
		code:       code,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Search runs one query. It returns producer.ErrNoResults when the API
// answers with nothing usable.
func (w *WebSearch) Search(ctx context.Context, p producer.Params) (string, error) {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid search url: %w", err)
	}
	q := u.Query()
	q.Set("q", p.Query)
	if w.maxResults > 0 {
		q.Set("limit", strconv.Itoa(w.maxResults))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search API error [%d]: %s", resp.StatusCode, string(body))
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}
	return w.extract(ctx, doc)
}

func (w *WebSearch) extract(ctx context.Context, doc interface{}) (string, error) {
	var lines []string
	iter := w.code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return "", fmt.Errorf("jq error: %w", err)
		}
		lines = append(lines, flatten(v)...)
	}

	if w.maxResults > 0 && len(lines) > w.maxResults {
		lines = lines[:w.maxResults]
	}
	if len(lines) == 0 {
		return "", producer.ErrNoResults
	}

	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, l)
	}
	return sb.String(), nil
}

func flatten(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
		return nil
	case []interface{}:
		var out []string
		for _, e := range t {
			out = append(out, flatten(e)...)
		}
		return out
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return []string{string(b)}
	}
}

package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/relay/internal/domain"
)

// Client calls a running relay's admin RPC server. Each call uses its own
// connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a client for addr, given as host:port or tcp://host:port.
func NewClient(addr string) *Client {
	return &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: 5 * time.Second,
		callTimeout: callTimeout,
	}
}

func (c *Client) ListSessions(ctx context.Context) ([]domain.SessionListItem, error) {
	var reply ListSessionsReply
	if err := c.call(ctx, "ListSessions", &Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionReply, error) {
	var reply SessionReply
	if err := c.call(ctx, "GetSession", &SessionArgs{SessionID: sessionID}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	var reply AckResponse
	return c.call(ctx, "DeleteSession", &SessionArgs{SessionID: sessionID}, &reply)
}

// SweepStaleTurns asks the server to close open turns older than staleAfter.
func (c *Client) SweepStaleTurns(ctx context.Context, staleAfter time.Duration) (int, error) {
	var reply SweepReply
	if err := c.call(ctx, "SweepStaleTurns", &SweepArgs{StaleAfterMs: staleAfter.Milliseconds()}, &reply); err != nil {
		return 0, err
	}
	return reply.Closed, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return fmt.Errorf("admin rpc address is not set")
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to relay at %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(serviceName+"."+method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}

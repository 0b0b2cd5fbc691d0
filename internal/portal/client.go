package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/portalbox/portalbox/internal/jsonrpc"
)

// Client speaks the portal protocol over one connected stream. Calls are
// serialized; the portal answers strictly in request order.
type Client struct {
	conn io.ReadWriteCloser
	enc  *json.Encoder
	dec  *json.Decoder

	mu     sync.Mutex
	nextID uint64
}

func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type deadlineConn interface {
	SetDeadline(time.Time) error
}

// Call performs one request/response round trip. A jsonrpc error from the
// portal is returned as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	req, err := jsonrpc.NewRequest(&id, method, params)
	if err != nil {
		return err
	}

	if dc, ok := c.conn.(deadlineConn); ok {
		deadline, has := ctx.Deadline()
		if !has {
			deadline = time.Time{}
		}
		_ = dc.SetDeadline(deadline)
	}

	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s request: %w", method, err)
	}
	var resp jsonrpc.Response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.ID == nil || *resp.ID != id {
		return fmt.Errorf("portal answered %s with mismatched id", method)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Ping confirms the portal is accepting work. It doubles as the readiness
// probe during boot.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodStart, nil, nil)
}

// Shutdown asks the agent to exit cleanly.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodStop, nil, nil)
}

// RunRepl evaluates code in the persistent session for the given language.
func (c *Client) RunRepl(ctx context.Context, params ReplRunParams) (ExecResult, error) {
	var result ExecResult
	if err := c.Call(ctx, MethodReplRun, params, &result); err != nil {
		return ExecResult{}, err
	}
	return result, nil
}

// RunCommand executes one process inside the guest.
func (c *Client) RunCommand(ctx context.Context, params CommandRunParams) (ExecResult, error) {
	var result ExecResult
	if err := c.Call(ctx, MethodCommandRun, params, &result); err != nil {
		return ExecResult{}, err
	}
	return result, nil
}

// Metrics fetches one consistent snapshot of guest resource usage.
func (c *Client) Metrics(ctx context.Context) (Metrics, error) {
	var metrics Metrics
	if err := c.Call(ctx, MethodMetricsGet, nil, &metrics); err != nil {
		return Metrics{}, err
	}
	return metrics, nil
}

// Dialer opens a fresh stream to the portal.
type Dialer func(context.Context) (io.ReadWriteCloser, error)

// WaitReady dials and pings the portal until it answers or the context
// expires. The guest needs a moment between kernel boot and the agent
// binding its vsock port, so both dial and ping failures are retried.
func WaitReady(ctx context.Context, dial Dialer, interval time.Duration) (*Client, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		conn, err := dial(ctx)
		if err == nil {
			client := NewClient(conn)
			if err := client.Ping(ctx); err == nil {
				return client, nil
			} else {
				lastErr = err
				_ = client.Close()
			}
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("portal not ready: %w (last attempt: %v)", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("portal not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

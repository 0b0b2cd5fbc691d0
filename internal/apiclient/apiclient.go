// Package apiclient is the JSON-RPC-over-HTTP client for the orchestration
// API, shared by the CLI and the SDK.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/portalbox/portalbox/internal/endpoint"
	"github.com/portalbox/portalbox/internal/jsonrpc"
)

// Client calls the orchestration API.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	nextID  atomic.Uint64
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New builds a client for the endpoint. Unix-socket endpoints get a
// transport that dials the socket regardless of the request host.
func New(ep endpoint.Endpoint, opts ...Option) *Client {
	c := &Client{baseURL: ep.BaseURL}
	if ep.Scheme == "unix" {
		socketPath := ep.Address
		c.httpc = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		}
	} else {
		c.httpc = &http.Client{Timeout: 60 * time.Second}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes one API method. A non-nil result receives the decoded
// JSON-RPC result; API-level failures come back as *jsonrpc.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(&id, method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp jsonrpc.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("decode response for %s (HTTP %d): %w", method, httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if resp.ID == nil || *resp.ID != id {
		return fmt.Errorf("response id mismatch for %s", method)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result for %s: %w", method, err)
		}
	}
	return nil
}

// Healthy probes the server's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ytmaster/internal/urlnorm"
)

// ErrNotRunning indicates no instance answered at the client's address.
var ErrNotRunning = errors.New("not_running")

// Client talks to a running instance. The launcher uses it to hand a URL to
// the instance that owns the queue instead of starting a second one.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the instance listening on addr (host:port).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: strings.TrimRight(base, "/"), HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// Ping reports whether an instance is answering.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: healthz returned %d", ErrNotRunning, resp.StatusCode)
	}
	return nil
}

// Enqueue asks the instance to queue target in mode.
func (c *Client) Enqueue(ctx context.Context, target string, mode urlnorm.Mode) (urlnorm.Key, error) {
	body, err := json.Marshal(enqueueRequest{URL: target, Mode: string(mode)})
	if err != nil {
		return urlnorm.Key{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/enqueue", bytes.NewReader(body))
	if err != nil {
		return urlnorm.Key{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return urlnorm.Key{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()

	var out struct {
		Status  string      `json:"status"`
		Message string      `json:"message"`
		Key     urlnorm.Key `json:"key"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return urlnorm.Key{}, fmt.Errorf("decode enqueue response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return urlnorm.Key{}, fmt.Errorf("enqueue rejected (%d): %s", resp.StatusCode, out.Message)
	}
	return out.Key, nil
}

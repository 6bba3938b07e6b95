package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to a resident sidekeep daemon's status API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the daemon's API root including the base path,
	// e.g. "http://127.0.0.1:9610/api".
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig points at the daemon's default loopback listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9610/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a status API client. The daemon binds loopback only, so the
// transport stays plain HTTP.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:9610/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Status fetches the current supervision snapshot. The daemon answers from
// memory; the call never makes it touch the sidecar.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+"/status")
}

// Acquire asks the daemon to run its acquire loop and returns the resulting
// snapshot. The call blocks while the daemon spawns or verifies the sidecar.
func (c *Client) Acquire(ctx context.Context) (*Status, error) {
	return c.do(ctx, http.MethodPost, c.baseURL+"/acquire")
}

// do performs the request and decodes either a Status or an APIError.
func (c *Client) do(ctx context.Context, method, url string) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "method", method, "url", url, "error", err)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &st, nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}

	apiErr.Message = body.Error
	apiErr.Reason = body.Reason
	return apiErr
}

// Package handshake is the HTTP side of the sidecar gateway: the
// unauthenticated credential handshake plus the authenticated health, version
// and connection-listing calls. Failure modes the supervisor must react to
// come back as categorized faults; everything transient stays a plain error.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/secrets"
)

// PIDHeader is the response header the sidecar sets on every 401 so a client
// holding a stale credential can still find the process to terminate.
const PIDHeader = "x-sidecar-pid"

const (
	handshakePath   = "/gateway/v1/handshake"
	healthPath      = "/gateway/v1/health"
	versionPath     = "/gateway/v1/version"
	connectionsPath = "/gateway/v1/connections"
)

// Client talks to the sidecar gateway over loopback HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the loopback defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:27272",
		Timeout: 10 * time.Second,
	}
}

// New creates a gateway client. Loopback only, so no TLS.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		log:     config.Logger.With("component", "handshake"),
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Handshake obtains a fresh rotating credential. No authentication: the
// sidecar mints a new secret for whoever asks on loopback. Connection refused
// is NotRunning; every other failure is plain and worth retrying.
func (c *Client) Handshake(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, handshakePath, "")
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("handshake status %d", resp.StatusCode)
	}
	var body struct {
		AuthSecret string `json:"auth_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode handshake response: %w", err)
	}
	if body.AuthSecret == "" {
		return "", errors.New("handshake response carries no auth_secret")
	}
	c.log.Debug("handshake succeeded", "credential", secrets.Mask(body.AuthSecret))
	return body.AuthSecret, nil
}

// Healthcheck probes the sidecar with the given credential. nil means healthy.
// A 401 comes back as CredentialMismatch carrying the pid from the response
// header; a 401 without a usable pid is a ProtocolFault because we refuse to
// guess which process to kill.
func (c *Client) Healthcheck(ctx context.Context, token string) error {
	resp, err := c.get(ctx, healthPath, token)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		pid, err := pidFromHeader(resp.Header)
		if err != nil {
			return err
		}
		c.log.Debug("credential rejected", "pid", pid)
		return fault.WithPID(fault.CredentialMismatch, pid, errors.New("sidecar rejected credential"))
	default:
		return fault.Newf(fault.ProtocolFault, "unexpected health status %d", resp.StatusCode)
	}
}

// Version returns the sidecar's self-reported version string.
func (c *Client) Version(ctx context.Context, token string) (string, error) {
	resp, err := c.get(ctx, versionPath, token)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Version string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fault.Wrap(fault.ProtocolFault, fmt.Errorf("decode version response: %w", err))
		}
		if body.Version == "" {
			return "", fault.New(fault.ProtocolFault, "version response carries no version")
		}
		return body.Version, nil
	case http.StatusUnauthorized:
		pid, err := pidFromHeader(resp.Header)
		if err != nil {
			return "", err
		}
		return "", fault.WithPID(fault.CredentialMismatch, pid, errors.New("sidecar rejected credential"))
	default:
		return "", fault.Newf(fault.ProtocolFault, "unexpected version status %d", resp.StatusCode)
	}
}

// DiscoverPID learns the live sidecar's pid without holding a valid
// credential: healthcheck with a fresh nonce and harvest the pid from the
// expected 401. A sidecar that accepts a random nonce is broken.
func (c *Client) DiscoverPID(ctx context.Context) (int, error) {
	nonce := "pid-probe-" + uuid.NewString()
	err := c.Healthcheck(ctx, nonce)
	if err == nil {
		return 0, fault.New(fault.ProtocolFault, "sidecar accepted a nonce credential")
	}
	if fault.Is(err, fault.CredentialMismatch) {
		return fault.PIDOf(err), nil
	}
	return 0, err
}

// Connections lists the sidecar's current connections.
func (c *Client) Connections(ctx context.Context, token string) ([]channel.Connection, error) {
	resp, err := c.get(ctx, connectionsPath, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			Connections []channel.Connection `json:"connections"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fault.Wrap(fault.ProtocolFault, fmt.Errorf("decode connections response: %w", err))
		}
		return body.Connections, nil
	case http.StatusUnauthorized:
		pid, err := pidFromHeader(resp.Header)
		if err != nil {
			return nil, err
		}
		return nil, fault.WithPID(fault.CredentialMismatch, pid, errors.New("sidecar rejected credential"))
	default:
		return nil, fault.Newf(fault.ProtocolFault, "unexpected connections status %d", resp.StatusCode)
	}
}

// get performs an authenticated (token != "") or bare GET against the gateway.
func (c *Client) get(ctx context.Context, path, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fault.ConnRefused(err) {
			c.log.Debug("sidecar not listening", "path", path)
			return nil, fault.Wrap(fault.NotRunning, err)
		}
		return nil, fmt.Errorf("%s %s: %w", http.MethodGet, path, err)
	}
	return resp, nil
}

// pidFromHeader extracts the live pid a 401 must carry.
func pidFromHeader(h http.Header) (int, error) {
	v := h.Get(PIDHeader)
	if v == "" {
		return 0, fault.Newf(fault.ProtocolFault, "401 without %s header", PIDHeader)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || pid <= 0 {
		return 0, fault.Newf(fault.ProtocolFault, "unusable %s header %q", PIDHeader, v)
	}
	return pid, nil
}

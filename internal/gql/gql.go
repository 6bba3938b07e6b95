// Package gql issues GraphQL requests to the sidecar gateway and coalesces
// identical concurrent requests into a single network call. Coalescing is
// in-flight only: the moment a shared call settles its key is gone, so no
// caller is ever served a completed request's result.
package gql

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/metrics"
)

const (
	graphqlPath        = "/gateway/v1/graphql"
	connectionIDHeader = "x-connection-id"
)

// CredentialSource produces a live credential, running a supervisory attempt
// when none is held.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client posts GraphQL requests over the loopback gateway.
type Client struct {
	baseURL string
	source  CredentialSource
	client  *http.Client
	log     *slog.Logger
	flight  singleflight.Group
}

// New builds a client bound to a credential source.
func New(config Config, source CredentialSource) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:27272"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		source:  source,
		log:     config.Logger.With("component", "gql"),
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// ErrorEntry is one entry of a GraphQL errors array.
type ErrorEntry struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// QueryError carries the errors array of a 200 response.
type QueryError struct {
	Errors []ErrorEntry
}

func (e *QueryError) Error() string {
	if len(e.Errors) == 1 {
		return "graphql: " + e.Errors[0].Message
	}
	return fmt.Sprintf("graphql: %s (and %d more)", e.Errors[0].Message, len(e.Errors)-1)
}

// Query posts one GraphQL request for connectionID. Concurrent calls with the
// same connection, query and variables join a single outstanding network
// call. Joined callers still honor their own context.
func (c *Client) Query(ctx context.Context, connectionID, query string, variables map[string]any) (json.RawMessage, error) {
	key, err := requestKey(connectionID, query, variables)
	if err != nil {
		return nil, err
	}
	issued := false
	ch := c.flight.DoChan(key, func() (any, error) {
		issued = true
		return c.post(ctx, connectionID, query, variables)
	})
	select {
	case res := <-ch:
		if issued {
			metrics.IncGQL("issued")
		} else {
			metrics.IncGQL("joined")
			c.log.Debug("joined in-flight graphql request", "connection", connectionID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) post(ctx context.Context, connectionID, query string, variables map[string]any) (json.RawMessage, error) {
	token, err := c.source.Credential(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+graphqlPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(connectionIDHeader, connectionID)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fault.ConnRefused(err) {
			return nil, fault.Wrap(fault.NotRunning, err)
		}
		return nil, fmt.Errorf("graphql post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []ErrorEntry    `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return nil, fault.Wrap(fault.ProtocolFault, fmt.Errorf("decode graphql response: %w", err))
		}
		if len(envelope.Errors) > 0 {
			return nil, &QueryError{Errors: envelope.Errors}
		}
		return envelope.Data, nil
	case http.StatusUnauthorized:
		return nil, fault.New(fault.CredentialMismatch, "graphql request rejected")
	default:
		return nil, fault.Newf(fault.ProtocolFault, "unexpected graphql status %d", resp.StatusCode)
	}
}

// requestKey canonicalizes one request. json.Marshal sorts map keys at every
// level, so semantically equal variable maps digest identically.
func requestKey(connectionID, query string, variables map[string]any) (string, error) {
	vars, err := json.Marshal(variables)
	if err != nil {
		return "", fmt.Errorf("canonicalize variables: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(connectionID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write(vars)
	return hex.EncodeToString(h.Sum(nil)), nil
}

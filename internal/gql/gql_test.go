package gql

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sidekeep/sidekeep/internal/fault"
)

type staticSource struct {
	token string
	calls int32
}

func (s *staticSource) Credential(context.Context) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.token, nil
}

func TestQueryPostsAndParses(t *testing.T) {
	var gotAuth, gotConn string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotConn = r.Header.Get("x-connection-id")
		if r.Method != http.MethodPost || r.URL.Path != "/gateway/v1/graphql" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"viewer":{"name":"ada"}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &staticSource{token: "tok-1"})
	data, err := c.Query(context.Background(), "c-1", `query { viewer { name } }`, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(data) != `{"viewer":{"name":"ada"}}` {
		t.Fatalf("data = %s", data)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotConn != "c-1" {
		t.Fatalf("x-connection-id = %q", gotConn)
	}
}

func TestConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_, _ = w.Write([]byte(`{"data":{"n":1}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &staticSource{token: "tok"})
	// Two insertion orders, same variables: the canonical key must match.
	varsA := map[string]any{"a": 1, "b": "x"}
	varsB := map[string]any{"b": "x", "a": 1}

	var wg sync.WaitGroup
	results := make([]string, 6)
	errs := make([]error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vars := varsA
			if i%2 == 1 {
				vars = varsB
			}
			data, err := c.Query(context.Background(), "c-1", `query Q {n}`, vars)
			results[i], errs[i] = string(data), err
		}(i)
	}
	// Let the stragglers join the in-flight call before it settles.
	time.Sleep(150 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("server saw %d calls, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != `{"n":1}` {
			t.Fatalf("caller %d got %s", i, results[i])
		}
	}

	// The in-flight entry is gone once settled: a new call hits the network.
	if _, err := c.Query(context.Background(), "c-1", `query Q {n}`, varsA); err != nil {
		t.Fatalf("followup query: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("server saw %d calls after followup, want 2", got)
	}
}

func TestDistinctRequestsDoNotCoalesce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &staticSource{token: "tok"})
	var wg sync.WaitGroup
	for _, vars := range []map[string]any{{"page": 1}, {"page": 2}} {
		wg.Add(1)
		go func(v map[string]any) {
			defer wg.Done()
			_, _ = c.Query(context.Background(), "c-1", `query Q {n}`, v)
		}(vars)
	}
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&calls) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d calls, want 2 distinct", atomic.LoadInt32(&calls))
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()
}

func TestGraphQLErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"field gone"},{"message":"also gone"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &staticSource{token: "tok"})
	_, err := c.Query(context.Background(), "c-1", `query {gone}`, nil)
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QueryError", err)
	}
	if len(qe.Errors) != 2 || qe.Errors[0].Message != "field gone" {
		t.Fatalf("errors = %+v", qe.Errors)
	}
}

func TestUnauthorizedMapsToCredentialMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &staticSource{token: "tok"})
	_, err := c.Query(context.Background(), "c-1", `query {n}`, nil)
	if !fault.Is(err, fault.CredentialMismatch) {
		t.Fatalf("err = %v, want CredentialMismatch", err)
	}
}

func TestRefusedMapsToNotRunning(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	c := New(Config{BaseURL: "http://" + addr}, &staticSource{token: "tok"})
	_, err = c.Query(context.Background(), "c-1", `query {n}`, nil)
	if !fault.Is(err, fault.NotRunning) {
		t.Fatalf("err = %v, want NotRunning", err)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request reached the server without a credential")
	}))
	defer srv.Close()

	boom := errors.New("no credential to be had")
	c := New(Config{BaseURL: srv.URL}, sourceFunc(func(context.Context) (string, error) { return "", boom }))
	_, err := c.Query(context.Background(), "c-1", `query {n}`, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want source error", err)
	}
}

type sourceFunc func(ctx context.Context) (string, error)

func (f sourceFunc) Credential(ctx context.Context) (string, error) { return f(ctx) }

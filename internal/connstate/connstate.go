// Package connstate caches the sidecar's connection snapshots as they arrive
// over the event channel and lets callers wait for a state they care about
// without polling. Snapshots are replaced wholesale and never roll back;
// waiters are one-shot and always deregistered, whichever way the race ends.
package connstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/metrics"
)

// ErrLocalStability marks the deliberately unimplemented local case: callers
// get an error, never a guess.
var ErrLocalStability = errors.New("stability is not defined for local connections")

// Subscriber is the one channel capability Bind needs.
type Subscriber interface {
	Subscribe(t channel.Type, handler func(channel.Message)) channel.Disposable
}

type waiter struct {
	pred func(channel.Connection) bool
	ch   chan *channel.Connection
}

type entry struct {
	latest  *channel.Connection
	waiters map[int]waiter
}

// Reconciler holds the per-connection snapshots and waiters. Updates arrive
// serialized off the channel's dispatch goroutine; the mutex exists because
// waiters register from caller goroutines.
type Reconciler struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	nextID  int
}

// New builds an empty reconciler.
func New(log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log:     log.With("component", "connstate"),
		entries: make(map[string]*entry),
	}
}

// Bind subscribes the reconciler to the connection_state stream.
func (r *Reconciler) Bind(ch Subscriber) channel.Disposable {
	return ch.Subscribe(channel.MsgConnectionState, func(m channel.Message) {
		if body, ok := m.Body.(channel.ConnectionStateBody); ok {
			r.Apply(body.Connection)
		}
	})
}

// Apply overwrites the snapshot for conn.ID and resolves every waiter whose
// predicate the new snapshot satisfies.
func (r *Reconciler) Apply(conn channel.Connection) {
	r.mu.Lock()
	e := r.entry(conn.ID)
	c := conn
	e.latest = &c
	var matched []waiter
	for id, w := range e.waiters {
		if w.pred(conn) {
			delete(e.waiters, id)
			matched = append(matched, w)
		}
	}
	r.gaugeLocked()
	r.mu.Unlock()

	metrics.IncStateUpdate()
	r.log.Debug("connection state applied", "id", conn.ID, "kind", conn.Kind, "waiters_resolved", len(matched))
	for _, w := range matched {
		cc := conn // each waiter gets its own copy
		w.ch <- &cc
	}
}

// GetLatest returns a copy of the cached snapshot, or nil if the connection
// has never been observed (or was purged).
func (r *Reconciler) GetLatest(id string) *channel.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil || e.latest == nil {
		return nil
	}
	c := *e.latest
	return &c
}

// WaitForUpdate returns the cached snapshot immediately when it already
// satisfies pred. Otherwise it registers a one-shot waiter and races it
// against the timeout and ctx. The cache check and the registration happen
// under one lock, so an update arriving between them cannot be missed.
// Timeout resolves to (nil, nil); cancellation to ctx.Err(); every outcome
// deregisters the waiter.
func (r *Reconciler) WaitForUpdate(ctx context.Context, id string, pred func(channel.Connection) bool, timeout time.Duration) (*channel.Connection, error) {
	if pred == nil {
		pred = func(channel.Connection) bool { return true }
	}
	r.mu.Lock()
	e := r.entry(id)
	if e.latest != nil && pred(*e.latest) {
		c := *e.latest
		r.mu.Unlock()
		return &c, nil
	}
	wid := r.nextID
	r.nextID++
	w := waiter{pred: pred, ch: make(chan *channel.Connection, 1)}
	e.waiters[wid] = w
	r.gaugeLocked()
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-w.ch:
		return c, nil
	case <-timer.C:
		r.deregister(id, wid)
		return nil, nil
	case <-ctx.Done():
		r.deregister(id, wid)
		return nil, ctx.Err()
	}
}

// Purge drops the cached snapshot for id while leaving registered waiters
// intact, so a caller that just mutated a connection cannot short-circuit on
// stale data.
func (r *Reconciler) Purge(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[id]; e != nil {
		e.latest = nil
	}
}

// IsStable reports whether conn has settled, per kind. Cloud connections are
// stable in every named state except the initial untried; direct connections
// are stable iff neither leg is attempting (a missing leg reads as none,
// which is stable); local stability is not defined.
func IsStable(conn channel.Connection) (bool, error) {
	switch conn.Kind {
	case channel.KindCloud:
		return conn.State != channel.ConnUntried, nil
	case channel.KindDirect:
		return conn.BrokerState() != channel.ConnAttempting &&
			conn.RegistryState() != channel.ConnAttempting, nil
	case channel.KindLocal:
		return false, ErrLocalStability
	default:
		return false, fmt.Errorf("unknown connection kind %q", conn.Kind)
	}
}

// deregister removes a waiter that timed out or was cancelled. A concurrent
// Apply may already have resolved it; the waiter channel is buffered, so the
// orphaned send is harmless.
func (r *Reconciler) deregister(id string, wid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[id]; e != nil {
		delete(e.waiters, wid)
	}
	r.gaugeLocked()
}

// entry lazily creates the map slot; caller holds mu.
func (r *Reconciler) entry(id string) *entry {
	e := r.entries[id]
	if e == nil {
		e = &entry{waiters: make(map[int]waiter)}
		r.entries[id] = e
	}
	return e
}

// gaugeLocked publishes the total waiter count; caller holds mu.
func (r *Reconciler) gaugeLocked() {
	n := 0
	for _, e := range r.entries {
		n += len(e.waiters)
	}
	metrics.SetWaiters(n)
}

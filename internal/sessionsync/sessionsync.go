// Package sessionsync keeps one window's "authenticated session active"
// boolean consistent with every other window. The shared secret store carries
// the cross-process flag; the sidecar is the source of truth for whether a
// cloud connection actually exists. A flag without a connection is the crash
// shape (sidecar restarted, persisted secrets outlived in-memory state) and
// is healed by clearing the stale flag.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/secrets"
)

// Prober asks the sidecar whether an authenticated cloud connection exists.
type Prober func(ctx context.Context) (bool, error)

// Subscriber is the one channel capability Bind needs.
type Subscriber interface {
	Subscribe(t channel.Type, handler func(channel.Message)) channel.Disposable
}

// Syncer reconciles the local session boolean against the shared flag and
// the sidecar. Change subscribers fire only on real transitions.
type Syncer struct {
	store secrets.Store
	probe Prober
	log   *slog.Logger

	mu     sync.Mutex
	active bool
	nextID int
	subs   map[int]func(bool)
}

// New builds a syncer over the shared store.
func New(store secrets.Store, probe Prober, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		store: store,
		probe: probe,
		log:   log.With("component", "sessionsync"),
		subs:  make(map[int]func(bool)),
	}
}

// Run reconciles once, then follows store changes to the session flag until
// ctx ends. Reconcile failures are logged, never fatal to the loop.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		s.log.Warn("initial session reconcile failed", "error", err)
	}
	events, err := s.store.Watch(ctx, secrets.SessionKey)
	if err != nil {
		return fmt.Errorf("watch %s: %w", secrets.SessionKey, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("session reconcile failed", "error", err)
			}
		}
	}
}

// Reconcile re-derives the boolean: the store flag says some window claims a
// session, the probe says whether the sidecar actually holds a connection.
// The probe wins; a flag the sidecar cannot back is deleted so a fresh
// sign-in can proceed.
func (s *Syncer) Reconcile(ctx context.Context) (bool, error) {
	flagged := true
	if _, err := s.store.Get(ctx, secrets.SessionKey); err != nil {
		if !errors.Is(err, secrets.ErrNotFound) {
			return s.Active(), err
		}
		flagged = false
	}
	has, err := s.probe(ctx)
	if err != nil {
		return s.Active(), fmt.Errorf("probe connections: %w", err)
	}
	if flagged && !has {
		s.log.Info("clearing stale session flag")
		if err := s.store.Delete(ctx, secrets.SessionKey); err != nil {
			s.log.Warn("clear stale session flag", "error", err)
		}
	}
	s.setActive(has)
	return has, nil
}

// Active returns the cached boolean.
func (s *Syncer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive records a local sign-in or sign-out: the shared flag is written
// (timestamp value) or deleted, and the local cache transitions immediately
// so the calling window never waits for its own watch event.
func (s *Syncer) SetActive(ctx context.Context, active bool) error {
	if active {
		stamp := time.Now().UTC().Format(time.RFC3339)
		if err := s.store.Set(ctx, secrets.SessionKey, stamp); err != nil {
			return fmt.Errorf("set session flag: %w", err)
		}
	} else {
		if err := s.store.Delete(ctx, secrets.SessionKey); err != nil {
			return fmt.Errorf("clear session flag: %w", err)
		}
	}
	s.setActive(active)
	return nil
}

// OnChange registers fn for transitions of the derived boolean.
func (s *Syncer) OnChange(fn func(bool)) channel.Disposable {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return channel.DisposeFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	})
}

// Bind reconciles on cloud connection updates arriving over the channel, so
// a sign-in in another window propagates without waiting for a store event.
func (s *Syncer) Bind(ch Subscriber) channel.Disposable {
	return ch.Subscribe(channel.MsgConnectionState, func(m channel.Message) {
		body, ok := m.Body.(channel.ConnectionStateBody)
		if !ok || body.Connection.Kind != channel.KindCloud {
			return
		}
		if _, err := s.Reconcile(context.Background()); err != nil {
			s.log.Warn("session reconcile after connection update failed", "error", err)
		}
	})
}

func (s *Syncer) setActive(v bool) {
	s.mu.Lock()
	if s.active == v {
		s.mu.Unlock()
		return
	}
	s.active = v
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()

	s.log.Info("session state changed", "active", v)
	for _, fn := range fns {
		fn(v)
	}
}

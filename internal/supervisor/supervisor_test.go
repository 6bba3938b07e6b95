package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sidekeep/sidekeep/internal/channel"
	"github.com/sidekeep/sidekeep/internal/diag"
	"github.com/sidekeep/sidekeep/internal/fault"
	"github.com/sidekeep/sidekeep/internal/notify"
	"github.com/sidekeep/sidekeep/internal/procman"
	"github.com/sidekeep/sidekeep/internal/secrets"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) Watch(ctx context.Context, _ string) (<-chan secrets.Event, error) {
	ch := make(chan secrets.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) credential() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[secrets.CredentialKey]
	return v, ok
}

type fakeProc struct {
	mu         sync.Mutex
	spawns     int
	spawnErr   error
	nextPID    int
	running    map[int]bool
	terminated []int
	adoptH     procman.Handle
	adoptOK    bool
}

func newFakeProc() *fakeProc { return &fakeProc{nextPID: 5000, running: map[int]bool{}} }

func (f *fakeProc) Spawn(context.Context) (procman.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.spawnErr != nil {
		return procman.Handle{}, f.spawnErr
	}
	f.nextPID++
	f.running[f.nextPID] = true
	return procman.Handle{PID: f.nextPID, StartedAt: time.Now()}, nil
}

func (f *fakeProc) Adopt() (procman.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adoptH, f.adoptOK
}

func (f *fakeProc) IsRunning(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[pid]
}

func (f *fakeProc) Terminate(_ context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	delete(f.running, pid)
	return nil
}

func (f *fakeProc) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeProc) terminatedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

// fakeGateway scripts responses per call number (1-based). Unset functions
// answer with benign defaults.
type fakeGateway struct {
	mu             sync.Mutex
	handshakeCalls int
	healthCalls    int
	versionCalls   int
	discoverCalls  int

	handshakeFn func(call int) (string, error)
	healthFn    func(call int, token string) error
	versionFn   func(call int) (string, error)
	discoverFn  func(call int) (int, error)
	healthGate  chan struct{}
}

func (g *fakeGateway) Handshake(context.Context) (string, error) {
	g.mu.Lock()
	g.handshakeCalls++
	call, fn := g.handshakeCalls, g.handshakeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return fmt.Sprintf("token-%d", call), nil
}

func (g *fakeGateway) Healthcheck(_ context.Context, token string) error {
	g.mu.Lock()
	g.healthCalls++
	call, fn, gate := g.healthCalls, g.healthFn, g.healthGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(call, token)
	}
	return nil
}

func (g *fakeGateway) Version(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	g.versionCalls++
	call, fn := g.versionCalls, g.versionFn
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return "1.0.0", nil
}

func (g *fakeGateway) DiscoverPID(context.Context) (int, error) {
	g.mu.Lock()
	g.discoverCalls++
	call, fn := g.discoverCalls, g.discoverFn
	g.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return 0, fault.New(fault.ProtocolFault, "discover not scripted")
}

func (g *fakeGateway) health() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.healthCalls
}

func (g *fakeGateway) handshakes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handshakeCalls
}

type fakeChannel struct {
	mu        sync.Mutex
	connects  int
	connectFn func(call int) error
	connected bool
	lastToken string
	observer  func(channel.State)
}

func (f *fakeChannel) Connect(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectFn != nil {
		if err := f.connectFn(f.connects); err != nil {
			return err
		}
	}
	f.connected = true
	f.lastToken = token
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Notify(fn func(channel.State)) channel.Disposable {
	f.mu.Lock()
	f.observer = fn
	f.mu.Unlock()
	return channel.DisposeFunc(func() {})
}

// drop simulates the socket dying: connected flips false and the observer
// sees a Disconnected transition.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.connected = false
	fn := f.observer
	f.mu.Unlock()
	if fn != nil {
		fn(channel.Disconnected)
	}
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeChannel) token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastToken
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

type captureSink struct {
	mu   sync.Mutex
	recs []diag.Record
}

func (c *captureSink) Send(_ context.Context, r diag.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, r)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) fatals() []diag.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []diag.Record
	for _, r := range c.recs {
		if r.Kind == diag.KindFatal {
			out = append(out, r)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	sup      *Supervisor
	proc     *fakeProc
	gw       *fakeGateway
	ch       *fakeChannel
	store    *memStore
	sink     *captureSink
	notifier *captureNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.RetryPause == 0 {
		opts.RetryPause = time.Millisecond
	}
	if opts.KillPause == 0 {
		opts.KillPause = time.Millisecond
	}
	h := &harness{
		proc:     newFakeProc(),
		gw:       &fakeGateway{},
		ch:       &fakeChannel{},
		store:    newMemStore(),
		sink:     &captureSink{},
		notifier: &captureNotifier{},
	}
	h.sup = New(opts, h.proc, h.gw, h.ch, h.store, testLogger(), h.sink, h.notifier)
	t.Cleanup(func() { _ = h.sup.Close() })
	return h
}

func TestAcquireHappyPath(t *testing.T) {
	h := newHarness(t, Options{ExpectedVersion: "1.0.0"})

	handle, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if handle.Token == "" || handle.Version != "1.0.0" {
		t.Fatalf("handle = %q/%q", handle.Token, handle.Version)
	}
	if got, ok := h.store.credential(); !ok || got != handle.Token {
		t.Fatalf("stored credential %q, handle token %q", got, handle.Token)
	}
	if h.proc.spawnCount() != 0 {
		t.Fatalf("spawned %d times against a healthy sidecar", h.proc.spawnCount())
	}
	if !h.ch.Connected() {
		t.Fatalf("event channel not connected after acquire")
	}
	if h.ch.token() != handle.Token {
		t.Fatalf("channel connected with %q, handle holds %q", h.ch.token(), handle.Token)
	}
	if st := h.sup.State(); st != StateHandle {
		t.Fatalf("state = %q, want %q", st, StateHandle)
	}
}

func TestAcquireFastPath(t *testing.T) {
	h := newHarness(t, Options{})

	first, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before := h.gw.health()
	second, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if second != first {
		t.Fatalf("fast path produced a new handle")
	}
	if h.gw.health() != before {
		t.Fatalf("fast path touched the gateway")
	}
}

func TestAcquireAdoptsRunningSidecar(t *testing.T) {
	h := newHarness(t, Options{})
	h.proc.adoptH = procman.Handle{PID: 888, StartedAt: time.Now()}
	h.proc.adoptOK = true

	handle, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if handle.PID != 888 {
		t.Fatalf("handle pid = %d, want adopted 888", handle.PID)
	}
	if h.proc.spawnCount() != 0 {
		t.Fatalf("spawned despite a healthy adopted process")
	}
}

func TestAcquireExhaustsAttempts(t *testing.T) {
	h := newHarness(t, Options{HandshakeAttempts: 2, HealthcheckAttempts: 3})
	h.gw.healthFn = func(int, string) error {
		return fault.New(fault.NotRunning, "connection refused")
	}

	_, err := h.sup.Acquire(context.Background())
	if !fault.Is(err, fault.AttemptsExhausted) {
		t.Fatalf("err = %v, want attempts_exhausted", err)
	}
	// One spawn per refused healthcheck, no more.
	if got := h.proc.spawnCount(); got != 3 {
		t.Fatalf("spawned %d times, want 3", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notified %d times, want once", h.notifier.count())
	}
	fatals := h.sink.fatals()
	if len(fatals) != 1 || fatals[0].Reason != string(fault.AttemptsExhausted) {
		t.Fatalf("fatal records = %+v", fatals)
	}
	if st := h.sup.State(); st != StateNoHandle {
		t.Fatalf("state = %q after give-up, want %q", st, StateNoHandle)
	}
	if h.sup.Handle() != nil {
		t.Fatalf("handle survived give-up")
	}
}

func TestHandshakeSpawnsOnlyWhenDead(t *testing.T) {
	h := newHarness(t, Options{HandshakeAttempts: 3, HealthcheckAttempts: 1})
	h.gw.handshakeFn = func(int) (string, error) {
		return "", fault.New(fault.NotRunning, "connection refused")
	}

	_, err := h.sup.Acquire(context.Background())
	if !fault.Is(err, fault.AttemptsExhausted) {
		t.Fatalf("err = %v, want attempts_exhausted", err)
	}
	// The spawned process stays alive in the fake, so later handshake
	// attempts must wait for it instead of spawning a rival.
	if got := h.proc.spawnCount(); got != 1 {
		t.Fatalf("spawned %d times, want 1", got)
	}
	if h.gw.health() != 0 {
		t.Fatalf("healthcheck ran despite handshake never succeeding")
	}
}

func TestAcquireCredentialMismatchRestarts(t *testing.T) {
	h := newHarness(t, Options{})
	_ = h.store.Set(context.Background(), secrets.CredentialKey, "stale-token")
	h.gw.healthFn = func(call int, token string) error {
		if token == "stale-token" {
			return fault.WithPID(fault.CredentialMismatch, 4242, errors.New("401"))
		}
		return nil
	}

	handle, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := h.proc.terminatedPIDs(); len(got) != 1 || got[0] != 4242 {
		t.Fatalf("terminated %v, want [4242]", got)
	}
	if h.proc.spawnCount() != 1 {
		t.Fatalf("spawned %d times, want 1", h.proc.spawnCount())
	}
	if handle.Token == "stale-token" {
		t.Fatalf("handle still carries the rejected token")
	}
	if got, _ := h.store.credential(); got != handle.Token {
		t.Fatalf("stored credential %q differs from handle token %q", got, handle.Token)
	}
}

func TestAcquireVersionMismatchRestarts(t *testing.T) {
	h := newHarness(t, Options{ExpectedVersion: "2.0.0"})
	_ = h.store.Set(context.Background(), secrets.CredentialKey, "tok")
	h.gw.versionFn = func(call int) (string, error) {
		if call == 1 {
			return "1.9.9", nil
		}
		return "2.0.0", nil
	}
	h.gw.discoverFn = func(int) (int, error) { return 777, nil }

	handle, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := h.proc.terminatedPIDs(); len(got) != 1 || got[0] != 777 {
		t.Fatalf("terminated %v, want [777]", got)
	}
	if handle.Version != "2.0.0" {
		t.Fatalf("handle version = %q", handle.Version)
	}
	if h.proc.spawnCount() != 1 {
		t.Fatalf("spawned %d times, want 1", h.proc.spawnCount())
	}
}

func TestSpawnFaultIsFatal(t *testing.T) {
	h := newHarness(t, Options{HealthcheckAttempts: 5})
	h.gw.healthFn = func(int, string) error {
		return fault.New(fault.NotRunning, "connection refused")
	}
	h.proc.spawnErr = fault.New(fault.SpawnFault, "executable missing")

	_, err := h.sup.Acquire(context.Background())
	if !fault.Is(err, fault.SpawnFault) {
		t.Fatalf("err = %v, want spawn_fault", err)
	}
	if h.gw.health() != 1 {
		t.Fatalf("healthcheck ran %d times after a spawn fault", h.gw.health())
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notified %d times, want once", h.notifier.count())
	}
}

func TestChannelAuthRejectionRestarts(t *testing.T) {
	h := newHarness(t, Options{})
	h.ch.connectFn = func(call int) error {
		if call == 1 {
			return fault.New(fault.CredentialMismatch, "authorization rejected")
		}
		return nil
	}
	h.gw.discoverFn = func(int) (int, error) { return 999, nil }

	handle, err := h.sup.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := h.proc.terminatedPIDs(); len(got) != 1 || got[0] != 999 {
		t.Fatalf("terminated %v, want [999]", got)
	}
	if h.ch.connectCount() != 2 || handle == nil {
		t.Fatalf("connects = %d, handle = %v", h.ch.connectCount(), handle)
	}
}

func TestAcquireFatalStopsRetrying(t *testing.T) {
	h := newHarness(t, Options{HealthcheckAttempts: 5})
	h.gw.healthFn = func(int, string) error {
		return fault.New(fault.ProtocolFault, "unexpected status 500")
	}

	_, err := h.sup.Acquire(context.Background())
	if !fault.Is(err, fault.ProtocolFault) {
		t.Fatalf("err = %v, want protocol_fault", err)
	}
	if h.gw.health() != 1 {
		t.Fatalf("healthcheck ran %d times after a fatal fault", h.gw.health())
	}
	fatals := h.sink.fatals()
	if len(fatals) != 1 || fatals[0].Reason != string(fault.ProtocolFault) {
		t.Fatalf("fatal records = %+v", fatals)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("notified %d times, want once", h.notifier.count())
	}
}

func TestConcurrentAcquiresJoin(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.gw.healthGate = gate

	const callers = 4
	handles := make(chan *Handle, callers)
	for i := 0; i < callers; i++ {
		go func() {
			handle, err := h.sup.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
			}
			handles <- handle
		}()
	}
	// Give every caller time to pile onto the single flight.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	first := <-handles
	for i := 1; i < callers; i++ {
		if got := <-handles; got != first {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if h.gw.health() != 1 {
		t.Fatalf("healthcheck ran %d times for one joined flight", h.gw.health())
	}
	if h.gw.handshakes() != 1 {
		t.Fatalf("handshake ran %d times for one joined flight", h.gw.handshakes())
	}
}

func TestCallerCancelDetaches(t *testing.T) {
	h := newHarness(t, Options{})
	gate := make(chan struct{})
	h.gw.healthGate = gate

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.sup.Acquire(ctx)
		errc <- err
	}()
	waitFor(t, func() bool { return h.gw.health() == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v", err)
	}
	// The flight keeps going and still produces a handle.
	close(gate)
	waitFor(t, func() bool { return h.sup.Handle() != nil })
}

func TestSelfHealOnDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.sup.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	h.ch.drop()
	waitFor(t, func() bool { return h.ch.connectCount() == 2 })
	waitFor(t, func() bool { return h.sup.Handle() != nil })
	if st := h.sup.State(); st != StateHandle {
		t.Fatalf("state = %q after self-heal, want %q", st, StateHandle)
	}
}

func TestCredentialExposesHandleToken(t *testing.T) {
	h := newHarness(t, Options{})
	tok, err := h.sup.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	handle := h.sup.Handle()
	if handle == nil || tok != handle.Token {
		t.Fatalf("Credential = %q, handle %+v", tok, handle)
	}
}

func TestCloseStopsAcquire(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.sup.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.sup.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := h.sup.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire after Close = %v, want ErrClosed", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

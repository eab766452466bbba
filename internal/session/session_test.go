package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/bridge/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClient struct {
	mu          sync.Mutex
	initialized bool
	closed      bool
	flushes     int
	sent        []string
	sendErr     error
	resume      []byte
}

func (c *fakeClient) Initialize() {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
}

func (c *fakeClient) SendMessage(ctx context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, to+"|"+body)
	return nil
}

func (c *fakeClient) LookupContact(ctx context.Context, id string) (*transport.Contact, error) {
	if id == "missing" {
		return nil, transport.ErrRecipientNotFound
	}
	return &transport.Contact{ID: id, Name: "someone"}, nil
}

func (c *fakeClient) FlushState(ctx context.Context) error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeFactory records every constructed client and keeps the handlers so
// tests can emit transport events.
type fakeFactory struct {
	mu       sync.Mutex
	created  int
	clients  map[string]*fakeClient
	handlers map[string]transport.Handlers
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		clients:  make(map[string]*fakeClient),
		handlers: make(map[string]transport.Handlers),
	}
}

func (f *fakeFactory) new(cfg transport.Config, records transport.RecordStore, handlers transport.Handlers) transport.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	c := &fakeClient{resume: cfg.Resume}
	f.clients[cfg.ClientID] = c
	f.handlers[cfg.ClientID] = handlers
	return c
}

func (f *fakeFactory) client(userID string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[userID]
}

func (f *fakeFactory) emit(userID string) transport.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[userID]
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// memStore is an in-memory RecordStore.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	codes   map[string]string
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string][]byte),
		codes:   make(map[string]string),
	}
}

func (m *memStore) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	rec, ok := m.records[userID]
	return rec, ok, nil
}

func (m *memStore) Save(ctx context.Context, userID string, record []byte) error {
	m.mu.Lock()
	m.records[userID] = record
	m.mu.Unlock()
	return nil
}

func (m *memStore) SavePairingCode(ctx context.Context, userID, rendered string) error {
	m.mu.Lock()
	m.codes[userID] = rendered
	m.mu.Unlock()
	return nil
}

func (m *memStore) ClearPairingCode(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.codes, userID)
	m.mu.Unlock()
	return nil
}

func (m *memStore) code(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[userID]
}

// fakeNotifier collects published lifecycle events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (n *fakeNotifier) PublishLifecycle(userID string, ev LifecycleEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *fakeNotifier) lastOfKind(kind string) (LifecycleEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Kind == kind {
			return n.events[i], true
		}
	}
	return LifecycleEvent{}, false
}

// fakeRenderer prefixes the payload so tests can verify the renderer ran.
type fakeRenderer struct{}

func (fakeRenderer) Render(payload string) (string, error) {
	return "rendered:" + payload, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestRegistry(t *testing.T) (*Registry, *fakeFactory, *memStore, *fakeNotifier) {
	t.Helper()
	factory := newFakeFactory()
	store := newMemStore()
	notifier := &fakeNotifier{}
	reg := NewRegistry(RegistryConfig{
		NewClient: factory.new,
		Store:     store,
		Notifier:  notifier,
		Renderer:  fakeRenderer{},
	})
	return reg, factory, store, notifier
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase %s not reached, stuck at %s", want, s.Status())
}

func waitCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", what)
}

// ---------------------------------------------------------------------------
// State machine tests
// ---------------------------------------------------------------------------

func TestSession_PairingFlowToReady(t *testing.T) {
	reg, factory, store, notifier := newTestRegistry(t)
	ctx := context.Background()

	sess, created, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected first call to create the session")
	}
	if sess.Status() != PhaseStarting {
		t.Fatalf("expected starting phase, got %s", sess.Status())
	}
	if c := factory.client("user-a"); c == nil || !c.initialized {
		t.Fatal("expected transport client to be initialized")
	}

	factory.emit("user-a").PairingCode("raw-payload")
	waitPhase(t, sess, PhaseAwaitingPairing)

	ev, ok := notifier.lastOfKind(KindPairingCode)
	if !ok {
		t.Fatal("expected pairing_code notification")
	}
	if ev.Payload != "rendered:raw-payload" {
		t.Fatalf("expected rendered payload, got %q", ev.Payload)
	}
	if store.code("user-a") != "rendered:raw-payload" {
		t.Fatalf("expected cached pairing code, got %q", store.code("user-a"))
	}

	factory.emit("user-a").Authenticated()
	waitPhase(t, sess, PhaseAuthenticated)
	waitCondition(t, "snapshot flushed after auth", func() bool {
		c := factory.client("user-a")
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.flushes >= 1
	})

	factory.emit("user-a").Ready()
	waitPhase(t, sess, PhaseReady)
	if _, ok := notifier.lastOfKind(KindReady); !ok {
		t.Fatal("expected ready notification")
	}
}

func TestSession_SendGatedOnEveryPhase(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emit := factory.emit("user-a")

	// Starting.
	if err := sess.Send(ctx, "123@proto", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("starting: expected ErrNotReady, got %v", err)
	}

	// AwaitingPairing.
	emit.PairingCode("payload")
	waitPhase(t, sess, PhaseAwaitingPairing)
	if err := sess.Send(ctx, "123@proto", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("awaiting_pairing: expected ErrNotReady, got %v", err)
	}

	// Authenticated.
	emit.Authenticated()
	waitPhase(t, sess, PhaseAuthenticated)
	if err := sess.Send(ctx, "123@proto", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("authenticated: expected ErrNotReady, got %v", err)
	}

	// Ready: the only phase that accepts sends.
	emit.Ready()
	waitPhase(t, sess, PhaseReady)
	if err := sess.Send(ctx, "123@proto", "hi"); err != nil {
		t.Fatalf("ready: unexpected error: %v", err)
	}
	if factory.client("user-a").sentCount() != 1 {
		t.Fatal("expected exactly one delivered message")
	}

	// Disconnected.
	emit.Disconnected("gone")
	waitPhase(t, sess, PhaseDisconnected)
	if err := sess.Send(ctx, "123@proto", "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("disconnected: expected ErrNotReady, got %v", err)
	}
}

func TestSession_AuthFailureBeforeReady(t *testing.T) {
	reg, factory, _, notifier := newTestRegistry(t)
	ctx := context.Background()

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emit := factory.emit("user-a")

	emit.PairingCode("payload")
	waitPhase(t, sess, PhaseAwaitingPairing)
	emit.AuthFailure("pairing rejected")
	waitPhase(t, sess, PhaseAuthFailed)

	// AuthFailed is distinguishable from the retryable phases so callers
	// know to re-initialize instead of waiting.
	if err := sess.Send(ctx, "123@proto", "hi"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed in auth_failed, got %v", err)
	}
	if _, err := sess.LookupContact(ctx, "42@proto"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed from lookup, got %v", err)
	}
	if ev, ok := notifier.lastOfKind(KindAuthFailed); !ok || ev.Reason != "pairing rejected" {
		t.Fatalf("expected auth_failed notification with reason, got %+v ok=%v", ev, ok)
	}

	// AuthFailed does not self-heal: the session stays registered.
	if _, ok := reg.Get("user-a"); !ok {
		t.Fatal("auth_failed session should remain registered until removed")
	}
}

func TestSession_ResumeSkipsPairing(t *testing.T) {
	reg, factory, store, _ := newTestRegistry(t)
	ctx := context.Background()

	store.Save(ctx, "user-a", []byte("snapshot"))

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(factory.client("user-a").resume) != "snapshot" {
		t.Fatal("expected client to receive the resumption record")
	}

	// A resumed transport authenticates straight from Starting.
	factory.emit("user-a").Authenticated()
	waitPhase(t, sess, PhaseAuthenticated)
	factory.emit("user-a").Ready()
	waitPhase(t, sess, PhaseReady)
}

func TestSession_DisconnectEvictsAndRecreates(t *testing.T) {
	reg, factory, _, notifier := newTestRegistry(t)
	ctx := context.Background()

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emit := factory.emit("user-a")
	emit.PairingCode("payload")
	emit.Authenticated()
	emit.Ready()
	waitPhase(t, sess, PhaseReady)

	if err := sess.Send(ctx, "123@proto", "hi"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	emit.Disconnected("remote logout")
	waitPhase(t, sess, PhaseDisconnected)

	if _, ok := notifier.lastOfKind(KindDisconnected); !ok {
		t.Fatal("expected disconnected notification")
	}
	waitCondition(t, "session evicted", func() bool {
		_, ok := reg.Get("user-a")
		return !ok && reg.Count() == 0
	})
	waitCondition(t, "transport client closed", func() bool {
		return factory.client("user-a").isClosed()
	})

	// A fresh initialization constructs a brand new transport client.
	fresh, created, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh session after disconnect")
	}
	if fresh == sess {
		t.Fatal("expected a different session instance")
	}
	if factory.createdCount() != 2 {
		t.Fatalf("expected 2 clients constructed, got %d", factory.createdCount())
	}
}

func TestSession_StaleEventsIgnored(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	emit := factory.emit("user-a")
	emit.PairingCode("payload")
	emit.Authenticated()
	emit.Ready()
	waitPhase(t, sess, PhaseReady)

	// A late pairing code or ready must not regress the phase.
	emit.PairingCode("stale")
	emit.Ready()
	time.Sleep(20 * time.Millisecond)
	if sess.Status() != PhaseReady {
		t.Fatalf("expected phase to stay ready, got %s", sess.Status())
	}
}

func TestSession_LookupContactGatedOnReady(t *testing.T) {
	reg, factory, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, _, err := reg.GetOrCreate(ctx, "user-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := sess.LookupContact(ctx, "42@proto"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	emit := factory.emit("user-a")
	emit.PairingCode("payload")
	emit.Authenticated()
	emit.Ready()
	waitPhase(t, sess, PhaseReady)

	contact, err := sess.LookupContact(ctx, "42@proto")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contact.ID != "42@proto" {
		t.Fatalf("unexpected contact: %+v", contact)
	}

	if _, err := sess.LookupContact(ctx, "missing"); !errors.Is(err, transport.ErrRecipientNotFound) {
		t.Fatalf("expected ErrRecipientNotFound, got %v", err)
	}
}

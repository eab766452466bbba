// Package session implements the multi-tenant session lifecycle manager: a
// per-user state machine wrapping one transport client, and a registry that
// guarantees at most one live session per user identity. All transport
// lifecycle events for a session funnel through a single event loop so phase
// transitions stay race-free without any global lock.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/whisper/bridge/internal/metrics"
	"github.com/whisper/bridge/internal/transport"
)

// Phase is a session's position in its lifecycle state machine.
type Phase int

const (
	// PhaseStarting: transport client allocated, connection in progress.
	PhaseStarting Phase = iota
	// PhaseAwaitingPairing: pairing code issued, waiting for the user to
	// acknowledge it out-of-band. A session may sit here indefinitely.
	PhaseAwaitingPairing
	// PhaseAuthenticated: credential accepted, transport not yet operational.
	PhaseAuthenticated
	// PhaseReady: transport operational; outbound sends are accepted.
	PhaseReady
	// PhaseAuthFailed: pairing rejected. The session stays registered but
	// unusable until explicitly removed and recreated.
	PhaseAuthFailed
	// PhaseDisconnected: terminal; the session is scheduled for removal.
	PhaseDisconnected
)

// String returns the wire/status label for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseAwaitingPairing:
		return "awaiting_pairing"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseReady:
		return "ready"
	case PhaseAuthFailed:
		return "auth_failed"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Lifecycle event kinds published to the notification channel.
const (
	KindPairingCode  = "pairing_code"
	KindReady        = "ready"
	KindAuthFailed   = "auth_failed"
	KindDisconnected = "disconnected"
)

// LifecycleEvent is the payload pushed to subscribers when a session changes
// phase. Payload carries the rendered pairing code for KindPairingCode;
// Reason carries the failure or disconnect cause.
type LifecycleEvent struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Ts      int64  `json:"ts"`
}

// Notifier is the push mechanism lifecycle events are published to.
// Publishing is fire-and-forget: no subscriber may be present and delivery
// failures must not stall the event loop.
type Notifier interface {
	PublishLifecycle(userID string, ev LifecycleEvent)
}

// Renderer turns a raw pairing payload into a displayable artifact, e.g. a
// QR data URL. Stateless.
type Renderer interface {
	Render(payload string) (string, error)
}

// pairingCache retains the most recent rendered pairing code per user so
// late subscribers can poll for it. *Store implements it; a nil cache is
// skipped.
type pairingCache interface {
	SavePairingCode(ctx context.Context, userID, rendered string) error
	ClearPairingCode(ctx context.Context, userID string) error
}

// ---------------------------------------------------------------------------
// Internal events
// ---------------------------------------------------------------------------

type eventKind int

const (
	evPairingCode eventKind = iota
	evAuthenticated
	evReady
	evAuthFailure
	evDisconnected
)

type event struct {
	kind    eventKind
	payload string // pairing payload or failure/disconnect reason
}

// Session binds one user identity to one transport client and tracks its
// lifecycle phase. All mutation happens on the session's own event loop
// goroutine; Send and Status only read the phase.
type Session struct {
	UserID    string
	CreatedAt time.Time

	client   transport.Client
	notifier Notifier
	renderer Renderer
	cache    pairingCache

	// onDisconnect schedules the session's removal from the registry once
	// the transport reports a disconnect. Runs on its own goroutine.
	onDisconnect func(userID string)

	mu    sync.RWMutex
	phase Phase

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

func newSession(userID string, notifier Notifier, renderer Renderer, cache pairingCache) *Session {
	return &Session{
		UserID:    userID,
		CreatedAt: time.Now(),
		notifier:  notifier,
		renderer:  renderer,
		cache:     cache,
		phase:     PhaseStarting,
		events:    make(chan event, 16),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// transportHandlers adapts transport callbacks into queued events. The
// transport invokes these from its own goroutine; queueing keeps its event
// ordering while moving all state mutation onto the session loop.
func (s *Session) transportHandlers() transport.Handlers {
	return transport.Handlers{
		PairingCode:   func(payload string) { s.enqueue(event{evPairingCode, payload}) },
		Authenticated: func() { s.enqueue(event{evAuthenticated, ""}) },
		Ready:         func() { s.enqueue(event{evReady, ""}) },
		AuthFailure:   func(reason string) { s.enqueue(event{evAuthFailure, reason}) },
		Disconnected:  func(reason string) { s.enqueue(event{evDisconnected, reason}) },
	}
}

func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// run is the session's event loop. Exactly one transition applies at a time;
// events that arrive out of phase are dropped as stale.
func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case ev := <-s.events:
			s.apply(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Session) apply(ev event) {
	switch ev.kind {
	case evPairingCode:
		s.onPairingCode(ev.payload)
	case evAuthenticated:
		s.onAuthenticated()
	case evReady:
		s.onReady()
	case evAuthFailure:
		s.onAuthFailure(ev.payload)
	case evDisconnected:
		s.onDisconnected(ev.payload)
	}
}

// onPairingCode handles a freshly issued pairing payload. The protocol
// rotates codes while unscanned, so a repeat in AwaitingPairing re-renders
// and republishes without a phase change.
func (s *Session) onPairingCode(payload string) {
	phase := s.Status()
	if phase != PhaseStarting && phase != PhaseAwaitingPairing {
		return // stale
	}

	rendered, err := s.renderer.Render(payload)
	if err != nil {
		log.Printf("[session] render pairing code user=%s: %v", s.UserID, err)
		return
	}

	s.setPhase(PhaseAwaitingPairing)
	metrics.SessionEvents.WithLabelValues(KindPairingCode).Inc()

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.cache.SavePairingCode(ctx, s.UserID, rendered); err != nil {
			log.Printf("[session] cache pairing code user=%s: %v", s.UserID, err)
		}
		cancel()
	}

	s.publish(LifecycleEvent{Kind: KindPairingCode, Payload: rendered, Ts: time.Now().Unix()})
	log.Printf("[session] pairing code issued user=%s", s.UserID)
}

// onAuthenticated handles credential acceptance. AwaitingPairing is the
// normal path; Starting happens when a resumption snapshot lets the
// transport skip pairing entirely.
func (s *Session) onAuthenticated() {
	phase := s.Status()
	if phase != PhaseAwaitingPairing && phase != PhaseStarting {
		return // stale
	}

	s.setPhase(PhaseAuthenticated)

	// Persist a snapshot right away so a crash between pairing and the next
	// periodic save does not force the user to re-pair.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.FlushState(ctx); err != nil {
		log.Printf("[session] snapshot after auth user=%s: %v", s.UserID, err)
	}
	if s.cache != nil {
		if err := s.cache.ClearPairingCode(ctx, s.UserID); err != nil {
			log.Printf("[session] clear pairing code user=%s: %v", s.UserID, err)
		}
	}

	log.Printf("[session] authenticated user=%s", s.UserID)
}

func (s *Session) onReady() {
	if s.Status() != PhaseAuthenticated {
		return // stale
	}

	s.setPhase(PhaseReady)
	metrics.SessionEvents.WithLabelValues(KindReady).Inc()
	s.publish(LifecycleEvent{Kind: KindReady, Ts: time.Now().Unix()})
	log.Printf("[session] ready user=%s", s.UserID)
}

func (s *Session) onAuthFailure(reason string) {
	phase := s.Status()
	if phase == PhaseDisconnected || phase == PhaseAuthFailed {
		return
	}

	s.setPhase(PhaseAuthFailed)
	metrics.SessionEvents.WithLabelValues(KindAuthFailed).Inc()
	s.publish(LifecycleEvent{Kind: KindAuthFailed, Reason: reason, Ts: time.Now().Unix()})
	log.Printf("[session] auth failure user=%s reason=%q", s.UserID, reason)
}

func (s *Session) onDisconnected(reason string) {
	if s.Status() == PhaseDisconnected {
		return
	}

	s.setPhase(PhaseDisconnected)
	metrics.SessionEvents.WithLabelValues(KindDisconnected).Inc()
	s.publish(LifecycleEvent{Kind: KindDisconnected, Reason: reason, Ts: time.Now().Unix()})
	log.Printf("[session] disconnected user=%s reason=%q", s.UserID, reason)

	// Removal tears the transport down and must not run on the event loop.
	if s.onDisconnect != nil {
		go s.onDisconnect(s.UserID)
	}
}

func (s *Session) publish(ev LifecycleEvent) {
	if s.notifier != nil {
		s.notifier.PublishLifecycle(s.UserID, ev)
	}
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Status returns the current lifecycle phase.
func (s *Session) Status() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Send delivers one outbound message. It fails fast in any phase but Ready:
// ErrAuthFailed when pairing was rejected (the caller must re-initialize),
// ErrNotReady otherwise (the caller retries later). Messages are never queued
// into a half-open connection. Transport failures are returned verbatim with
// no retry, since re-sending may duplicate a delivered message.
func (s *Session) Send(ctx context.Context, to, body string) error {
	switch s.Status() {
	case PhaseReady:
	case PhaseAuthFailed:
		metrics.Messages.WithLabelValues("auth_failed").Inc()
		return ErrAuthFailed
	default:
		metrics.Messages.WithLabelValues("not_ready").Inc()
		return ErrNotReady
	}

	start := time.Now()
	err := s.client.SendMessage(ctx, to, body)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Messages.WithLabelValues("failed").Inc()
		return err
	}
	metrics.Messages.WithLabelValues("sent").Inc()
	return nil
}

// LookupContact resolves a recipient through the transport. Gated on Ready
// like Send.
func (s *Session) LookupContact(ctx context.Context, id string) (*transport.Contact, error) {
	switch s.Status() {
	case PhaseReady:
	case PhaseAuthFailed:
		return nil, ErrAuthFailed
	default:
		return nil, ErrNotReady
	}
	return s.client.LookupContact(ctx, id)
}

// Close stops the event loop and releases the transport client, giving it a
// chance to flush its latest snapshot. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.loopDone
		err = s.client.Close(ctx)
	})
	return err
}

package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/bridge/internal/metrics"
	"github.com/whisper/bridge/internal/transport"
)

// RegistryConfig wires the registry's collaborators. Transport is the
// per-client template; ClientID and Resume are filled per session.
type RegistryConfig struct {
	Transport transport.Config
	NewClient transport.Factory
	Store     RecordStore
	Notifier  Notifier
	Renderer  Renderer

	// RemoveTimeout bounds the transport teardown triggered by a
	// disconnect event.
	RemoveTimeout time.Duration
}

// entry tracks one user's slot in the registry. done is closed once creation
// settles (sess or err populated); gone is closed once the entry has been
// unlinked from the map, so racing creators know when the slot is free.
type entry struct {
	sess *Session
	err  error
	done chan struct{}

	closing  bool
	gone     chan struct{}
	goneOnce sync.Once
}

func (e *entry) markGone() {
	e.goneOnce.Do(func() { close(e.gone) })
}

// Registry maps user identities to live sessions. It guarantees at most one
// session (and so at most one transport client) per identity: concurrent
// first calls for the same user join the in-flight creation instead of
// racing a second client into existence.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = 10 * time.Second
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*entry),
	}
}

// GetOrCreate returns the live session for userID, creating one if none
// exists. The second return value reports whether this call created it.
// Creation loads the resumption record, allocates the transport client, and
// kicks off its asynchronous initialization; it does not wait for pairing or
// readiness. A record-store failure aborts creation and leaves the user
// unregistered.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, bool, error) {
	for {
		r.mu.Lock()
		e, ok := r.sessions[userID]
		if ok {
			if e.closing {
				// Eviction in flight; wait for the slot to free up and
				// try again.
				r.mu.Unlock()
				select {
				case <-e.gone:
					continue
				case <-ctx.Done():
					return nil, false, ctx.Err()
				}
			}
			r.mu.Unlock()

			select {
			case <-e.done:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if e.err != nil {
				return nil, false, e.err
			}
			if e.sess.Status() == PhaseDisconnected {
				// Removal is already scheduled by the disconnect event;
				// wait it out and construct a fresh session.
				select {
				case <-e.gone:
					continue
				case <-ctx.Done():
					return nil, false, ctx.Err()
				}
			}
			return e.sess, false, nil
		}

		// Claim the slot before doing any work so concurrent callers join
		// this creation instead of starting their own.
		e = &entry{done: make(chan struct{}), gone: make(chan struct{})}
		r.sessions[userID] = e
		r.mu.Unlock()

		sess, err := r.create(ctx, userID)
		if err != nil {
			r.mu.Lock()
			delete(r.sessions, userID)
			r.mu.Unlock()
			e.err = err
			close(e.done)
			e.markGone()
			return nil, false, err
		}

		e.sess = sess
		close(e.done)
		metrics.SessionsActive.Inc()
		log.Printf("[registry] session created user=%s", userID)
		return sess, true, nil
	}
}

// create builds the session and its transport client. The resumption record
// is read exactly once here; ongoing saves flow through the store as the
// transport's persistence hook.
func (r *Registry) create(ctx context.Context, userID string) (*Session, error) {
	record, found, err := r.cfg.Store.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", userID, err)
	}

	cfg := r.cfg.Transport
	cfg.ClientID = userID
	if found {
		cfg.Resume = record
	}

	s := newSession(userID, r.cfg.Notifier, r.cfg.Renderer, r.cfg.Store)
	s.onDisconnect = func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RemoveTimeout)
		defer cancel()
		r.Remove(ctx, id)
	}
	s.client = r.cfg.NewClient(cfg, r.cfg.Store, s.transportHandlers())

	go s.run()
	s.client.Initialize()
	return s, nil
}

// Get returns the live session for userID. Pure lookup: sessions still being
// created, being evicted, or already disconnected are reported as absent.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok || e.closing {
		return nil, false
	}

	select {
	case <-e.done:
	default:
		return nil, false
	}
	if e.err != nil || e.sess == nil {
		return nil, false
	}
	if e.sess.Status() == PhaseDisconnected {
		return nil, false
	}
	return e.sess, true
}

// Peek returns the session for userID even when it has already reached
// Disconnected or AuthFailed, as long as it has not been evicted yet. The
// dispatch facade uses it so status reads can still observe terminal phases
// between the lifecycle event and the scheduled removal.
func (r *Registry) Peek(userID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-e.done:
	default:
		return nil, false
	}
	if e.err != nil || e.sess == nil {
		return nil, false
	}
	return e.sess, true
}

// Remove tears down the session for userID and evicts it. No-op when absent.
// The entry is unlinked only after the transport client has released its
// resources, so a racing GetOrCreate cannot start a second client while the
// first still holds the connection.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.removeMatching(ctx, userID, nil)
}

// RemoveMatching tears down the session for userID only if it is still the
// given instance. Callers that decided to evict based on an observed session
// use it so a replacement created in the meantime survives the stale removal.
func (r *Registry) RemoveMatching(ctx context.Context, userID string, sess *Session) {
	if sess == nil {
		return
	}
	r.removeMatching(ctx, userID, sess)
}

func (r *Registry) removeMatching(ctx context.Context, userID string, expected *Session) {
	r.mu.Lock()
	e, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if expected != nil {
		// An unsettled entry is a different, in-flight creation; a settled
		// one with another instance is a replacement. Neither is the session
		// the caller observed.
		select {
		case <-e.done:
		default:
			r.mu.Unlock()
			return
		}
		if e.sess != expected {
			r.mu.Unlock()
			return
		}
	}
	if e.closing {
		r.mu.Unlock()
		<-e.gone
		return
	}
	e.closing = true
	r.mu.Unlock()

	// Wait for creation to settle before tearing down.
	<-e.done

	if e.sess != nil {
		if err := e.sess.Close(ctx); err != nil {
			log.Printf("[registry] close session user=%s: %v", userID, err)
		}
		metrics.SessionsActive.Dec()
	}

	r.mu.Lock()
	if r.sessions[userID] == e {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	e.markGone()
	log.Printf("[registry] session removed user=%s", userID)
}

// Count returns the number of registered sessions, including ones still
// starting up.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Drain closes every live session concurrently, giving each transport client
// a chance to flush its latest record before the process exits. Best-effort:
// the context bounds the whole drain and individual failures are collected,
// not fatal.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	users := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		users = append(users, id)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range users {
		g.Go(func() error {
			r.Remove(ctx, id)
			return nil
		})
	}

	err := g.Wait()
	log.Printf("[registry] drained %d session(s)", len(users))
	return err
}

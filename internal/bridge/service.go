// Package bridge is the thin dispatch facade the HTTP layer calls. It
// delegates to the session registry and translates lifecycle state into the
// caller-facing taxonomy; no session logic lives here.
package bridge

import (
	"context"
	"fmt"

	"github.com/whisper/bridge/internal/session"
	"github.com/whisper/bridge/internal/transport"
)

// InitializeResult reports the outcome of an initialization request.
// AlreadyInitialized is not an error: the call is an idempotent no-op when a
// live session already exists.
type InitializeResult struct {
	Phase              string
	AlreadyInitialized bool
}

// PairingSource reads the most recent cached pairing code for a user.
// *session.Store implements it.
type PairingSource interface {
	LatestPairingCode(ctx context.Context, userID string) (string, error)
}

// Service is the operation surface over the session registry.
type Service struct {
	registry *session.Registry
	store    PairingSource
}

// NewService creates the facade.
func NewService(registry *session.Registry, store PairingSource) *Service {
	return &Service{registry: registry, store: store}
}

// InitializeSession creates the user's session if none exists and returns
// immediately with the current phase; it never waits for pairing or
// readiness. A session stuck in AuthFailed does not self-heal, so a new
// initialization replaces it with a fresh one.
func (s *Service) InitializeSession(ctx context.Context, userID string) (InitializeResult, error) {
	if sess, ok := s.registry.Peek(userID); ok && sess.Status() == session.PhaseAuthFailed {
		// Remove exactly the instance observed; a concurrent initialize may
		// already have replaced it with a healthy session.
		s.registry.RemoveMatching(ctx, userID, sess)
	}

	sess, created, err := s.registry.GetOrCreate(ctx, userID)
	if err != nil {
		return InitializeResult{}, err
	}
	return InitializeResult{
		Phase:              sess.Status().String(),
		AlreadyInitialized: !created,
	}, nil
}

// SendMessage delivers one outbound message through the user's session.
// Returns session.ErrNotFound when no session exists, session.ErrAuthFailed
// when pairing was rejected, session.ErrNotReady in any other non-Ready
// phase, and transport errors verbatim otherwise.
func (s *Service) SendMessage(ctx context.Context, userID, to, body string) error {
	sess, ok := s.registry.Peek(userID)
	if !ok {
		return session.ErrNotFound
	}
	return sess.Send(ctx, to, body)
}

// GetStatus returns the session's lifecycle phase label.
func (s *Service) GetStatus(userID string) (string, error) {
	sess, ok := s.registry.Peek(userID)
	if !ok {
		return "", session.ErrNotFound
	}
	return sess.Status().String(), nil
}

// LookupContact resolves a recipient on the protocol through the user's
// session.
func (s *Service) LookupContact(ctx context.Context, userID, contactID string) (*transport.Contact, error) {
	sess, ok := s.registry.Peek(userID)
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess.LookupContact(ctx, contactID)
}

// PairingCode returns the most recent rendered pairing code for the user, or
// "" when none is cached. Lets callers that missed the push notification
// poll for the current code.
func (s *Service) PairingCode(ctx context.Context, userID string) (string, error) {
	code, err := s.store.LatestPairingCode(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("bridge: pairing code: %w", err)
	}
	return code, nil
}

// RemoveSession tears down and evicts the user's session. No-op when absent.
func (s *Service) RemoveSession(ctx context.Context, userID string) {
	s.registry.Remove(ctx, userID)
}

// Shutdown drains every live session, giving each transport client a chance
// to persist its latest record.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.Drain(ctx)
}

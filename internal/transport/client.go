// Package transport wraps the external chat-protocol connection. Each user
// gets exactly one Client instance which speaks the protocol asynchronously,
// reports lifecycle events through registered handlers, and persists its
// resumption snapshot through a pluggable RecordStore hook.
package transport

import (
	"context"
	"errors"
	"time"
)

// Typed transport errors. Callers match with errors.Is.
var (
	// ErrNotConnected is returned by SendMessage and LookupContact when the
	// underlying connection is not established.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrRecipientNotFound indicates the protocol could not resolve the
	// recipient. Distinct from a generic send failure so callers can report
	// an unreachable recipient instead of a transport outage.
	ErrRecipientNotFound = errors.New("transport: recipient not found")
)

// Contact is the result of a protocol-side contact lookup.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Handlers receives lifecycle events from a Client. All callbacks are invoked
// from the client's internal goroutine; implementations must not block for
// long. Nil callbacks are skipped.
type Handlers struct {
	PairingCode   func(payload string)
	Authenticated func()
	Ready         func()
	AuthFailure   func(reason string)
	Disconnected  func(reason string)
}

// RecordStore is the persistence hook a Client uses to durably save its
// resumption snapshot. Save must have atomic-replace semantics; the latest
// write wins. Implementations must be safe for concurrent use across
// different user identities.
type RecordStore interface {
	Save(ctx context.Context, userID string, record []byte) error
}

// Client is one user's connection to the chat protocol. Initialize is
// fire-and-forget: it begins the asynchronous connect and returns
// immediately; progress is reported through Handlers.
type Client interface {
	// Initialize begins the asynchronous connection. Calling it more than
	// once is a no-op.
	Initialize()

	// SendMessage delivers a message to the given protocol address. Only
	// valid once the client has reported Ready; otherwise ErrNotConnected.
	SendMessage(ctx context.Context, to, body string) error

	// LookupContact resolves a contact by protocol ID. Returns
	// ErrRecipientNotFound if the protocol reports no such contact.
	LookupContact(ctx context.Context, id string) (*Contact, error)

	// FlushState forces an immediate snapshot save through the RecordStore
	// hook, bypassing the minimum save interval.
	FlushState(ctx context.Context) error

	// Close flushes the latest snapshot best-effort and releases the
	// connection. Safe to call more than once.
	Close(ctx context.Context) error
}

// Config holds per-client settings.
type Config struct {
	GatewayURL   string        // ws://host:port/gateway
	ClientID     string        // user identity, sent to the gateway on connect
	Resume       []byte        // resumption snapshot loaded at session creation, nil for a fresh pairing
	SaveInterval time.Duration // lower bound between snapshot saves
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	AckTimeout   time.Duration // max wait for a send/lookup ack
}

// DefaultConfig returns per-client defaults. The 60s save interval matches
// the minimum the gateway tolerates without write amplification.
func DefaultConfig() Config {
	return Config{
		SaveInterval: 60 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		AckTimeout:   30 * time.Second,
	}
}

// Factory constructs a Client for one user. The session registry calls it
// exactly once per live session.
type Factory func(cfg Config, records RecordStore, handlers Handlers) Client

// Package notify publishes session lifecycle events over NATS so downstream
// push mechanisms (WebSocket fan-out, mobile push workers) can deliver them
// to end users. Publishing is fire-and-forget: no subscriber may be present
// and failures never propagate back into the session event loop.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/bridge/internal/metrics"
	"github.com/whisper/bridge/internal/session"
)

// SubjectLifecycle is the subject prefix for session lifecycle events. The
// full subject is bridge.session.<kind>.<user_id>, so consumers can
// subscribe per user, per kind, or with wildcards across the whole fleet.
const SubjectLifecycle = "bridge.session"

// LifecycleSubject returns the NATS subject for one event kind and user.
func LifecycleSubject(kind, userID string) string {
	return SubjectLifecycle + "." + kind + "." + userID
}

// NATSNotifier wraps the NATS connection and implements session.Notifier.
type NATSNotifier struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "bridge",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSNotifier connects to NATS with the given config. It returns an
// error if the initial connection fails.
func NewNATSNotifier(config NATSConfig) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSNotifier{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishLifecycle implements session.Notifier. Failures are logged and
// counted, never returned: the most recent event per kind is also readable
// from the session store, so a dropped publish costs a push, not the state.
func (n *NATSNotifier) PublishLifecycle(userID string, ev session.LifecycleEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[nats] marshal lifecycle event user=%s: %v", userID, err)
		metrics.NotifyErrors.Inc()
		return
	}

	subject := LifecycleSubject(ev.Kind, userID)
	if err := n.conn.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
		metrics.NotifyErrors.Inc()
	}
}

// SubscribeLifecycle registers a handler for one user's lifecycle events of
// the given kind ("*" for all kinds). Used by the push layer downstream.
func (n *NATSNotifier) SubscribeLifecycle(kind, userID string, handler func(ev session.LifecycleEvent)) error {
	subject := LifecycleSubject(kind, userID)
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev session.LifecycleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] unmarshal lifecycle event %s: %v", subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	n.mu.Lock()
	n.subs[subject] = sub
	n.mu.Unlock()
	return nil
}

// UnsubscribeLifecycle removes a previously registered subscription.
func (n *NATSNotifier) UnsubscribeLifecycle(kind, userID string) error {
	subject := LifecycleSubject(kind, userID)

	n.mu.Lock()
	sub, ok := n.subs[subject]
	if ok {
		delete(n.subs, subject)
	}
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (n *NATSNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for subject, sub := range n.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	n.subs = make(map[string]*nats.Subscription)

	if err := n.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] notifier closed")
}

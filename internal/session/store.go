package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/bridge/internal/transport"
)

// RecordStore is the persistence surface the registry and its sessions need:
// the transport's save hook plus the one-time load at session creation and
// the latest-pairing-code cache. *Store is the Redis implementation; tests
// substitute an in-memory one.
type RecordStore interface {
	transport.RecordStore

	// Load reads the resumption record for a user; false when absent.
	Load(ctx context.Context, userID string) ([]byte, bool, error)

	SavePairingCode(ctx context.Context, userID, rendered string) error
	ClearPairingCode(ctx context.Context, userID string) error
}

const (
	// RecordPrefix is the Redis key prefix for resumption snapshots.
	RecordPrefix = "record:"

	// PairingPrefix is the Redis key prefix for the most recent rendered
	// pairing code per user.
	PairingPrefix = "pairing:"

	// PairingTTL bounds how long a cached pairing code stays fetchable.
	// Codes rotate protocol-side well before this expires.
	PairingTTL = 5 * time.Minute
)

// Store persists session resumption records in Redis, one per user identity.
// Redis SET replaces the whole value atomically, which gives the
// last-write-wins, no-partial-write semantics the transport's persistence
// hook requires. It also caches the latest rendered pairing code per user so
// callers that missed the push notification can poll for it.
type Store struct {
	client *redis.Client
}

// NewStore creates a record store connected to Redis.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used where several
// stores share one connection pool.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Load reads the resumption record for a user. The second return value is
// false when no record exists (fresh pairing required).
func (s *Store) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	key := RecordPrefix + userID
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: load record %s: %w", userID, err)
	}
	return data, true, nil
}

// Save writes the resumption record for a user, replacing any previous one.
// Records carry no TTL; a paired session must survive arbitrary downtime.
// Save implements transport.RecordStore.
func (s *Store) Save(ctx context.Context, userID string, record []byte) error {
	key := RecordPrefix + userID
	if err := s.client.Set(ctx, key, record, 0).Err(); err != nil {
		return fmt.Errorf("session: save record %s: %w", userID, err)
	}
	return nil
}

// Delete removes a user's resumption record, forcing a fresh pairing on the
// next session.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := RecordPrefix + userID
	return s.client.Del(ctx, key).Err()
}

// SavePairingCode caches the latest rendered pairing code for a user.
func (s *Store) SavePairingCode(ctx context.Context, userID, rendered string) error {
	key := PairingPrefix + userID
	return s.client.Set(ctx, key, rendered, PairingTTL).Err()
}

// LatestPairingCode returns the most recent cached pairing code, or "" when
// none is available.
func (s *Store) LatestPairingCode(ctx context.Context, userID string) (string, error) {
	key := PairingPrefix + userID
	code, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: pairing code %s: %w", userID, err)
	}
	return code, nil
}

// ClearPairingCode drops the cached pairing code, typically once the session
// authenticates and the code is no longer valid.
func (s *Store) ClearPairingCode(ctx context.Context, userID string) error {
	key := PairingPrefix + userID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

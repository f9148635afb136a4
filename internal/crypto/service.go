package crypto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const defaultKeyTTL = 10 * time.Minute

type cachedKey struct {
	key       string
	expiresAt time.Time
}

// Service encrypts and decrypts user data with per-user keys. Keys come from
// the KeySource and are cached per user so a burst of operations costs one
// network round-trip, not one per call.
type Service struct {
	source KeySource
	clock  Clock
	ttl    time.Duration

	mu   sync.Mutex
	keys map[string]cachedKey
}

// NewService creates a Service with a 10-minute key cache TTL.
func NewService(source KeySource) *Service {
	return NewServiceWithClock(source, realClock{}, defaultKeyTTL)
}

// NewServiceWithClock creates a Service with a custom clock and TTL (for testing).
func NewServiceWithClock(source KeySource, clock Clock, ttl time.Duration) *Service {
	return &Service{
		source: source,
		clock:  clock,
		ttl:    ttl,
		keys:   make(map[string]cachedKey),
	}
}

// Encrypt seals plaintext with userID's key, returning base64(nonce||ciphertext).
func (s *Service) Encrypt(ctx context.Context, userID, authToken string, plaintext []byte) (string, error) {
	key, err := s.userKey(ctx, userID, authToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncrypt, err)
	}
	return seal(key, plaintext)
}

// Decrypt reverses Encrypt. A wrong key or tampered ciphertext returns
// ErrDecrypt, which is permanent: callers must not retry it.
func (s *Service) Decrypt(ctx context.Context, userID, authToken, encoded string) ([]byte, error) {
	key, err := s.userKey(ctx, userID, authToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return open(key, encoded)
}

func (s *Service) userKey(ctx context.Context, userID, authToken string) (string, error) {
	s.mu.Lock()
	if c, ok := s.keys[userID]; ok && s.clock.Now().Before(c.expiresAt) {
		s.mu.Unlock()
		return c.key, nil
	}
	s.mu.Unlock()

	key, err := s.source.FetchKey(ctx, authToken)
	if err != nil {
		return "", fmt.Errorf("fetching key for user %s: %w", userID, err)
	}

	s.mu.Lock()
	s.keys[userID] = cachedKey{key: key, expiresAt: s.clock.Now().Add(s.ttl)}
	s.mu.Unlock()
	return key, nil
}

// ClearUserKeyCache drops one user's cached key. Called on logout and on key
// rotation so the next operation re-fetches.
func (s *Service) ClearUserKeyCache(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, userID)
}

// ClearAllKeyCache drops every cached key.
func (s *Service) ClearAllKeyCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]cachedKey)
}

// DeleteUserKey removes the user's key from the identity service and drops it
// from the cache. Everything sealed with the key becomes unrecoverable, which
// is the point: this is the account-deletion path.
func (s *Service) DeleteUserKey(ctx context.Context, userID, authToken string) error {
	if err := s.source.DeleteKey(ctx, authToken); err != nil {
		return fmt.Errorf("deleting key for user %s: %w", userID, err)
	}
	s.ClearUserKeyCache(userID)
	slog.Info("deleted user encryption key", "user_id", userID)
	return nil
}

// Package token issues and consumes the single-use tokens that gate
// downstream WebSocket upgrades. A token is 256 bits of randomness,
// lives for one minute, and is destroyed on first consume.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	// TTL is how long an issued token stays valid.
	TTL = 60 * time.Second

	tokenBytes = 32
)

var (
	ErrInvalidToken = errors.New("token invalid or already used")
	ErrExpiredToken = errors.New("token expired")
)

// Store issues single-use connection tokens and resolves them back to
// the owning service account exactly once.
type Store interface {
	Issue(ctx context.Context, serviceID uuid.UUID) (token string, ttl time.Duration, err error)
	Consume(ctx context.Context, token string) (uuid.UUID, error)
}

// Generate returns a fresh 256-bit base64url token.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryStore is the single-process default. Expired entries are swept
// opportunistically on every call, so the map never outgrows the churn
// of one TTL window.
type MemoryStore struct {
	clock clockwork.Clock

	mu     sync.Mutex
	tokens map[string]memoryEntry
}

type memoryEntry struct {
	serviceID uuid.UUID
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:  clock,
		tokens: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) Issue(_ context.Context, serviceID uuid.UUID) (string, time.Duration, error) {
	tok, err := Generate()
	if err != nil {
		return "", 0, err
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)
	s.tokens[tok] = memoryEntry{serviceID: serviceID, expiresAt: now.Add(TTL)}
	return tok, TTL, nil
}

func (s *MemoryStore) Consume(_ context.Context, tok string) (uuid.UUID, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	entry, ok := s.tokens[tok]
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}
	delete(s.tokens, tok)

	if !entry.expiresAt.After(now) {
		return uuid.Nil, ErrExpiredToken
	}
	return entry.serviceID, nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for tok, entry := range s.tokens {
		if !entry.expiresAt.After(now) {
			delete(s.tokens, tok)
		}
	}
}

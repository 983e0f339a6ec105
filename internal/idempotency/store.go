// Package idempotency makes write-side requests safely replayable. A
// caller-supplied UUID key maps to the first response produced for it;
// replays with the same body get that response back, replays with a
// different body are conflicts.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("idempotency record not found")
	ErrInvalidKey = errors.New("idempotency key must be a valid UUID")
)

// Record is one stored outcome.
type Record struct {
	Key      string          `json:"key"`
	BodyHash string          `json:"body_hash"`
	Status   int             `json:"status"`
	Response json.RawMessage `json:"response"`
	StoredAt time.Time       `json:"stored_at"`
}

// Store persists idempotency records with a TTL of at least 24 hours.
// PutIfAbsent must be atomic per key: when two requests race on the first
// write, exactly one wins and the loser sees the winner's record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	PutIfAbsent(ctx context.Context, rec *Record) (stored bool, existing *Record, err error)
}

// ValidateKey rejects syntactically invalid idempotency keys.
func ValidateKey(key string) error {
	if _, err := uuid.Parse(key); err != nil {
		return ErrInvalidKey
	}
	return nil
}

// HashBody computes the stable body hash recorded with each key.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is the in-process fallback used when REDIS_ADDR is unset.
// Records survive only as long as the process; the TTL is still enforced.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates a store enforcing the given TTL (min 24h).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:     ttl,
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || s.now().Sub(rec.StoredAt) >= s.ttl {
		delete(s.records, key)
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec *Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok && s.now().Sub(existing.StoredAt) < s.ttl {
		cp := *existing
		return false, &cp, nil
	}

	cp := *rec
	if cp.StoredAt.IsZero() {
		cp.StoredAt = s.now()
	}
	s.records[rec.Key] = &cp
	return true, nil, nil
}

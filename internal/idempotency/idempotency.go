package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"ordersync/backend/internal/cache"
	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

const maxKeyLength = 256

const defaultCacheTTL = 24 * time.Hour

type Outcome int

const (
	// Fresh means the caller owns the key and must Commit or Release it.
	Fresh Outcome = iota
	Replay
	InProgress
	Mismatch
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Replay:
		return "replay"
	case InProgress:
		return "in_progress"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

type Decision struct {
	Outcome  Outcome
	Response *domain.CachedResponse
}

type Store struct {
	records           store.Idempotency
	replay            cache.ReplayCache
	processingTimeout time.Duration
	retention         time.Duration
	now               func() time.Time
}

func NewStore(records store.Idempotency, replay cache.ReplayCache, processingTimeout time.Duration, retention time.Duration) *Store {
	if replay == nil {
		replay = cache.NoopReplayCache{}
	}
	if processingTimeout <= 0 {
		processingTimeout = 5 * time.Minute
	}
	return &Store{
		records:           records,
		replay:            replay,
		processingTimeout: processingTimeout,
		retention:         retention,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// ValidateKey accepts 1..256 characters of letters, digits and "-_:.".
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return domain.Errorf(domain.KindMalformedPayload, "idempotency key must be 1 to %d characters", maxKeyLength)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == ':' || r == '.':
		default:
			return domain.Errorf(domain.KindMalformedPayload, "idempotency key contains invalid character %q", r)
		}
	}
	return nil
}

// Fingerprint identifies a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin decides what to do with a keyed request. The replay cache is consulted
// first; cache failures only cost the database round trip.
func (s *Store) Begin(ctx context.Context, key string, fingerprint string) (Decision, error) {
	cached, ok, err := s.replay.Get(ctx, key)
	if err != nil {
		log.Printf("[idempotency] WARN: replay cache get %s: %v", key, err)
	}
	if err == nil && ok {
		if cached.Fingerprint != fingerprint {
			return Decision{Outcome: Mismatch}, nil
		}
		return Decision{Outcome: Replay, Response: cached}, nil
	}

	now := s.now()
	record, owned, err := s.records.ClaimIdempotency(ctx, key, fingerprint, now, now.Add(-s.processingTimeout))
	if err != nil {
		return Decision{}, err
	}
	if owned {
		if record.Attempts > 1 {
			log.Printf("[idempotency] WARN: key %s reclaimed after a stale attempt (attempt %d)", key, record.Attempts)
		}
		return Decision{Outcome: Fresh}, nil
	}

	switch record.State {
	case domain.IdempotencyCommitted:
		if record.Fingerprint != fingerprint {
			return Decision{Outcome: Mismatch}, nil
		}
		response := &domain.CachedResponse{Status: record.ResponseStatus, Body: record.ResponseBody, Fingerprint: record.Fingerprint}
		s.warm(ctx, key, response)
		return Decision{Outcome: Replay, Response: response}, nil
	default:
		return Decision{Outcome: InProgress}, nil
	}
}

// Commit stores the final response for key and mirrors it into the cache.
func (s *Store) Commit(ctx context.Context, key string, fingerprint string, status int, body []byte) error {
	if err := s.records.CommitIdempotency(ctx, key, status, body, s.now()); err != nil {
		return err
	}
	s.warm(ctx, key, &domain.CachedResponse{Status: status, Body: body, Fingerprint: fingerprint})
	return nil
}

// Release drops a processing claim so the key can be retried immediately.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.records.ReleaseIdempotency(ctx, key)
}

func (s *Store) Lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return s.records.GetIdempotency(ctx, key)
}

// Sweep expires abandoned processing records and, when retention is enabled,
// purges old committed and expired ones.
func (s *Store) Sweep(ctx context.Context) (expired int64, purged int64, err error) {
	now := s.now()
	expired, err = s.records.ExpireIdempotency(ctx, now.Add(-s.processingTimeout), now)
	if err != nil {
		return 0, 0, err
	}
	if s.retention > 0 {
		purged, err = s.records.PurgeIdempotency(ctx, now.Add(-s.retention))
		if err != nil {
			return expired, 0, err
		}
	}
	return expired, purged, nil
}

func (s *Store) warm(ctx context.Context, key string, response *domain.CachedResponse) {
	ttl := s.retention
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if err := s.replay.Set(ctx, key, response, ttl); err != nil {
		log.Printf("[idempotency] WARN: replay cache set %s: %v", key, err)
	}
}

// IsUnknown reports whether err means the key has never been seen.
func IsUnknown(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// Package viewcount is the cache-aside view counter used on every question
// view. Redis holds the hot value; the durable counter is only read to seed a
// missing key.
//
// Increment does not lock: two callers that both see the key missing both
// seed it, and one of their increments can be lost. View counts are best
// effort, and the reconciler folds whatever the cache holds back into the
// durable store.
package viewcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/cache/keys"
	"github.com/mohammed-shakir/qna-reconciler/internal/model"
	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
)

// ErrNotFound is returned for questions without a durable counter.
var ErrNotFound = model.ErrNotFound

// ErrKeyVanished reports a counter key that disappeared between seeding and
// incrementing. The view is not recorded.
var ErrKeyVanished = errors.New("view counter key vanished after seed")

const DefaultTTL = 24 * time.Hour

type Cache interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	SetWithTTL(ctx context.Context, key string, val int64, ttl time.Duration) error
	IncrIfExists(ctx context.Context, key string) (int64, bool, error)
}

type Durable interface {
	GetViewCount(ctx context.Context, questionID int64) (int64, error)
}

type Service struct {
	cache   Cache
	durable Durable
	ttl     time.Duration
	log     *slog.Logger
}

func New(cache Cache, durable Durable, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cache: cache, durable: durable, ttl: ttl, log: log}
}

// GetCount returns the cached count, seeding it from the durable counter on a
// miss. When the cache is unavailable the durable value is returned unseeded.
func (s *Service) GetCount(ctx context.Context, questionID int64) (int64, error) {
	key := keys.ViewKey(questionID)
	v, ok, err := s.cache.Get(ctx, key)
	switch {
	case err == nil && ok:
		observability.IncCounterRead("hit")
		return v, nil
	case err == nil:
		observability.IncCounterRead("miss")
		return s.seed(ctx, questionID, key)
	}

	if errors.Is(err, context.Canceled) {
		return 0, err
	}
	s.log.WarnContext(ctx, "view cache read failed, using durable count",
		"question_id", questionID, "err", err)
	observability.IncCounterRead("fallback")
	n, derr := s.durable.GetViewCount(ctx, questionID)
	if derr != nil {
		return 0, fmt.Errorf("view count %d: %w", questionID, derr)
	}
	return n, nil
}

// Increment records one view and returns the new cached count. The increment
// only applies to an existing key; a missing key is seeded from the durable
// baseline and the increment tried once more.
func (s *Service) Increment(ctx context.Context, questionID int64) (int64, error) {
	key := keys.ViewKey(questionID)
	n, ok, err := s.cache.IncrIfExists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("view count %d: %w", questionID, err)
	}
	if ok {
		return n, nil
	}

	if _, err := s.seed(ctx, questionID, key); err != nil {
		return 0, err
	}
	n, ok, err = s.cache.IncrIfExists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("view count %d: %w", questionID, err)
	}
	if !ok {
		// reconciled and deleted again right after the seed
		return 0, fmt.Errorf("view count %d: %w", questionID, ErrKeyVanished)
	}
	return n, nil
}

func (s *Service) seed(ctx context.Context, questionID int64, key string) (int64, error) {
	base, err := s.durable.GetViewCount(ctx, questionID)
	if err != nil {
		return 0, fmt.Errorf("view count %d: %w", questionID, err)
	}
	if err := s.cache.SetWithTTL(ctx, key, base, s.ttl); err != nil {
		return 0, fmt.Errorf("seed view count %d: %w", questionID, err)
	}
	observability.IncCounterRead("seed")
	return base, nil
}

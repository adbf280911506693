package batch

import (
	"context"
	"slices"
	"time"
)

// FaultPolicy bounds how much failure one run tolerates.
//
// RetryLimit counts retries after the first attempt. SkipLimit is the number
// of items a run may skip; one more aborts the run.
type FaultPolicy struct {
	ChunkSize      int
	RetryLimit     int
	SkipLimit      int
	RetryBackoff   time.Duration
	RetryableKinds []Kind
	SkippableKinds []Kind
}

func DefaultPolicy() FaultPolicy {
	return FaultPolicy{
		ChunkSize:      50,
		RetryLimit:     3,
		SkipLimit:      10,
		RetryBackoff:   100 * time.Millisecond,
		RetryableKinds: []Kind{KindTransient},
		SkippableKinds: []Kind{KindData, KindTransient},
	}
}

func (p FaultPolicy) normalized() FaultPolicy {
	d := DefaultPolicy()
	if p.ChunkSize <= 0 {
		p.ChunkSize = d.ChunkSize
	}
	if p.RetryLimit < 0 {
		p.RetryLimit = 0
	}
	if p.SkipLimit < 0 {
		p.SkipLimit = 0
	}
	if p.RetryBackoff < 0 {
		p.RetryBackoff = 0
	}
	if p.RetryableKinds == nil {
		p.RetryableKinds = d.RetryableKinds
	}
	if p.SkippableKinds == nil {
		p.SkippableKinds = d.SkippableKinds
	}
	return p
}

func (p FaultPolicy) Retryable(err error) bool {
	k := KindOf(err)
	return k != KindFatal && slices.Contains(p.RetryableKinds, k)
}

func (p FaultPolicy) Skippable(err error) bool {
	k := KindOf(err)
	return k != KindFatal && slices.Contains(p.SkippableKinds, k)
}

// backoff grows linearly with the attempt number.
func (p FaultPolicy) backoff(attempt int) time.Duration {
	return p.RetryBackoff * time.Duration(attempt+1)
}

// retry runs fn until it succeeds, returns a non-retryable error or runs out
// of attempts. It reports the number of failed attempts.
func retry[T any](ctx context.Context, p FaultPolicy, fn func() (T, error)) (T, int, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, attempt, nil
		}
		if attempt >= p.RetryLimit || !p.Retryable(err) {
			return v, attempt + 1, err
		}
		if werr := sleepCtx(ctx, p.backoff(attempt)); werr != nil {
			return zero, attempt + 1, werr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

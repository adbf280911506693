package batch

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for the fault policy.
type Kind int

const (
	// KindFatal is any error that carries no classification.
	KindFatal Kind = iota
	// KindTransient marks a temporarily unreachable store or cache.
	KindTransient
	// KindData marks a bad item, for example a malformed value or a missing row.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	default:
		return "fatal"
	}
}

// ErrSkipLimitExceeded aborts a run whose skipped items exceed the policy.
var ErrSkipLimitExceeded = errors.New("batch: skip limit exceeded")

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindTransient, err: err}
}

// DataErr marks err as a per-item data problem. A nil err stays nil.
func DataErr(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindData, err: err}
}

// Dataf is DataErr(fmt.Errorf(format, args...)).
func Dataf(format string, args ...any) error {
	return DataErr(fmt.Errorf(format, args...))
}

// KindOf reports the outermost classification found in err's chain.
// Context cancellation is always fatal so a stopping process is never retried.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFatal
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsData(err error) bool { return KindOf(err) == KindData }

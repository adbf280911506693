// Package batch runs chunk-oriented jobs: items are read one at a time,
// optionally processed, and written in fixed-size chunks with one transaction
// per chunk under a bounded retry and skip policy.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
)

// Reader yields items until it returns io.EOF.
type Reader[I any] interface {
	Read(ctx context.Context) (I, error)
}

// Opener is implemented by readers that acquire a resource per run. A reader
// that also implements io.Closer is closed on every exit path once opened.
type Opener interface {
	Open(ctx context.Context) error
}

// Processor transforms an item. Returning keep=false filters it out.
type Processor[I, O any] interface {
	Process(ctx context.Context, item I) (out O, keep bool, err error)
}

type ProcessorFunc[I, O any] func(ctx context.Context, item I) (O, bool, error)

func (f ProcessorFunc[I, O]) Process(ctx context.Context, item I) (O, bool, error) {
	return f(ctx, item)
}

// Writer persists one chunk. It runs inside the chunk transaction, so it must
// use the context it is given.
type Writer[O any] interface {
	Write(ctx context.Context, chunk []O) error
}

type WriterFunc[O any] func(ctx context.Context, chunk []O) error

func (f WriterFunc[O]) Write(ctx context.Context, chunk []O) error { return f(ctx, chunk) }

// AfterCommitter is implemented by writers with side effects that must only
// happen once the chunk transaction committed. Errors are the writer's to log.
type AfterCommitter[O any] interface {
	AfterCommit(ctx context.Context, chunk []O)
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// NoTx runs fn directly. It suits writers whose target has no transactions.
type NoTx struct{}

func (NoTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Step wires a reader, an optional processor and a writer. A nil Processor
// passes items through and requires I and O to be the same type.
type Step[I, O any] struct {
	Name      string
	Reader    Reader[I]
	Processor Processor[I, O]
	Writer    Writer[O]
	Tx        TxRunner
	Policy    FaultPolicy
	Logger    *slog.Logger
}

// Execute runs the step to completion and updates run's counters. A non-nil
// error means the run failed; chunks committed before the failure stay
// committed.
func (s *Step[I, O]) Execute(ctx context.Context, run *JobRun) (err error) {
	if s.Reader == nil || s.Writer == nil {
		return errors.New("batch: step needs a reader and a writer")
	}
	p := s.Policy.normalized()
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	tx := s.Tx
	if tx == nil {
		tx = NoTx{}
	}
	e := &execution[I, O]{step: s, run: run, policy: p, log: log, tx: tx}

	if op, ok := s.Reader.(Opener); ok {
		if _, _, err := retry(ctx, p, func() (struct{}, error) { return struct{}{}, op.Open(ctx) }); err != nil {
			return fmt.Errorf("open reader: %w", err)
		}
	}
	if c, ok := s.Reader.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				log.WarnContext(ctx, "reader close failed", "err", cerr)
			}
		}()
	}

	defer func() {
		observability.AddItems(s.Name, "read", run.ReadCount)
		observability.AddItems(s.Name, "written", run.WriteCount)
		observability.AddItems(s.Name, "filtered", run.FilterCount)
		observability.AddItems(s.Name, "skipped", run.SkipCount)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, eof, err := e.readChunk(ctx)
		if err != nil {
			return err
		}
		if len(chunk) > 0 {
			if err := e.writeChunk(ctx, chunk); err != nil {
				return err
			}
		}
		if eof {
			return nil
		}
	}
}

type execution[I, O any] struct {
	step   *Step[I, O]
	run    *JobRun
	policy FaultPolicy
	log    *slog.Logger
	tx     TxRunner
}

func (e *execution[I, O]) readChunk(ctx context.Context) ([]O, bool, error) {
	chunk := make([]O, 0, e.policy.ChunkSize)
	for len(chunk) < e.policy.ChunkSize {
		item, _, err := retry(ctx, e.policy, func() (I, error) { return e.step.Reader.Read(ctx) })
		if errors.Is(err, io.EOF) {
			return chunk, true, nil
		}
		if err != nil {
			if !e.policy.Skippable(err) {
				return nil, false, fmt.Errorf("read: %w", err)
			}
			if serr := e.skip(ctx, "read", "", err); serr != nil {
				return nil, false, serr
			}
			continue
		}
		e.run.ReadCount++

		out, keep, err := e.process(ctx, item)
		if err != nil {
			if !e.policy.Skippable(err) {
				return nil, false, fmt.Errorf("process %v: %w", item, err)
			}
			if serr := e.skip(ctx, "process", fmt.Sprint(item), err); serr != nil {
				return nil, false, serr
			}
			continue
		}
		if !keep {
			e.run.FilterCount++
			continue
		}
		chunk = append(chunk, out)
	}
	return chunk, false, nil
}

func (e *execution[I, O]) process(ctx context.Context, item I) (O, bool, error) {
	if e.step.Processor == nil {
		out, ok := any(item).(O)
		if !ok {
			var zero O
			return zero, false, fmt.Errorf("batch: no processor to convert %T to %T", item, zero)
		}
		return out, true, nil
	}
	type result struct {
		out  O
		keep bool
	}
	r, _, err := retry(ctx, e.policy, func() (result, error) {
		out, keep, err := e.step.Processor.Process(ctx, item)
		return result{out, keep}, err
	})
	return r.out, r.keep, err
}

// writeChunk commits the chunk, retrying the whole chunk on retryable errors.
// When that fails with a skippable error the chunk is scanned item by item so
// only the bad items are skipped.
func (e *execution[I, O]) writeChunk(ctx context.Context, chunk []O) error {
	err := e.commit(ctx, chunk)
	if err == nil {
		return nil
	}
	if !e.policy.Skippable(err) {
		return fmt.Errorf("write chunk of %d: %w", len(chunk), err)
	}
	e.log.WarnContext(ctx, "chunk write failed, scanning items",
		"size", len(chunk), "err", err)
	return e.scan(ctx, chunk)
}

func (e *execution[I, O]) scan(ctx context.Context, chunk []O) error {
	for i := range chunk {
		item := chunk[i : i+1]
		err := e.commit(ctx, item)
		if err == nil {
			continue
		}
		if !e.policy.Skippable(err) {
			return fmt.Errorf("write %v: %w", item[0], err)
		}
		if serr := e.skip(ctx, "write", fmt.Sprint(item[0]), err); serr != nil {
			return serr
		}
	}
	return nil
}

// commit writes items in one transaction with retries and runs the
// after-commit hook on success.
func (e *execution[I, O]) commit(ctx context.Context, items []O) error {
	start := time.Now()
	_, attempts, err := retry(ctx, e.policy, func() (struct{}, error) {
		err := e.tx.InTx(ctx, func(txCtx context.Context) error {
			return e.step.Writer.Write(txCtx, items)
		})
		if err != nil {
			e.run.RollbackCount++
			if e.policy.Retryable(err) {
				e.log.DebugContext(ctx, "chunk rolled back", "size", len(items), "err", err)
			}
		}
		return struct{}{}, err
	})
	observability.ObserveChunk(e.step.Name, err, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if attempts > 0 {
		e.log.InfoContext(ctx, "chunk committed after retry", "size", len(items), "retries", attempts)
	}
	e.run.CommitCount++
	e.run.WriteCount += len(items)
	if ac, ok := e.step.Writer.(AfterCommitter[O]); ok {
		ac.AfterCommit(ctx, items)
	}
	return nil
}

func (e *execution[I, O]) skip(ctx context.Context, phase, item string, cause error) error {
	e.run.SkipCount++
	e.run.Skips = append(e.run.Skips, SkipRecord{
		Phase: phase,
		Item:  item,
		Err:   cause.Error(),
		At:    time.Now().UTC(),
	})
	if e.run.SkipCount > e.policy.SkipLimit {
		return fmt.Errorf("%w: %d > %d (last: %v)", ErrSkipLimitExceeded, e.run.SkipCount, e.policy.SkipLimit, cause)
	}
	e.log.WarnContext(ctx, "item skipped",
		"phase", phase,
		"item", item,
		"kind", KindOf(cause).String(),
		"skip_count", e.run.SkipCount,
		"skip_limit", e.policy.SkipLimit,
		"err", cause,
	)
	return nil
}

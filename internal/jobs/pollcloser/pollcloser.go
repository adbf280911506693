// Package pollcloser closes open polls whose deadline has passed.
package pollcloser

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/model"
)

const Name = "close-expired-polls"

// Store is the slice of the durable store the closer needs.
type Store interface {
	FindExpiredOpenPolls(ctx context.Context, now time.Time, afterID int64, limit int) ([]model.Poll, error)
	SavePolls(ctx context.Context, polls []model.Poll) error
	ExistsExpiredOpenPolls(ctx context.Context, now time.Time) (bool, error)
}

func DefaultPolicy() batch.FaultPolicy {
	p := batch.DefaultPolicy()
	p.ChunkSize = 50
	p.RetryLimit = 3
	p.SkipLimit = 10
	return p
}

type Job struct {
	store  Store
	tx     batch.TxRunner
	policy batch.FaultPolicy
	log    *slog.Logger
	now    func() time.Time
}

type Option func(*Job)

func WithPolicy(p batch.FaultPolicy) Option { return func(j *Job) { j.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(j *Job) { j.log = l } }

func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

func New(store Store, tx batch.TxRunner, opts ...Option) *Job {
	j := &Job{store: store, tx: tx, policy: DefaultPolicy(), log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Job) Name() string { return Name }

// Precondition reports whether any poll is waiting to be closed.
func (j *Job) Precondition(ctx context.Context) (bool, error) {
	return j.store.ExistsExpiredOpenPolls(ctx, j.now())
}

func (j *Job) Run(ctx context.Context, run *batch.JobRun) error {
	step := &batch.Step[model.Poll, model.Poll]{
		Name:      Name,
		Reader:    &reader{store: j.store, pageSize: j.policy.ChunkSize, now: j.now},
		Processor: batch.ProcessorFunc[model.Poll, model.Poll](closePoll),
		Writer:    &writer{store: j.store},
		Tx:        j.tx,
		Policy:    j.policy,
		Logger:    j.log,
	}
	return step.Execute(ctx, run)
}

// reader pages through expired open polls by id. The deadline is re-read on
// every page fetch.
type reader struct {
	store    Store
	pageSize int
	now      func() time.Time

	buf     []model.Poll
	afterID int64
	done    bool
}

func (r *reader) Open(context.Context) error {
	if r.pageSize <= 0 {
		r.pageSize = DefaultPolicy().ChunkSize
	}
	r.buf, r.afterID, r.done = nil, 0, false
	return nil
}

func (r *reader) Read(ctx context.Context) (model.Poll, error) {
	if len(r.buf) == 0 {
		if r.done {
			return model.Poll{}, io.EOF
		}
		page, err := r.store.FindExpiredOpenPolls(ctx, r.now(), r.afterID, r.pageSize)
		if err != nil {
			return model.Poll{}, err
		}
		if len(page) < r.pageSize {
			r.done = true
		}
		if len(page) == 0 {
			return model.Poll{}, io.EOF
		}
		r.buf = page
		r.afterID = page[len(page)-1].ID
	}
	p := r.buf[0]
	r.buf = r.buf[1:]
	return p, nil
}

// closePoll filters polls another actor already closed.
func closePoll(_ context.Context, p model.Poll) (model.Poll, bool, error) {
	changed := p.Close()
	return p, changed, nil
}

type writer struct {
	store Store
}

func (w *writer) Write(ctx context.Context, chunk []model.Poll) error {
	return w.store.SavePolls(ctx, chunk)
}

// Package viewsync folds cached view counters back into the durable store.
//
// A run scans the counter keys, raises each durable counter to
// max(durable, cached) inside the chunk transaction, and once the chunk has
// committed deletes every key whose value has not moved since it was read.
// A crash between commit and delete leaves the key in place; the next run
// merges it again as a no-op and deletes it then.
package viewsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/cache/keys"
	"github.com/mohammed-shakir/qna-reconciler/internal/model"
)

const Name = "sync-view-counts"

type Cache interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	DelIfEquals(ctx context.Context, key, expected string) (bool, error)
}

type Store interface {
	GetViewCounts(ctx context.Context, ids []int64) (map[int64]int64, error)
	SaveViewCounts(ctx context.Context, counts []model.ViewCount) (int64, error)
}

func DefaultPolicy() batch.FaultPolicy {
	p := batch.DefaultPolicy()
	p.ChunkSize = 20
	p.RetryLimit = 3
	p.SkipLimit = 10
	return p
}

// Entry is one cached counter as it was read.
type Entry struct {
	QuestionID int64
	Key        string
	Raw        string
	Count      int64
}

func (e Entry) String() string { return e.Key + "=" + e.Raw }

type Job struct {
	cache     Cache
	store     Store
	tx        batch.TxRunner
	policy    batch.FaultPolicy
	scanCount int64
	log       *slog.Logger
}

type Option func(*Job)

func WithPolicy(p batch.FaultPolicy) Option { return func(j *Job) { j.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(j *Job) { j.log = l } }

// WithScanCount sets the COUNT hint of each SCAN step.
func WithScanCount(n int64) Option { return func(j *Job) { j.scanCount = n } }

func New(cache Cache, store Store, tx batch.TxRunner, opts ...Option) *Job {
	j := &Job{
		cache:     cache,
		store:     store,
		tx:        tx,
		policy:    DefaultPolicy(),
		scanCount: 100,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Job) Name() string { return Name }

func (j *Job) Run(ctx context.Context, run *batch.JobRun) error {
	step := &batch.Step[Entry, Entry]{
		Name:   Name,
		Reader: &reader{cache: j.cache, schema: keys.Views, count: j.scanCount, log: j.log},
		Writer: &writer{cache: j.cache, store: j.store, log: j.log},
		Tx:     j.tx,
		Policy: j.policy,
		Logger: j.log,
	}
	return step.Execute(ctx, run)
}

// reader walks the keyspace with SCAN and resolves values with MGET, one SCAN
// step at a time. State only advances once both calls succeed, so a failed
// Read can be retried.
type reader struct {
	cache  Cache
	schema keys.Schema
	count  int64
	log    *slog.Logger

	cursor    uint64
	finished  bool
	buf       []entryOrErr
	seen      map[string]struct{}
	malformed int
	vanished  int
}

type entryOrErr struct {
	e   Entry
	err error
}

func (r *reader) Open(context.Context) error {
	r.cursor, r.finished, r.buf = 0, false, nil
	r.seen = make(map[string]struct{})
	r.malformed, r.vanished = 0, 0
	return nil
}

// Close releases the scan state. SCAN cursors hold nothing on the server.
func (r *reader) Close() error {
	if r.malformed > 0 || r.vanished > 0 {
		r.log.Debug("view key scan finished", "malformed", r.malformed, "vanished", r.vanished)
	}
	r.finished = true
	r.buf, r.seen = nil, nil
	return nil
}

func (r *reader) Read(ctx context.Context) (Entry, error) {
	for len(r.buf) == 0 {
		if r.finished {
			return Entry{}, io.EOF
		}
		if err := r.fill(ctx); err != nil {
			return Entry{}, err
		}
	}
	next := r.buf[0]
	r.buf = r.buf[1:]
	return next.e, next.err
}

func (r *reader) fill(ctx context.Context) error {
	found, next, err := r.cache.Scan(ctx, r.cursor, r.schema.Pattern(), r.count)
	if err != nil {
		return err
	}

	type match struct {
		key string
		id  int64
	}
	var matched []match
	for _, k := range found {
		id, ok := r.schema.Parse(k)
		if !ok {
			r.malformed++
			continue
		}
		if _, dup := r.seen[k]; dup {
			continue
		}
		matched = append(matched, match{key: k, id: id})
	}

	var vals map[string]string
	if len(matched) > 0 {
		ks := make([]string, len(matched))
		for i, m := range matched {
			ks[i] = m.key
		}
		if vals, err = r.cache.MGet(ctx, ks); err != nil {
			return err
		}
	}

	for _, m := range matched {
		r.seen[m.key] = struct{}{}
		raw, ok := vals[m.key]
		if !ok {
			r.vanished++ // deleted between SCAN and MGET
			continue
		}
		n, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || n < 0 {
			// never deleted, so it costs one skip on every run until fixed by hand
			r.log.ErrorContext(ctx, "view key holds a non-counter value", "key", m.key, "value", raw)
			r.buf = append(r.buf, entryOrErr{err: batch.Dataf("key %s holds non-counter value %q", m.key, raw)})
			continue
		}
		r.buf = append(r.buf, entryOrErr{e: Entry{QuestionID: m.id, Key: m.key, Raw: raw, Count: n}})
	}

	r.cursor = next
	if next == 0 {
		r.finished = true
	}
	return nil
}

type writer struct {
	cache Cache
	store Store
	log   *slog.Logger
}

// Write raises durable counters to the cached values. A counter without a
// durable row fails the chunk with a data error so the engine skips just that
// entry.
func (w *writer) Write(ctx context.Context, chunk []Entry) error {
	ids := make([]int64, len(chunk))
	for i, e := range chunk {
		ids[i] = e.QuestionID
	}
	durable, err := w.store.GetViewCounts(ctx, ids)
	if err != nil {
		return err
	}

	var updates []model.ViewCount
	for _, e := range chunk {
		d, ok := durable[e.QuestionID]
		if !ok {
			return batch.DataErr(fmt.Errorf("question %d: %w", e.QuestionID, model.ErrNotFound))
		}
		if merged := max(d, e.Count); merged > d {
			updates = append(updates, model.ViewCount{QuestionID: e.QuestionID, Count: merged})
		}
	}
	if len(updates) == 0 {
		return nil
	}
	if _, err := w.store.SaveViewCounts(ctx, updates); err != nil {
		return err
	}
	return nil
}

// AfterCommit drops the reconciled keys. A key whose value changed after the
// read is kept for the next run; delete errors only cost an extra pass.
func (w *writer) AfterCommit(ctx context.Context, chunk []Entry) {
	for _, e := range chunk {
		deleted, err := w.cache.DelIfEquals(ctx, e.Key, e.Raw)
		if err != nil {
			w.log.WarnContext(ctx, "reconciled key not deleted", "key", e.Key, "err", err)
			continue
		}
		if !deleted {
			w.log.DebugContext(ctx, "key changed since read, kept", "key", e.Key)
		}
	}
}

package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"testing"
	"time"
)

type sliceReader struct {
	items   []int
	readErr map[int]error // error returned once when reaching index
	pos     int
	opened  bool
	closed  bool
}

func (r *sliceReader) Open(context.Context) error { r.opened = true; return nil }

func (r *sliceReader) Close() error { r.closed = true; return nil }

func (r *sliceReader) Read(context.Context) (int, error) {
	if r.pos >= len(r.items) {
		return 0, io.EOF
	}
	if err, ok := r.readErr[r.pos]; ok {
		delete(r.readErr, r.pos)
		r.pos++ // the bad item is consumed
		return 0, err
	}
	v := r.items[r.pos]
	r.pos++
	return v, nil
}

type pendingKey struct{}

// memTx buffers writes per transaction and applies them on success.
type memTx struct {
	committed []int
}

func (m *memTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	pending := &[]int{}
	if err := fn(context.WithValue(ctx, pendingKey{}, pending)); err != nil {
		return err
	}
	m.committed = append(m.committed, *pending...)
	return nil
}

type memWriter struct {
	failItem       map[int]error // item value -> error while present in a chunk
	transientLeft  int           // first N writes fail transiently
	calls          int
	afterCommitted []int
}

func (w *memWriter) Write(ctx context.Context, chunk []int) error {
	w.calls++
	pending := ctx.Value(pendingKey{}).(*[]int)
	for _, v := range chunk {
		if err, ok := w.failItem[v]; ok {
			return err
		}
		*pending = append(*pending, v)
	}
	if w.transientLeft > 0 {
		w.transientLeft--
		return Transient(errors.New("connection reset"))
	}
	return nil
}

func (w *memWriter) AfterCommit(_ context.Context, chunk []int) {
	w.afterCommitted = append(w.afterCommitted, chunk...)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func newStep(r Reader[int], w Writer[int], tx TxRunner, p FaultPolicy) *Step[int, int] {
	p.RetryBackoff = 0
	return &Step[int, int]{Name: "test", Reader: r, Writer: w, Tx: tx, Policy: p}
}

func TestExecute_ChunksAndCommits(t *testing.T) {
	r := &sliceReader{items: seq(120)}
	w := &memWriter{}
	tx := &memTx{}
	run := &JobRun{}

	p := DefaultPolicy()
	p.ChunkSize = 50
	if err := newStep(r, w, tx, p).Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.ReadCount != 120 || run.WriteCount != 120 || run.CommitCount != 3 {
		t.Fatalf("counts: %+v", run)
	}
	if !slices.Equal(tx.committed, seq(120)) {
		t.Fatalf("committed %d items out of order or missing", len(tx.committed))
	}
	if !slices.Equal(w.afterCommitted, seq(120)) {
		t.Fatalf("after-commit saw %d items", len(w.afterCommitted))
	}
	if !r.opened || !r.closed {
		t.Fatalf("reader opened=%v closed=%v", r.opened, r.closed)
	}
}

func TestExecute_TransientRetriedThenCommitted(t *testing.T) {
	w := &memWriter{transientLeft: 2}
	tx := &memTx{}
	run := &JobRun{}

	p := DefaultPolicy()
	p.ChunkSize = 10
	if err := newStep(&sliceReader{items: seq(10)}, w, tx, p).Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.RollbackCount != 2 || run.CommitCount != 1 || run.SkipCount != 0 {
		t.Fatalf("counts: %+v", run)
	}
	if len(tx.committed) != 10 {
		t.Fatalf("committed=%d want 10 (no duplicates from rolled back attempts)", len(tx.committed))
	}
}

func TestExecute_DataErrorsWithinLimitAreSkipped(t *testing.T) {
	w := &memWriter{failItem: map[int]error{
		3:  DataErr(errors.New("bad 3")),
		17: DataErr(errors.New("bad 17")),
		18: DataErr(errors.New("bad 18")),
	}}
	tx := &memTx{}
	run := &JobRun{}

	p := DefaultPolicy()
	p.ChunkSize = 10
	p.SkipLimit = 3
	if err := newStep(&sliceReader{items: seq(25)}, w, tx, p).Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.SkipCount != 3 || len(run.Skips) != 3 {
		t.Fatalf("skips=%d records=%d want 3", run.SkipCount, len(run.Skips))
	}
	if run.WriteCount != 22 || len(tx.committed) != 22 {
		t.Fatalf("written=%d committed=%d want 22", run.WriteCount, len(tx.committed))
	}
	for _, bad := range []int{3, 17, 18} {
		if slices.Contains(tx.committed, bad) {
			t.Fatalf("skipped item %d was persisted", bad)
		}
	}
	if run.Skips[0].Phase != "write" || run.Skips[0].Item != "3" {
		t.Fatalf("first skip record: %+v", run.Skips[0])
	}
}

func TestExecute_SkipLimitExceededFails(t *testing.T) {
	fail := map[int]error{}
	for i := range 11 {
		fail[i*2] = DataErr(fmt.Errorf("bad %d", i*2))
	}
	run := &JobRun{}
	p := DefaultPolicy()
	p.ChunkSize = 20
	p.SkipLimit = 10

	err := newStep(&sliceReader{items: seq(40)}, &memWriter{failItem: fail}, &memTx{}, p).
		Execute(context.Background(), run)
	if !errors.Is(err, ErrSkipLimitExceeded) {
		t.Fatalf("want ErrSkipLimitExceeded, got %v", err)
	}
	if run.SkipCount != 11 {
		t.Fatalf("skip count=%d want 11", run.SkipCount)
	}
}

func TestExecute_FatalErrorNeverPersistsPartialChunk(t *testing.T) {
	w := &memWriter{failItem: map[int]error{13: errors.New("constraint violated")}}
	tx := &memTx{}
	r := &sliceReader{items: seq(30)}
	run := &JobRun{}

	p := DefaultPolicy()
	p.ChunkSize = 10
	err := newStep(r, w, tx, p).Execute(context.Background(), run)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !slices.Equal(tx.committed, seq(10)) {
		t.Fatalf("committed=%v want only the first chunk", tx.committed)
	}
	if w.calls != 2 {
		t.Fatalf("fatal error must not be retried: calls=%d", w.calls)
	}
	if !r.closed {
		t.Fatalf("reader not closed on failure")
	}
}

func TestExecute_ExhaustedRetriesFallBackToItemScan(t *testing.T) {
	// item 4 keeps failing transiently, the rest of the chunk commits
	w := &memWriter{failItem: map[int]error{4: Transient(errors.New("timeout"))}}
	tx := &memTx{}
	run := &JobRun{}

	p := DefaultPolicy()
	p.ChunkSize = 5
	p.RetryLimit = 2
	if err := newStep(&sliceReader{items: seq(5)}, w, tx, p).Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(tx.committed, []int{0, 1, 2, 3}) {
		t.Fatalf("committed=%v", tx.committed)
	}
	if run.SkipCount != 1 {
		t.Fatalf("skip=%d", run.SkipCount)
	}
	// 3 chunk attempts + 4 good singles + 3 attempts on item 4
	if w.calls != 10 {
		t.Fatalf("write calls=%d want 10", w.calls)
	}
}

func TestExecute_ReadErrorsSkippedAndFilteredItemsCounted(t *testing.T) {
	r := &sliceReader{
		items:   seq(10),
		readErr: map[int]error{2: DataErr(errors.New("malformed"))},
	}
	tx := &memTx{}
	run := &JobRun{}

	s := &Step[int, int]{
		Name:   "test",
		Reader: r,
		Processor: ProcessorFunc[int, int](func(_ context.Context, v int) (int, bool, error) {
			return v * 10, v%3 != 0, nil
		}),
		Writer: &memWriter{},
		Tx:     tx,
		Policy: FaultPolicy{ChunkSize: 4, SkipLimit: 1},
	}
	if err := s.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// item 2 skipped on read; 0, 3, 6, 9 filtered
	if run.ReadCount != 9 || run.SkipCount != 1 || run.FilterCount != 4 {
		t.Fatalf("counts: %+v", run)
	}
	if !slices.Equal(tx.committed, []int{10, 40, 50, 70, 80}) {
		t.Fatalf("committed=%v", tx.committed)
	}
	if run.Skips[0].Phase != "read" {
		t.Fatalf("skip phase=%q", run.Skips[0].Phase)
	}
}

func TestExecute_CanceledContextAbortsWithoutRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newStep(&sliceReader{items: seq(5)}, WriterFunc[int](func(ctx context.Context, chunk []int) error {
		cancel()
		return ctx.Err()
	}), &memTx{}, DefaultPolicy())

	err := s.Execute(ctx, &JobRun{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestExecute_RequiresReaderAndWriter(t *testing.T) {
	s := &Step[int, int]{}
	if err := s.Execute(context.Background(), &JobRun{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func TestRetry_BacksOffAndStops(t *testing.T) {
	p := FaultPolicy{RetryLimit: 2, RetryBackoff: time.Millisecond, RetryableKinds: []Kind{KindTransient}}
	calls := 0
	_, attempts, err := retry(context.Background(), p, func() (int, error) {
		calls++
		return 0, Transient(errors.New("down"))
	})
	if err == nil || calls != 3 || attempts != 3 {
		t.Fatalf("calls=%d attempts=%d err=%v", calls, attempts, err)
	}
}

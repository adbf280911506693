package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type jobFunc struct {
	name string
	fn   func(ctx context.Context, run *JobRun) error
}

func (j jobFunc) Name() string                               { return j.name }
func (j jobFunc) Run(ctx context.Context, run *JobRun) error { return j.fn(ctx, run) }

type recordingSink struct {
	mu   sync.Mutex
	runs []JobRun
}

func (s *recordingSink) Publish(_ context.Context, run JobRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
}

func TestLaunch_CompletedRunRecorded(t *testing.T) {
	sink := &recordingSink{}
	l := NewLauncher(WithSink(sink), WithHistory(NewHistory(10)))

	trig := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	params := Params{ParamTriggerTime: trig.Format(time.RFC3339Nano)}

	run, err := l.Launch(context.Background(), jobFunc{name: "j", fn: func(_ context.Context, r *JobRun) error {
		r.ReadCount, r.WriteCount = 5, 5
		return nil
	}}, params)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if run.Status != StatusCompleted || run.ID == "" || run.Key == "" {
		t.Fatalf("run: %+v", run)
	}
	if !run.TriggerTime.Equal(trig) {
		t.Fatalf("trigger time=%v want %v", run.TriggerTime, trig)
	}
	if run.EndTime.Before(run.StartTime) {
		t.Fatalf("end before start")
	}

	last, ok := l.History().Last("j")
	if !ok || last.Status != StatusCompleted || last.WriteCount != 5 {
		t.Fatalf("history last=%+v ok=%v", last, ok)
	}
	if l.History().Len() != 1 {
		t.Fatalf("history should hold one entry per run, got %d", l.History().Len())
	}
	if len(sink.runs) != 1 || sink.runs[0].ID != run.ID {
		t.Fatalf("sink runs=%+v", sink.runs)
	}
}

func TestLaunch_ErrorAndPanicMarkFailed(t *testing.T) {
	l := NewLauncher()

	run, err := l.Launch(context.Background(), jobFunc{name: "boom", fn: func(context.Context, *JobRun) error {
		return ErrSkipLimitExceeded
	}}, nil)
	if !errors.Is(err, ErrSkipLimitExceeded) || run.Status != StatusFailed || run.Err == "" {
		t.Fatalf("run=%+v err=%v", run, err)
	}

	run, err = l.Launch(context.Background(), jobFunc{name: "panic", fn: func(context.Context, *JobRun) error {
		panic("kaboom")
	}}, nil)
	if err == nil || run.Status != StatusFailed {
		t.Fatalf("panic not converted: run=%+v err=%v", run, err)
	}
}

func TestJobKey_OrderIndependentAndDistinct(t *testing.T) {
	a := JobKey("j", Params{"x": "1", "y": "2"})
	b := JobKey("j", Params{"y": "2", "x": "1"})
	if a != b {
		t.Fatalf("order changed key: %s vs %s", a, b)
	}
	if a == JobKey("j", Params{"x": "1", "y": "3"}) {
		t.Fatalf("different params share a key")
	}
	if a == JobKey("k", Params{"x": "1", "y": "2"}) {
		t.Fatalf("different jobs share a key")
	}
	if len(a) != 16 {
		t.Fatalf("key length=%d", len(a))
	}
}

func TestHistory_RecentNewestFirstAndBounded(t *testing.T) {
	h := NewHistory(3)
	for i, id := range []string{"a", "b", "c", "d"} {
		h.Add(JobRun{ID: id, Job: "j", ReadCount: i})
	}
	got := h.Recent(0)
	if len(got) != 3 || got[0].ID != "d" || got[2].ID != "b" {
		t.Fatalf("recent=%+v", got)
	}
	if _, ok := h.Get("a"); ok {
		t.Fatalf("oldest run not evicted")
	}
	if r := h.Recent(1); len(r) != 1 || r[0].ID != "d" {
		t.Fatalf("recent(1)=%+v", r)
	}
	if _, ok := h.Last("other"); ok {
		t.Fatalf("unexpected run for unknown job")
	}
}

func TestJobRun_SnapshotIsIndependent(t *testing.T) {
	r := &JobRun{Parameters: Params{"a": "1"}, Skips: []SkipRecord{{Phase: "read"}}}
	s := r.Snapshot()
	r.Parameters["a"] = "2"
	r.Skips[0].Phase = "write"
	if s.Parameters["a"] != "1" || s.Skips[0].Phase != "read" {
		t.Fatalf("snapshot shares memory: %+v", s)
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
)

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 30s")
	if err != nil {
		t.Fatalf("every: %v", err)
	}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := s.Next(now, time.Time{}); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("first next=%v", got)
	}
	// fixed rate: a late firing is caught up immediately
	if got := s.Next(now, now.Add(-time.Minute)); !got.Equal(now) {
		t.Fatalf("catch-up next=%v", got)
	}

	c, err := ParseSchedule("*/5 * * * *")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if got := c.Next(now.Add(time.Minute), time.Time{}); !got.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("cron next=%v", got)
	}
	if c.String() != "*/5 * * * *" {
		t.Fatalf("String=%q", c.String())
	}

	for _, bad := range []string{"", "@every", "@every -1s", "@every soon", "not a cron"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Fatalf("ParseSchedule(%q) accepted", bad)
		}
	}
}

func newTestScheduler(t *testing.T, triggers ...Trigger) *Scheduler {
	t.Helper()
	s, err := New(nil, triggers...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRunOnce_PreconditionGatesLaunch(t *testing.T) {
	var launches atomic.Int32
	ready := false
	s := newTestScheduler(t, Trigger{
		Name:         "closer",
		Schedule:     Every(time.Hour),
		Precondition: func(context.Context) (bool, error) { return ready, nil },
		Launch: func(_ context.Context, p batch.Params) error {
			if p[batch.ParamTriggerTime] == "" {
				t.Errorf("missing trigger time param")
			}
			launches.Add(1)
			return nil
		},
	})
	ctx := context.Background()

	if res, _ := s.RunOnce(ctx, "closer"); res != ResultPreconditionFalse || launches.Load() != 0 {
		t.Fatalf("res=%s launches=%d", res, launches.Load())
	}
	ready = true
	if res, _ := s.RunOnce(ctx, "closer"); res != ResultLaunched || launches.Load() != 1 {
		t.Fatalf("res=%s launches=%d", res, launches.Load())
	}
}

func TestRunOnce_FailuresAreContained(t *testing.T) {
	mode := "precondition"
	s := newTestScheduler(t, Trigger{
		Name:     "j",
		Schedule: Every(time.Hour),
		Precondition: func(context.Context) (bool, error) {
			if mode == "precondition" {
				return false, errors.New("db down")
			}
			return true, nil
		},
		Launch: func(context.Context, batch.Params) error {
			if mode == "panic" {
				panic("boom")
			}
			return errors.New("run failed")
		},
	})
	ctx := context.Background()

	for _, c := range []struct{ mode, want string }{
		{"precondition", ResultPreconditionError},
		{"error", ResultFailed},
		{"panic", ResultPanic},
	} {
		mode = c.mode
		res, err := s.RunOnce(ctx, "j")
		if err != nil || res != c.want {
			t.Fatalf("mode %s: res=%s err=%v", c.mode, res, err)
		}
		st := s.Status()[0]
		if st.State != StateIdle || st.LastResult != c.want {
			t.Fatalf("mode %s: status=%+v", c.mode, st)
		}
	}

	if _, err := s.RunOnce(ctx, "missing"); err == nil {
		t.Fatalf("unknown trigger accepted")
	}
}

func TestStart_FiresUntilStopped(t *testing.T) {
	var fast, slow atomic.Int32
	s := newTestScheduler(t,
		Trigger{Name: "fast", Schedule: Every(5 * time.Millisecond), Launch: func(context.Context, batch.Params) error {
			fast.Add(1)
			return nil
		}},
		Trigger{Name: "slow", Schedule: Every(time.Hour), Launch: func(context.Context, batch.Params) error {
			slow.Add(1)
			return nil
		}},
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second Start accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fast.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if fast.Load() < 3 {
		t.Fatalf("fast trigger fired %d times", fast.Load())
	}
	if slow.Load() != 0 {
		t.Fatalf("slow trigger fired early")
	}
	n := fast.Load()
	time.Sleep(20 * time.Millisecond)
	if fast.Load() != n {
		t.Fatalf("trigger fired after Stop")
	}
}

type countingJob struct{ runs atomic.Int32 }

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context, *batch.JobRun) error {
	j.runs.Add(1)
	return nil
}

func TestForJob_LaunchesThroughLauncher(t *testing.T) {
	l := batch.NewLauncher()
	job := &countingJob{}
	s := newTestScheduler(t, ForJob(l, job, Every(time.Hour), nil))

	if res, _ := s.RunOnce(context.Background(), "counting"); res != ResultLaunched {
		t.Fatalf("res=%s", res)
	}
	last, ok := l.History().Last("counting")
	if !ok || last.Status != batch.StatusCompleted || last.Parameters["trigger"] != "counting" {
		t.Fatalf("history=%+v ok=%v", last, ok)
	}
	if job.runs.Load() != 1 {
		t.Fatalf("runs=%d", job.runs.Load())
	}
}

func TestNew_Validates(t *testing.T) {
	ok := Trigger{Name: "a", Schedule: Every(time.Second), Launch: func(context.Context, batch.Params) error { return nil }}
	if _, err := New(nil, ok, ok); err == nil {
		t.Fatalf("duplicate accepted")
	}
	if _, err := New(nil, Trigger{Name: "b"}); err == nil {
		t.Fatalf("incomplete trigger accepted")
	}
}

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/qna-reconciler/internal/logger"
	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
)

// ParamTriggerTime carries the scheduler firing time (RFC3339Nano).
const ParamTriggerTime = "trigger.time"

// Job is one runnable pipeline. Run fills in the counters of run and returns
// a non-nil error when the run failed.
type Job interface {
	Name() string
	Run(ctx context.Context, run *JobRun) error
}

// RunSink receives every finished run. Publish must not block for long.
type RunSink interface {
	Publish(ctx context.Context, run JobRun)
}

type Launcher struct {
	history *History
	sink    RunSink
	log     *slog.Logger
	now     func() time.Time
}

type LauncherOption func(*Launcher)

func WithHistory(h *History) LauncherOption { return func(l *Launcher) { l.history = h } }

func WithSink(s RunSink) LauncherOption { return func(l *Launcher) { l.sink = s } }

func WithLogger(log *slog.Logger) LauncherOption { return func(l *Launcher) { l.log = log } }

func WithClock(now func() time.Time) LauncherOption { return func(l *Launcher) { l.now = now } }

func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.history == nil {
		l.history = NewHistory(0)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

func (l *Launcher) History() *History { return l.history }

// JobKey identifies a job instance by name and parameters, independent of
// parameter order.
func JobKey(job string, params Params) string {
	h := xxhash.New()
	_, _ = h.WriteString(job)
	ks := make([]string, 0, len(params))
	for k := range params {
		ks = append(ks, k)
	}
	slices.Sort(ks)
	for _, k := range ks {
		_, _ = h.WriteString("\x00" + k + "=" + params[k])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Launch runs job synchronously. The returned run is always non-nil; the error
// is the cause of a FAILED run. Panics inside the job fail the run.
func (l *Launcher) Launch(ctx context.Context, job Job, params Params) (*JobRun, error) {
	now := l.now().UTC()
	run := &JobRun{
		ID:          uuid.NewString(),
		Job:         job.Name(),
		Key:         JobKey(job.Name(), params),
		TriggerTime: now,
		StartTime:   now,
		Status:      StatusRunning,
		Parameters:  params,
	}
	if ts, ok := params[ParamTriggerTime]; ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			run.TriggerTime = t
		}
	}

	ctx = logger.WithRunID(logger.WithJob(ctx, run.Job), run.ID)
	l.history.Add(run.Snapshot())
	l.log.InfoContext(ctx, "job run started", "key", run.Key, "params", params)

	err := l.execute(ctx, job, run)

	run.EndTime = l.now().UTC()
	if err != nil {
		run.Status = StatusFailed
		run.Err = err.Error()
	} else {
		run.Status = StatusCompleted
	}
	observability.ObserveJobRun(run.Job, string(run.Status), run.Duration().Seconds())
	l.history.Add(run.Snapshot())

	attrs := []any{
		"status", run.Status,
		"duration", run.Duration(),
		"read", run.ReadCount,
		"written", run.WriteCount,
		"filtered", run.FilterCount,
		"skipped", run.SkipCount,
		"commits", run.CommitCount,
		"rollbacks", run.RollbackCount,
	}
	if err != nil {
		l.log.ErrorContext(ctx, "job run failed", append(attrs, "err", err)...)
	} else {
		l.log.InfoContext(ctx, "job run finished", attrs...)
	}

	if l.sink != nil {
		l.sink.Publish(ctx, run.Snapshot())
	}
	return run, err
}

func (l *Launcher) execute(ctx context.Context, job Job, run *JobRun) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.ErrorContext(ctx, "job panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("job %s panicked: %v", run.Job, rec)
		}
	}()
	return job.Run(ctx, run)
}

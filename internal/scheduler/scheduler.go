// Package scheduler fires batch jobs on their schedules.
//
// Each trigger runs on its own goroutine and never overlaps itself; different
// triggers run independently. A firing moves the trigger through
// IDLE -> CHECKING -> LAUNCHING -> IDLE. Precondition failures, launch errors
// and panics are logged and counted, never propagated, so the loop keeps
// running for the life of the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/logger"
	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
)

type State string

const (
	StateIdle      State = "IDLE"
	StateChecking  State = "CHECKING"
	StateLaunching State = "LAUNCHING"
)

// Firing results, also used as the scheduler_triggers_total result label.
const (
	ResultLaunched          = "launched"
	ResultFailed            = "failed"
	ResultPreconditionFalse = "precondition_false"
	ResultPreconditionError = "precondition_error"
	ResultPanic             = "panic"
)

// Precondition is a cheap check run before launching. false skips this firing.
type Precondition func(ctx context.Context) (bool, error)

type LaunchFunc func(ctx context.Context, params batch.Params) error

type Trigger struct {
	Name         string
	Schedule     *Schedule
	Precondition Precondition
	Launch       LaunchFunc
}

// ForJob builds a trigger that runs job through l.
func ForJob(l *batch.Launcher, job batch.Job, sched *Schedule, pre Precondition) Trigger {
	return Trigger{
		Name:         job.Name(),
		Schedule:     sched,
		Precondition: pre,
		Launch: func(ctx context.Context, params batch.Params) error {
			_, err := l.Launch(ctx, job, params)
			return err
		},
	}
}

type TriggerStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	State      State     `json:"state"`
	LastFire   time.Time `json:"last_fire,omitzero"`
	LastResult string    `json:"last_result,omitempty"`
	NextFire   time.Time `json:"next_fire,omitzero"`
}

type entry struct {
	Trigger

	fire sync.Mutex // held for a whole firing

	mu     sync.Mutex
	status TriggerStatus
}

func (e *entry) setState(s State) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
}

func (e *entry) snapshot() TriggerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

type Scheduler struct {
	log     *slog.Logger
	now     func() time.Time
	entries []*entry
	byName  map[string]*entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(log *slog.Logger, triggers ...Trigger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{log: log, now: time.Now, byName: map[string]*entry{}}
	for _, t := range triggers {
		if t.Name == "" || t.Launch == nil || t.Schedule == nil {
			return nil, fmt.Errorf("trigger %q: name, schedule and launch are required", t.Name)
		}
		if _, dup := s.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate trigger %q", t.Name)
		}
		e := &entry{Trigger: t}
		e.status = TriggerStatus{Name: t.Name, Schedule: t.Schedule.String(), State: StateIdle}
		s.entries = append(s.entries, e)
		s.byName[t.Name] = e
	}
	return s, nil
}

// Start launches one loop per trigger. The loops stop when ctx ends or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for _, e := range s.entries {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, e)
		}()
	}
	s.log.Info("scheduler started", "triggers", len(s.entries))
	return nil
}

// Stop cancels the loops and waits for in-flight firings to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	var prev time.Time
	for {
		next := e.Schedule.Next(s.now(), prev)
		if next.IsZero() {
			s.log.Warn("schedule has no future firings", "trigger", e.Name, "schedule", e.Schedule.String())
			return
		}
		e.mu.Lock()
		e.status.NextFire = next
		e.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		prev = next
		s.fire(ctx, e)
	}
}

// RunOnce fires the named trigger now and returns the firing result.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (string, error) {
	e, ok := s.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown trigger %q", name)
	}
	return s.fire(ctx, e), nil
}

func (s *Scheduler) Status() []TriggerStatus {
	out := make([]TriggerStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	return out
}

func (s *Scheduler) fire(ctx context.Context, e *entry) (result string) {
	e.fire.Lock()
	defer e.fire.Unlock()

	at := s.now().UTC()
	ctx = logger.WithTrigger(ctx, e.Name)
	log := s.log.With("trigger", e.Name)

	defer func() {
		if rec := recover(); rec != nil {
			log.ErrorContext(ctx, "trigger panicked", "panic", rec, "stack", string(debug.Stack()))
			result = ResultPanic
		}
		e.mu.Lock()
		e.status.State = StateIdle
		e.status.LastFire = at
		e.status.LastResult = result
		e.mu.Unlock()
		observability.IncTrigger(e.Name, result)
	}()

	if e.Precondition != nil {
		e.setState(StateChecking)
		ok, err := e.Precondition(ctx)
		if err != nil {
			log.WarnContext(ctx, "precondition check failed, not launching", "err", err)
			return ResultPreconditionError
		}
		if !ok {
			log.DebugContext(ctx, "precondition false, not launching")
			return ResultPreconditionFalse
		}
	}

	e.setState(StateLaunching)
	params := batch.Params{
		batch.ParamTriggerTime: at.Format(time.RFC3339Nano),
		"trigger":              e.Name,
	}
	if err := e.Launch(ctx, params); err != nil {
		log.ErrorContext(ctx, "launch failed", "err", err)
		return ResultFailed
	}
	return ResultLaunched
}

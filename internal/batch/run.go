package batch

import (
	"maps"
	"slices"
	"time"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Params identify a job instance. Every scheduler firing adds its trigger time,
// so two firings never share a key.
type Params map[string]string

// SkipRecord describes one item the fault policy skipped.
type SkipRecord struct {
	Phase string    `json:"phase"` // read, process or write
	Item  string    `json:"item,omitempty"`
	Err   string    `json:"error"`
	At    time.Time `json:"at"`
}

// JobRun is the ephemeral record of one execution. It is owned by the
// goroutine running the job; readers get copies through Snapshot.
type JobRun struct {
	ID          string    `json:"id"`
	Job         string    `json:"job"`
	Key         string    `json:"key"`
	TriggerTime time.Time `json:"trigger_time"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time,omitzero"`
	Status      Status    `json:"status"`
	Parameters  Params    `json:"parameters,omitempty"`

	ReadCount     int `json:"read_count"`
	WriteCount    int `json:"write_count"`
	FilterCount   int `json:"filter_count"`
	SkipCount     int `json:"skip_count"`
	CommitCount   int `json:"commit_count"`
	RollbackCount int `json:"rollback_count"`

	Skips []SkipRecord `json:"skips,omitempty"`
	Err   string       `json:"error,omitempty"`
}

func (r *JobRun) Snapshot() JobRun {
	cp := *r
	cp.Parameters = maps.Clone(r.Parameters)
	cp.Skips = slices.Clone(r.Skips)
	return cp
}

func (r *JobRun) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

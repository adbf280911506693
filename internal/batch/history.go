package batch

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// History keeps the most recent runs, keyed by run id.
type History struct {
	lru *lru.Cache[string, JobRun]
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 100
	}
	c, _ := lru.New[string, JobRun](size)
	return &History{lru: c}
}

func (h *History) Add(run JobRun) {
	h.lru.Add(run.ID, run)
}

func (h *History) Get(id string) (JobRun, bool) {
	return h.lru.Peek(id)
}

// Recent returns up to n runs, newest first. n <= 0 returns all of them.
func (h *History) Recent(n int) []JobRun {
	vals := h.lru.Values() // oldest first
	if n <= 0 || n > len(vals) {
		n = len(vals)
	}
	out := make([]JobRun, 0, n)
	for i := len(vals) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, vals[i])
	}
	return out
}

// Last returns the most recently updated run of job.
func (h *History) Last(job string) (JobRun, bool) {
	vals := h.lru.Values()
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i].Job == job {
			return vals[i], true
		}
	}
	return JobRun{}, false
}

func (h *History) Len() int { return h.lru.Len() }

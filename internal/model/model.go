// Package model holds the durable entities the reconciliation jobs move.
package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

type PollStatus string

const (
	PollOpen   PollStatus = "OPEN"
	PollClosed PollStatus = "CLOSED"
)

type Poll struct {
	ID         int64
	QuestionID int64
	Title      string
	CloseAt    time.Time
	Status     PollStatus
}

// Expired reports whether an open poll is past its deadline at now.
func (p Poll) Expired(now time.Time) bool {
	return p.Status == PollOpen && p.CloseAt.Before(now)
}

// Close marks the poll CLOSED and reports whether the status changed.
func (p *Poll) Close() bool {
	if p.Status == PollClosed {
		return false
	}
	p.Status = PollClosed
	return true
}

func (p Poll) String() string {
	return fmt.Sprintf("poll#%d", p.ID)
}

// ViewCount is a durable per-question view counter.
type ViewCount struct {
	QuestionID int64
	Count      int64
}

func (v ViewCount) String() string {
	return fmt.Sprintf("question#%d=%d", v.QuestionID, v.Count)
}

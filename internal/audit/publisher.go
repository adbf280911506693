// Package audit publishes finished job runs to a Kafka topic.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
)

// JobRunEvent is the wire form of a finished run.
type JobRunEvent struct {
	RunID       string             `json:"run_id"`
	Job         string             `json:"job"`
	Key         string             `json:"key"`
	Status      batch.Status       `json:"status"`
	TriggerTime time.Time          `json:"trigger_time"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	DurationMS  int64              `json:"duration_ms"`
	Read        int                `json:"read"`
	Written     int                `json:"written"`
	Filtered    int                `json:"filtered"`
	Skipped     int                `json:"skipped"`
	Commits     int                `json:"commits"`
	Rollbacks   int                `json:"rollbacks"`
	Skips       []batch.SkipRecord `json:"skips,omitempty"`
	Error       string             `json:"error,omitempty"`
	Parameters  batch.Params       `json:"parameters,omitempty"`
}

func EventFromRun(r batch.JobRun) JobRunEvent {
	return JobRunEvent{
		RunID:       r.ID,
		Job:         r.Job,
		Key:         r.Key,
		Status:      r.Status,
		TriggerTime: r.TriggerTime,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		DurationMS:  r.Duration().Milliseconds(),
		Read:        r.ReadCount,
		Written:     r.WriteCount,
		Filtered:    r.FilterCount,
		Skipped:     r.SkipCount,
		Commits:     r.CommitCount,
		Rollbacks:   r.RollbackCount,
		Skips:       r.Skips,
		Error:       r.Err,
		Parameters:  r.Parameters,
	}
}

// Publisher queues events and hands them to an async producer. A full queue
// drops the event; Publish never blocks.
type Publisher struct {
	topic    string
	events   chan JobRunEvent
	prod     sarama.AsyncProducer
	log      *slog.Logger
	stopped  chan struct{}
	errsDone chan struct{}
	dropped  atomic.Int64
	closed   atomic.Bool
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("audit: brokers and topic are required")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, log), nil
}

func newWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:    topic,
		events:   make(chan JobRunEvent, queueSize),
		prod:     prod,
		log:      log,
		stopped:  make(chan struct{}),
		errsDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("audit: marshal event", "run_id", ev.RunID, "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Job),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errsDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("audit: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish implements batch.RunSink.
func (p *Publisher) Publish(_ context.Context, run batch.JobRun) {
	if p.closed.Load() {
		return
	}
	select {
	case p.events <- EventFromRun(run):
	default:
		n := p.dropped.Add(1)
		p.log.Warn("audit: queue full, event dropped", "run_id", run.ID, "dropped_total", n)
	}
}

func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Close flushes queued events and closes the producer. Publish calls racing
// with Close must not happen; the host stops the scheduler first.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.events)
	<-p.stopped

	err := p.prod.Close()
	<-p.errsDone
	if err != nil {
		return fmt.Errorf("audit: close producer: %w", err)
	}
	return nil
}

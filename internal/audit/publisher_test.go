package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
)

func finishedRun() batch.JobRun {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return batch.JobRun{
		ID:          "run-1",
		Job:         "close-expired-polls",
		Key:         "abc",
		TriggerTime: start,
		StartTime:   start,
		EndTime:     start.Add(1500 * time.Millisecond),
		Status:      batch.StatusCompleted,
		ReadCount:   100,
		WriteCount:  100,
		CommitCount: 2,
	}
}

func TestPublish_SendsJSONKeyedByJob(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(b []byte) error {
		var ev JobRunEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		if ev.RunID != "run-1" || ev.Status != batch.StatusCompleted {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		if ev.DurationMS != 1500 || ev.Commits != 2 || ev.Written != 100 {
			return fmt.Errorf("counts not carried: %+v", ev)
		}
		return nil
	})

	p := newWithProducer(prod, "job-runs", 4, slog.Default())
	p.Publish(context.Background(), finishedRun())
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestPublish_ProducerErrorIsLoggedNotFatal(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputAndFail(errors.New("broker down"))
	prod.ExpectInputAndSucceed()

	p := newWithProducer(prod, "job-runs", 4, slog.Default())
	p.Publish(context.Background(), finishedRun())
	p.Publish(context.Background(), finishedRun())
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// blockedProducer never drains Input, so the queue fills.
type blockedProducer struct {
	sarama.AsyncProducer
	input chan *sarama.ProducerMessage
	errs  chan *sarama.ProducerError
}

func (b *blockedProducer) Input() chan<- *sarama.ProducerMessage { return b.input }
func (b *blockedProducer) Errors() <-chan *sarama.ProducerError  { return b.errs }

func TestPublish_DropsWhenQueueFull(t *testing.T) {
	bp := &blockedProducer{input: make(chan *sarama.ProducerMessage), errs: make(chan *sarama.ProducerError)}
	p := newWithProducer(bp, "job-runs", 2, slog.Default())

	// one event parks in the sender goroutine, two fill the queue
	for range 10 {
		p.Publish(context.Background(), finishedRun())
	}
	if got := p.Dropped(); got < 7 {
		t.Fatalf("dropped=%d want at least 7", got)
	}
}

func TestPublish_AfterCloseIsNoop(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	p := newWithProducer(prod, "job-runs", 1, slog.Default())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	p.Publish(context.Background(), finishedRun())
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewPublisher_RequiresBrokersAndTopic(t *testing.T) {
	if _, err := NewPublisher(nil, "t", 1, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewPublisher([]string{"localhost:9092"}, "", 1, nil); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestEventFromRun_CopiesSkips(t *testing.T) {
	r := finishedRun()
	r.Skips = []batch.SkipRecord{{Phase: "write", Item: "poll 7", Err: "bad"}}
	r.SkipCount = 1
	ev := EventFromRun(r)
	if ev.Skipped != 1 || len(ev.Skips) != 1 || ev.Skips[0].Item != "poll 7" {
		t.Fatalf("event=%+v", ev)
	}
}

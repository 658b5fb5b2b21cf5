// Package queue carries tasks between the scheduler, the coordinator and the
// workers. Delivery is at-least-once: a dequeued task stays invisible for the
// visibility timeout and is handed out again unless it is acked first.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty is returned by Dequeue when no task became ready within the wait
var ErrEmpty = errors.New("queue empty")

// Lane is an independent queue with its own consumers
type Lane string

const (
	LaneCoordination Lane = "coordination"
	LaneExecution    Lane = "execution"
)

// ParseLane converts a raw string to a Lane
func ParseLane(s string) (Lane, error) {
	switch Lane(s) {
	case LaneCoordination, LaneExecution:
		return Lane(s), nil
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Kind names the handler a task is routed to
type Kind string

const (
	KindDispatchCycle   Kind = "dispatch-cycle"
	KindScrapeSource    Kind = "scrape-source"
	KindGenerateContent Kind = "generate-content"
	KindPublishPost     Kind = "publish-post"
	KindDetectSpike     Kind = "detect-spike"
	KindExtractStrategy Kind = "extract-strategy"
)

// Lane returns the lane tasks of this kind travel on
func (k Kind) Lane() Lane {
	if k == KindDispatchCycle {
		return LaneCoordination
	}
	return LaneExecution
}

// Task is the unit of work on a lane. Only the reference matching Kind is set.
type Task struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	SourceID   uint      `json:"source_id,omitempty"`
	JobID      uint      `json:"job_id,omitempty"`
	ItemID     uint      `json:"item_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask returns a task of kind with a fresh ID
func NewTask(kind Kind) Task {
	return Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Delivery is one hand-out of a task to a consumer
type Delivery struct {
	Task Task
	Lane Lane
	// Attempt counts hand-outs of this task, starting at 1
	Attempt int

	payload string
}

// DeadLetter is a task that exhausted its deliveries
type DeadLetter struct {
	Task     Task      `json:"task"`
	Lane     Lane      `json:"lane"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Broker moves tasks between producers and consumers
type Broker interface {
	Enqueue(ctx context.Context, lane Lane, task Task) error
	// Dequeue blocks up to wait for a ready task. It returns ErrEmpty when
	// none arrives in time.
	Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Delivery, error)
	// Ack removes a delivered task for good
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes a delivered task ready again
	Nack(ctx context.Context, d *Delivery) error
	// DeadLetter moves a delivered task to the dead-letter lane
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// Len returns the number of ready tasks on lane
	Len(ctx context.Context, lane Lane) (int64, error)
	Close() error
}

// Options tunes broker delivery
type Options struct {
	// VisibilityTimeout is how long a dequeued task stays hidden before it
	// is handed out again
	VisibilityTimeout time.Duration
	// PollInterval is the pause between empty polls while Dequeue waits
	PollInterval time.Duration
}

// DefaultOptions returns the broker defaults
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      100 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = def.VisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	return o
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

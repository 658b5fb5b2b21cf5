package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type inflightEntry struct {
	delivery *Delivery
	deadline time.Time
}

type memoryLane struct {
	ready      []string
	inflight   map[string]inflightEntry // keyed by task ID
	deliveries map[string]int
}

// MemoryBroker is a single-process Broker with the same delivery semantics
// as RedisBroker. Tasks are lost when the process exits.
type MemoryBroker struct {
	mu    sync.Mutex
	lanes map[Lane]*memoryLane
	dead  []DeadLetter
	opts  Options
	now   func() time.Time
}

// NewMemoryBroker creates an empty in-process broker
func NewMemoryBroker(opts Options) *MemoryBroker {
	return &MemoryBroker{
		lanes: make(map[Lane]*memoryLane),
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
}

func (b *MemoryBroker) lane(l Lane) *memoryLane {
	ml, ok := b.lanes[l]
	if !ok {
		ml = &memoryLane{
			inflight:   make(map[string]inflightEntry),
			deliveries: make(map[string]int),
		}
		b.lanes[l] = ml
	}
	return ml
}

func (b *MemoryBroker) Enqueue(_ context.Context, lane Lane, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ml := b.lane(lane)
	ml.ready = append(ml.ready, string(payload))
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Delivery, error) {
	deadline := b.now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, err := b.tryDequeue(lane)
		if err != nil || d != nil {
			return d, err
		}
		if !b.now().Before(deadline) {
			return nil, ErrEmpty
		}
		if err := sleep(ctx, b.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *MemoryBroker) tryDequeue(lane Lane) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	ml := b.lane(lane)
	for id, e := range ml.inflight {
		if !e.deadline.After(now) {
			delete(ml.inflight, id)
			ml.ready = append(ml.ready, e.delivery.payload)
		}
	}
	if len(ml.ready) == 0 {
		return nil, nil
	}

	payload := ml.ready[0]
	ml.ready = ml.ready[1:]

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	ml.deliveries[task.ID]++
	d := &Delivery{Task: task, Lane: lane, Attempt: ml.deliveries[task.ID], payload: payload}
	ml.inflight[task.ID] = inflightEntry{delivery: d, deadline: now.Add(b.opts.VisibilityTimeout)}
	return d, nil
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml := b.lane(d.Lane)
	delete(ml.inflight, d.Task.ID)
	delete(ml.deliveries, d.Task.ID)
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml := b.lane(d.Lane)
	if _, ok := ml.inflight[d.Task.ID]; !ok {
		return nil
	}
	delete(ml.inflight, d.Task.ID)
	ml.ready = append(ml.ready, d.payload)
	return nil
}

func (b *MemoryBroker) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ml := b.lane(d.Lane)
	delete(ml.inflight, d.Task.ID)
	delete(ml.deliveries, d.Task.ID)
	b.dead = append(b.dead, DeadLetter{
		Task:     d.Task,
		Lane:     d.Lane,
		Reason:   reason,
		Attempts: d.Attempt,
		FailedAt: b.now().UTC(),
	})
	return nil
}

func (b *MemoryBroker) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, b.dead[:n])
	return out, nil
}

func (b *MemoryBroker) Len(_ context.Context, lane Lane) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.lane(lane).ready)), nil
}

func (b *MemoryBroker) Close() error { return nil }

var _ Broker = (*MemoryBroker)(nil)

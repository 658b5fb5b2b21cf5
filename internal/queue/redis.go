package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dequeueScript returns expired in-flight members to the ready list, then
// moves the head of the ready list in-flight with a new deadline.
//
// KEYS[1] ready list, KEYS[2] in-flight zset
// ARGV[1] now (unix ms), ARGV[2] deadline (unix ms)
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, member in ipairs(expired) do
	redis.call('ZREM', KEYS[2], member)
	redis.call('RPUSH', KEYS[1], member)
end
local member = redis.call('LPOP', KEYS[1])
if not member then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], member)
return member
`)

// nackScript requeues a member only if it is still in-flight, so a task the
// visibility sweep already returned is not readied twice.
//
// KEYS[1] in-flight zset, KEYS[2] ready list
var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisBroker is a Broker on Redis lists and sorted sets
type RedisBroker struct {
	client *redis.Client
	prefix string
	opts   Options
	now    func() time.Time
}

// RedisConfig holds the connection settings
type RedisConfig struct {
	URL    string
	Prefix string
}

// NewRedisBroker connects to Redis and verifies the connection
func NewRedisBroker(ctx context.Context, cfg RedisConfig, opts Options) (*RedisBroker, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisBrokerFromClient(client, cfg.Prefix, opts), nil
}

// NewRedisBrokerFromClient wraps an existing client
func NewRedisBrokerFromClient(client *redis.Client, prefix string, opts Options) *RedisBroker {
	if prefix == "" {
		prefix = "signalpost"
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (b *RedisBroker) readyKey(lane Lane) string {
	return fmt.Sprintf("%s:queue:%s:ready", b.prefix, lane)
}

func (b *RedisBroker) inflightKey(lane Lane) string {
	return fmt.Sprintf("%s:queue:%s:inflight", b.prefix, lane)
}

func (b *RedisBroker) deliveriesKey(lane Lane) string {
	return fmt.Sprintf("%s:queue:%s:deliveries", b.prefix, lane)
}

func (b *RedisBroker) deadKey() string {
	return b.prefix + ":queue:dead"
}

func (b *RedisBroker) Enqueue(ctx context.Context, lane Lane, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := b.client.RPush(ctx, b.readyKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", task.Kind, err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, lane Lane, wait time.Duration) (*Delivery, error) {
	deadline := b.now().Add(wait)
	for {
		d, err := b.tryDequeue(ctx, lane)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		if !b.now().Before(deadline) {
			return nil, ErrEmpty
		}
		if err := sleep(ctx, b.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *RedisBroker) tryDequeue(ctx context.Context, lane Lane) (*Delivery, error) {
	now := b.now()
	res, err := dequeueScript.Run(ctx, b.client,
		[]string{b.readyKey(lane), b.inflightKey(lane)},
		now.UnixMilli(), now.Add(b.opts.VisibilityTimeout).UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var task Task
	if err := json.Unmarshal([]byte(res), &task); err != nil {
		// unreadable payloads go straight to the dead-letter list
		_ = b.client.ZRem(ctx, b.inflightKey(lane), res).Err()
		_ = b.client.RPush(ctx, b.deadKey(), res).Err()
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	attempt, err := b.client.HIncrBy(ctx, b.deliveriesKey(lane), task.ID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count delivery: %w", err)
	}

	return &Delivery{Task: task, Lane: lane, Attempt: int(attempt), payload: res}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(d.Lane), d.payload)
	pipe.HDel(ctx, b.deliveriesKey(d.Lane), d.Task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", d.Task.ID, err)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, d *Delivery) error {
	err := nackScript.Run(ctx, b.client,
		[]string{b.inflightKey(d.Lane), b.readyKey(d.Lane)}, d.payload).Err()
	if err != nil {
		return fmt.Errorf("failed to nack task %s: %w", d.Task.ID, err)
	}
	return nil
}

func (b *RedisBroker) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		Task:     d.Task,
		Lane:     d.Lane,
		Reason:   reason,
		Attempts: d.Attempt,
		FailedAt: b.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.inflightKey(d.Lane), d.payload)
	pipe.HDel(ctx, b.deliveriesKey(d.Lane), d.Task.ID)
	pipe.RPush(ctx, b.deadKey(), entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", d.Task.ID, err)
	}
	return nil
}

func (b *RedisBroker) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.LRange(ctx, b.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			dl = DeadLetter{Reason: "undecodable payload"}
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func (b *RedisBroker) Len(ctx context.Context, lane Lane) (int64, error) {
	return b.client.LLen(ctx, b.readyKey(lane)).Result()
}

// Ping verifies the connection
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)

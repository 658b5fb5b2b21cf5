package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/signalpost/internal/worker"
	"github.com/signalpost/pkg/failure"
)

func TestGuard_TimeoutClassified(t *testing.T) {
	g := Guard{Timeout: 20 * time.Millisecond}
	err := g.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, failure.IsTimeout(err))
}

func TestGuard_ParentCancelIsNotTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := Guard{Timeout: time.Second}
	err := g.Do(ctx, "op", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, failure.IsTimeout(err))
}

func TestGuard_BreakerShortCircuits(t *testing.T) {
	g := Guard{Breaker: failure.NewBreaker(failure.BreakerConfig{Name: "test", Failures: 2, Delay: time.Minute})}
	calls := 0
	fn := func(context.Context) error {
		calls++
		return failure.Transient("op", errors.New("down"))
	}
	for i := 0; i < 4; i++ {
		err := g.Do(context.Background(), "op", fn)
		assert.True(t, failure.IsTransient(err))
	}
	assert.Equal(t, 2, calls)
}

func TestResultFor(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, worker.Done, ResultFor(ctx, nil))
	assert.Equal(t, worker.Retry, ResultFor(ctx, failure.Transient("op", nil)))
	assert.Equal(t, worker.Retry, ResultFor(ctx, failure.Timeout("op", nil)))
	assert.Equal(t, worker.Fail, ResultFor(ctx, failure.Fatal("op", nil)))
	assert.Equal(t, worker.Fail, ResultFor(ctx, failure.AuthRequired("op", nil)))
	assert.Equal(t, worker.Fail, ResultFor(ctx, failure.Validationf("bad %s", "input")))
	assert.Equal(t, worker.Retry, ResultFor(ctx, errors.New("database is locked")))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, worker.Retry, ResultFor(canceled, failure.Fatal("op", nil)))
}

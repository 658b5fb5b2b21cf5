package failure

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Failures: 3, Delay: time.Hour})

	for i := 0; i < 3; i++ {
		err := b.Call("generate", func() error { return Transient("upstream", errors.New("503")) })
		assert.True(t, IsTransient(err))
	}
	assert.True(t, b.IsOpen())

	called := false
	err := b.Call("generate", func() error {
		called = true
		return nil
	})
	assert.False(t, called, "open breaker must not call through")
	assert.True(t, IsTransient(err))
}

func TestBreaker_IgnoresNonTransientFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Failures: 2, Delay: time.Hour})

	for i := 0; i < 5; i++ {
		err := b.Call("publish", func() error { return AuthRequired("publish", errors.New("401")) })
		assert.True(t, Is(err, KindAuthRequired))
	}
	assert.False(t, b.IsOpen())
}

func TestBreaker_SuccessPassesThrough(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	assert.NoError(t, b.Call("op", func() error { return nil }))
	assert.Equal(t, "collaborator", b.Name())
}

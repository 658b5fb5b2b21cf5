package failure

import (
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
)

// BreakerConfig configures a collaborator circuit breaker
type BreakerConfig struct {
	// Name identifies the breaker in logs
	Name string
	// Failures is the number of consecutive transient failures that open the
	// breaker. Default: 5
	Failures uint
	// Delay is how long the breaker stays open before a trial call. Default: 1m
	Delay time.Duration
	// OnStateChange is invoked with the old and new state names
	OnStateChange func(name, from, to string)
}

// Breaker stops calling a collaborator that keeps failing transiently.
// Auth, validation and fatal failures do not count against it.
type Breaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

// NewBreaker builds a breaker from cfg
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "collaborator"
	}
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Minute
	}

	builder := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			if err == nil {
				return false
			}
			k := KindOf(err)
			return k == KindTransient || k == KindTimeout
		}).
		WithFailureThreshold(cfg.Failures).
		WithDelay(cfg.Delay)

	if cfg.OnStateChange != nil {
		name := cfg.Name
		builder = builder.OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			cfg.OnStateChange(name, stateName(e.OldState), stateName(e.NewState))
		})
	}

	return &Breaker{cb: builder.Build(), name: cfg.Name}
}

// Call runs fn through the breaker. While the breaker is open fn is not
// called and a transient failure is returned.
func (b *Breaker) Call(op string, fn func() error) error {
	_, err := failsafe.With[any](b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return Transient(op, err)
	}
	return err
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// IsOpen reports whether calls are currently short-circuited
func (b *Breaker) IsOpen() bool {
	return b.cb.IsOpen()
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Package ratelimit holds one token bucket per outbound collaborator.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter names used by the collaborators
const (
	LimiterLinkedIn  = "linkedin"
	LimiterAnthropic = "anthropic"
	LimiterReddit    = "reddit"
	LimiterRSS       = "rss"
)

var names = []string{LimiterLinkedIn, LimiterAnthropic, LimiterReddit, LimiterRSS}

// ErrUnknownLimiter is returned for a name that was never added
var ErrUnknownLimiter = errors.New("unknown limiter")

// MultiLimiter is a named set of rate.Limiters, safe for concurrent use
type MultiLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*rate.Limiter)}
}

// AddLimiter sets the bucket for name, replacing any earlier one.
// perSecond is the refill rate; burst is the bucket size.
func (m *MultiLimiter) AddLimiter(name string, perSecond float64, burst int) {
	m.set(name, rate.NewLimiter(rate.Limit(perSecond), burst))
}

func (m *MultiLimiter) set(name string, l *rate.Limiter) {
	m.mu.Lock()
	m.limiters[name] = l
	m.mu.Unlock()
}

func (m *MultiLimiter) get(name string) (*rate.Limiter, error) {
	m.mu.RLock()
	l, ok := m.limiters[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLimiter, name)
	}
	return l, nil
}

// Wait blocks until name has a token or ctx ends
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	l, err := m.get(name)
	if err != nil {
		return err
	}
	return l.Wait(ctx)
}

// Allow takes a token for name without blocking. Unknown names are denied.
func (m *MultiLimiter) Allow(name string) bool {
	l, err := m.get(name)
	return err == nil && l.Allow()
}

// Limits configures the per-service budgets. Zero fields take the defaults.
type Limits struct {
	LinkedInRequestsPerDay     int
	AnthropicRequestsPerMinute int
	RedditRequestsPerMinute    int
}

func per(n, fallback int, window time.Duration) rate.Limit {
	if n <= 0 {
		n = fallback
	}
	return rate.Limit(float64(n) / window.Seconds())
}

// New builds a limiter for every collaborator from l
func New(l Limits) *MultiLimiter {
	m := NewMultiLimiter()
	m.set(LimiterLinkedIn, rate.NewLimiter(per(l.LinkedInRequestsPerDay, 100, 24*time.Hour), 5))
	m.set(LimiterAnthropic, rate.NewLimiter(per(l.AnthropicRequestsPerMinute, 10, time.Minute), 2))
	m.set(LimiterReddit, rate.NewLimiter(per(l.RedditRequestsPerMinute, 60, time.Minute), 10))
	// feeds have no published budget
	m.set(LimiterRSS, rate.NewLimiter(rate.Every(time.Second), 10))
	return m
}

// Unlimited allows every known name without waiting. Tests and local runs
// against fakes use it.
func Unlimited() *MultiLimiter {
	m := NewMultiLimiter()
	for _, name := range names {
		m.set(name, rate.NewLimiter(rate.Inf, 1))
	}
	return m
}

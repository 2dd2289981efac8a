package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Default breaker settings when the config section leaves them zero.
const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// Breaker wraps an Invoker with circuit breaker protection. When deliveries
// fail repeatedly the circuit opens and subsequent calls fail fast without
// reaching the endpoint, sparing the retry budget during a sustained outage.
// Disabled by default; the router uses the bare client unless configured.
type Breaker struct {
	inner Invoker
	cb    *gobreaker.CircuitBreaker[string]
}

// NewBreaker wraps inner with a circuit breaker configured by policy.
func NewBreaker(inner Invoker, policy config.BreakerPolicy) *Breaker {
	maxFailures := policy.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := policy.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := policy.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: 1, // single probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Breaker{inner: inner, cb: cb}
}

// Invoke implements Invoker through the circuit breaker.
func (b *Breaker) Invoke(ctx context.Context, snap *config.Snapshot, agent *config.AgentDefinition, transcript []session.Turn) (string, error) {
	reply, err := b.cb.Execute(func() (string, error) {
		return b.inner.Invoke(ctx, snap, agent, transcript)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &Error{
				Agent:    agent.Name,
				Endpoint: agent.Endpoint,
				Attempts: 0,
				Err:      fmt.Errorf("circuit open: %w", err),
			}
		}
		return "", err
	}
	return reply, nil
}

// State returns the current breaker state for monitoring.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

var _ Invoker = (*Breaker)(nil)

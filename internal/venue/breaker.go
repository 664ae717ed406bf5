package venue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"tradegate/internal/apperr"
	"tradegate/internal/policy"
)

// BreakerConfig tunes the circuit breaker around an adapter.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig trips after five consecutive failures and probes again
// after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps an Adapter with a circuit breaker. An open circuit fails fast
// with venue_unavailable instead of hammering a failing venue.
type Breaker struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner with the given breaker settings.
func NewBreaker(inner Adapter, cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue circuit state changed")
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Name implements Adapter.
func (b *Breaker) Name() string { return b.inner.Name() }

// Execute forwards through the circuit breaker.
func (b *Breaker) Execute(ctx context.Context, action policy.Action) (*Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Execute(ctx, action)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Newf(apperr.CodeVenueUnavailable,
				"venue %s circuit open, refusing to forward", b.inner.Name())
		}
		return nil, err
	}
	res, _ := out.(*Result)
	return res, nil
}

package generator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker fails fast after repeated provider errors so the scheduler's
// retries do not pile onto a provider that is down.
type Breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(next Generator, log *zap.Logger) *Breaker {
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "generator",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			IsSuccessful: func(err error) bool {
				// A caller giving up is not a provider failure.
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrDisabled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (b *Breaker) Generate(ctx context.Context, req Request, onToken func(string)) (Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req, onToken)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

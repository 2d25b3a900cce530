// Package extract defines the evidence extraction boundary. Extraction
// itself (OCR, connector parsing, link fetching) is external; the engine
// treats it as a function from an artifact reference to a structured record.
package extract

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/foundersignal/godscore/internal/domain/action"
)

// Extractor produces a structured record from an evidence source.
// Implementations may be synchronous stubs or remote connector clients; a
// returned error never fails evidence intake, it only skips extraction.
type Extractor interface {
	Extract(ctx context.Context, t action.EvidenceType, ref action.Ref) (*action.Extracted, error)
}

// Stub is an extractor that returns an empty record. Evidence submitted
// through it is matched and boosted on type alone.
type Stub struct{}

func (Stub) Extract(ctx context.Context, t action.EvidenceType, ref action.Ref) (*action.Extracted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &action.Extracted{}, nil
}

// Guarded wraps a remote extractor with a circuit breaker and a rate
// limiter. Connector backends flake; the breaker keeps a failing backend
// from stalling every evidence submission in the window.
type Guarded struct {
	inner   Extractor
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// GuardConfig bounds the guarded extractor.
type GuardConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	FailureThreshold  uint32        `yaml:"failure_threshold"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
}

// DefaultGuardConfig returns conservative limits for connector backends.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
	}
}

// NewGuarded wraps inner with breaker and limiter per cfg.
func NewGuarded(inner Extractor, cfg GuardConfig) *Guarded {
	settings := gobreaker.Settings{
		Name:    "evidence_extractor",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("extractor breaker state change")
		},
	}
	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

func (g *Guarded) Extract(ctx context.Context, t action.EvidenceType, ref action.Ref) (*action.Extracted, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Extract(ctx, t, ref)
	})
	if err != nil {
		return nil, err
	}
	return res.(*action.Extracted), nil
}

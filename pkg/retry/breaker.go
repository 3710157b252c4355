package retry

import (
	"time"

	fscb "github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/pkg/metric"
)

// BreakerConfig configures one per-service circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int `json:"successThreshold" yaml:"successThreshold"`
	ResetTimeoutInMS int `json:"resetTimeoutInMs" yaml:"resetTimeoutInMs"`
}

// DefaultBreakerConfig opens after 5 consecutive failures, admits a single
// half-open probe, and waits 30s before probing.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeoutInMS: 30000,
	}
}

// Breaker wraps a failsafe-go circuit breaker for one named service.
// closed: calls pass, consecutive failures count toward the threshold.
// open: calls are rejected until the reset timeout elapses.
// half-open: exactly one probe is admitted; its outcome picks closed or open.
type Breaker struct {
	service string
	breaker fscb.CircuitBreaker[any]
}

func NewBreaker(service string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.ResetTimeoutInMS <= 0 {
		config.ResetTimeoutInMS = DefaultBreakerConfig().ResetTimeoutInMS
	}
	cb := fscb.Builder[any]().
		WithFailureThreshold(uint(config.FailureThreshold)).
		WithSuccessThreshold(uint(config.SuccessThreshold)).
		WithDelay(time.Duration(config.ResetTimeoutInMS) * time.Millisecond).
		OnStateChanged(func(event fscb.StateChangedEvent) {
			log.Info().Msgf("Circuit breaker '%s' changed state from %s to %s", service, event.OldState, event.NewState)
			metric.Incr(metric.BreakerStateChangeCount, []string{
				metric.TagAsString("breaker", service),
				metric.TagAsString("from", event.OldState.String()),
				metric.TagAsString("to", event.NewState.String()),
			})
		}).
		Build()
	return &Breaker{service: service, breaker: cb}
}

// IsAllowed returns true if a call may proceed, acquiring the half-open
// probe permit when applicable.
func (b *Breaker) IsAllowed() bool {
	return b.breaker.TryAcquirePermit()
}

// RecordSuccess records a successful execution.
func (b *Breaker) RecordSuccess() {
	b.breaker.RecordSuccess()
}

// RecordFailure records a failed execution.
func (b *Breaker) RecordFailure() {
	b.breaker.RecordFailure()
}

// State reports closed | open | half-open.
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// RemainingDelay is how long until an open breaker admits a probe.
func (b *Breaker) RemainingDelay() time.Duration {
	return b.breaker.RemainingDelay()
}

// ForceOpen trips the breaker, for operator use.
func (b *Breaker) ForceOpen() {
	b.breaker.Open()
}

// ForceClose resets the breaker to closed with cleared counts.
func (b *Breaker) ForceClose() {
	b.breaker.Close()
}

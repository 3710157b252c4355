package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// Operation is one retryable unit of work.
type Operation func(ctx context.Context) error

// Options select the policy and, optionally, the circuit breaker guarding
// the operation.
type Options struct {
	Policy  string
	Service string
}

// Executor runs operations under named retry policies with per-service
// circuit breakers.
type Executor struct {
	policies *PolicyTable
	breakers *BreakerManager
}

func NewExecutor(policies *PolicyTable, breakers *BreakerManager) *Executor {
	return &Executor{policies: policies, breakers: breakers}
}

// Policies exposes the live policy table.
func (e *Executor) Policies() *PolicyTable {
	return e.policies
}

// Breakers exposes the breaker manager.
func (e *Executor) Breakers() *BreakerManager {
	return e.breakers
}

// Execute runs op at most maxRetries+1 times under the named policy.
// When a service is given, its breaker is consulted before every attempt;
// an open breaker rejects the call immediately with SERVICE_UNAVAILABLE and
// the operation is not invoked. Non-retryable error categories propagate
// without further attempts.
func (e *Executor) Execute(ctx context.Context, op Operation, opts Options) error {
	policy := e.policies.Get(opts.Policy)
	var breaker *Breaker
	if opts.Service != "" {
		breaker = e.breakers.GetOrCreate(opts.Service)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		if breaker != nil && !breaker.IsAllowed() {
			return coorderr.Wrap(coorderr.ErrBreakerOpen, coorderr.CategoryExternalService,
				coorderr.CodeServiceUnavailable, "circuit open for "+opts.Service)
		}

		err := op(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		lastErr = err

		category := coorderr.CategoryOf(err)
		if !policy.Retryable(category) {
			log.Debug().Err(err).
				Str("policy", policy.Name).
				Str("category", string(category)).
				Msg("error category not retryable, giving up")
			return lastErr
		}
		if attempt > policy.MaxRetries {
			break
		}

		delay := policy.DelayFor(attempt)
		log.Debug().Err(err).
			Str("policy", policy.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("operation failed, retrying after backoff")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

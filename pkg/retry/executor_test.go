package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

func fastTable(maxRetries int) *PolicyTable {
	table := NewPolicyTable()
	table.Put(Policy{
		Name:          "fast",
		MaxRetries:    maxRetries,
		BaseDelayInMS: 1,
		MaxDelayInMS:  5,
		Factor:        2,
		NonRetryableCategories: []coorderr.Category{
			coorderr.CategoryValidation,
			coorderr.CategoryAuthorization,
			coorderr.CategoryNotFound,
		},
	})
	return table
}

func TestExecuteCallsExactlyMaxRetriesPlusOne(t *testing.T) {
	e := NewExecutor(fastTable(3), NewBreakerManager(DefaultBreakerConfig()))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return coorderr.New(coorderr.CategoryTimeout, coorderr.CodeServiceUnavailable, "always fails")
	}, Options{Policy: "fast"})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestExecuteZeroRetriesPropagatesFirstFailure(t *testing.T) {
	e := NewExecutor(fastTable(0), NewBreakerManager(DefaultBreakerConfig()))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return coorderr.New(coorderr.CategoryDatabase, coorderr.CodeInternal, "boom")
	}, Options{Policy: "fast"})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, coorderr.CategoryDatabase, coorderr.CategoryOf(err))
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	e := NewExecutor(fastTable(3), NewBreakerManager(DefaultBreakerConfig()))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return coorderr.New(coorderr.CategoryTimeout, coorderr.CodeServiceUnavailable, "transient")
		}
		return nil
	}, Options{Policy: "fast"})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnNonRetryableCategory(t *testing.T) {
	e := NewExecutor(fastTable(5), NewBreakerManager(DefaultBreakerConfig()))

	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return coorderr.New(coorderr.CategoryValidation, coorderr.CodeInvalidRequest, "bad input")
	}, Options{Policy: "fast"})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	table := NewPolicyTable()
	table.Put(Policy{Name: "slow", MaxRetries: 5, BaseDelayInMS: 60000, MaxDelayInMS: 60000, Factor: 2})
	e := NewExecutor(table, NewBreakerManager(DefaultBreakerConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, func(ctx context.Context) error {
			calls++
			return coorderr.New(coorderr.CategoryTimeout, coorderr.CodeServiceUnavailable, "fails")
		}, Options{Policy: "slow"})
	}()
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestExecuteBreakerShortCircuits(t *testing.T) {
	manager := NewBreakerManager(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeoutInMS: 60000})
	e := NewExecutor(fastTable(0), manager)

	calls := 0
	failing := func(ctx context.Context) error {
		calls++
		return coorderr.New(coorderr.CategoryExternalService, coorderr.CodeInternal, "svc down")
	}

	// two failures trip the breaker (threshold 2, zero retries per call)
	_ = e.Execute(context.Background(), failing, Options{Policy: "fast", Service: "svcX"})
	_ = e.Execute(context.Background(), failing, Options{Policy: "fast", Service: "svcX"})
	require.Equal(t, 2, calls)

	err := e.Execute(context.Background(), failing, Options{Policy: "fast", Service: "svcX"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, coorderr.ErrBreakerOpen))
	assert.Equal(t, coorderr.CodeServiceUnavailable, coorderr.CodeOf(err))
	assert.Equal(t, 2, calls, "operation must not run while breaker is open")
}

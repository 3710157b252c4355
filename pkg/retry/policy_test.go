package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

func TestBuiltinPolicyShapes(t *testing.T) {
	builtins := BuiltinPolicies()

	def := builtins[PolicyDefault]
	assert.Equal(t, 3, def.MaxRetries)
	assert.Equal(t, 1000, def.BaseDelayInMS)
	assert.Equal(t, 30000, def.MaxDelayInMS)

	ai := builtins[PolicyAIService]
	assert.Equal(t, 5, ai.MaxRetries)
	assert.Equal(t, 2000, ai.BaseDelayInMS)
	assert.Equal(t, 60000, ai.MaxDelayInMS)

	quick := builtins[PolicyQuick]
	assert.Equal(t, 2, quick.MaxRetries)
	assert.Equal(t, 500, quick.BaseDelayInMS)
	assert.Equal(t, 5000, quick.MaxDelayInMS)
}

func TestDelayForGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelayInMS: 1000, MaxDelayInMS: 30000, Factor: 2}

	assert.Equal(t, 1000*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 2000*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 4000*time.Millisecond, p.DelayFor(3))
	assert.Equal(t, 16000*time.Millisecond, p.DelayFor(5))
	// 1000 * 2^6 = 64000 caps at 30000
	assert.Equal(t, 30000*time.Millisecond, p.DelayFor(7))
	assert.Equal(t, 30000*time.Millisecond, p.DelayFor(20))
}

func TestDelayForJitterBounds(t *testing.T) {
	p := Policy{BaseDelayInMS: 1000, MaxDelayInMS: 30000, Factor: 2, Jitter: true}

	for i := 0; i < 200; i++ {
		d := p.DelayFor(2) // nominal 2000ms
		require.GreaterOrEqual(t, d, 1500*time.Millisecond)
		require.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestRetryableCategorySelection(t *testing.T) {
	p := BuiltinPolicies()[PolicyDefault]

	assert.True(t, p.Retryable(coorderr.CategoryTimeout))
	assert.True(t, p.Retryable(coorderr.CategoryExternalService))
	assert.False(t, p.Retryable(coorderr.CategoryValidation))
	assert.False(t, p.Retryable(coorderr.CategoryNotFound))
	// not in either list, retryable list is non-empty
	assert.False(t, p.Retryable(coorderr.CategoryInternal))

	open := Policy{}
	assert.True(t, open.Retryable(coorderr.CategoryInternal), "empty lists retry everything")
}

func TestPolicyTableFallsBackToDefault(t *testing.T) {
	table := NewPolicyTable()

	got := table.Get("no-such-policy")
	assert.Equal(t, PolicyDefault, got.Name)

	table.Put(Policy{Name: "llm-burst", MaxRetries: 9})
	assert.Equal(t, 9, table.Get("llm-burst").MaxRetries)
}

func TestPolicyTableReplaceKeepsBuiltins(t *testing.T) {
	table := NewPolicyTable()
	table.Replace(map[string]Policy{
		"custom": {MaxRetries: 1, BaseDelayInMS: 10, MaxDelayInMS: 20, Factor: 2},
	})

	assert.Equal(t, "custom", table.Get("custom").Name, "name filled from map key")
	assert.Equal(t, 3, table.Get(PolicyDefault).MaxRetries, "default reseeded")
	assert.Equal(t, 5, table.Get(PolicyAIService).MaxRetries)
}

package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrategyResolutionPrecision(t *testing.T) {
	table := NewStrategyTable(map[string]string{
		"writer-1:nlp:timeout": "skip",
		"writer-1:timeout":     "fallback:cached",
		"timeout":              "retry",
	})

	tests := []struct {
		name     string
		workerID string
		moduleID string
		category string
		want     Strategy
	}{
		{"worker module category wins", "writer-1", "nlp", "timeout", Strategy{Name: StrategySkip}},
		{"worker category next", "writer-1", "render", "timeout", Strategy{Name: StrategyFallback, FallbackMethod: "cached"}},
		{"category rule last", "writer-2", "", "timeout", Strategy{Name: StrategyRetry}},
		{"unmatched falls back to restart", "writer-2", "", "validation", Strategy{Name: StrategyRestart}},
		{"module alone does not match", "", "nlp", "timeout", Strategy{Name: StrategyRetry}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, table.Resolve(tc.workerID, tc.moduleID, tc.category))
		})
	}
}

func TestStrategyFallbackMethodParsing(t *testing.T) {
	assert.Equal(t, Strategy{Name: StrategyFallback, FallbackMethod: "cached-model"}, parseStrategy("fallback:cached-model"))
	assert.Equal(t, Strategy{Name: StrategyFallback, FallbackMethod: ""}, parseStrategy("fallback:"))
	assert.Equal(t, Strategy{Name: StrategyRetry}, parseStrategy("retry"))
}

func TestStrategyReplaceSwapsRules(t *testing.T) {
	table := NewStrategyTable(map[string]string{"timeout": "retry"})
	table.Replace(map[string]string{"validation": "manual"})

	assert.Equal(t, StrategyRestart, table.Resolve("w", "", "timeout").Name)
	assert.Equal(t, StrategyManual, table.Resolve("w", "", "validation").Name)
	assert.Equal(t, map[string]string{"validation": "manual"}, table.Rules())
}

func TestStrategyPutOverwrites(t *testing.T) {
	table := NewStrategyTable(nil)
	table.Put("timeout", "retry")
	table.Put("timeout", "skip")

	assert.Equal(t, StrategySkip, table.Resolve("", "", "timeout").Name)
}

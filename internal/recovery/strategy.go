package recovery

import (
	"strings"
	"sync"
)

// Recovery strategies for failing workers and tasks.
const (
	StrategyRestart  = "restart"
	StrategyRetry    = "retry"
	StrategyDelegate = "delegate"
	StrategySkip     = "skip"
	StrategyFallback = "fallback"
	StrategyManual   = "manual"

	// StrategyResourceOptimization is reported instead of restart when the
	// restart command carries resource tuning.
	StrategyResourceOptimization = "resource_optimization"
)

// Strategy is a resolved rule. Fallback rules may name the alternate
// implementation as "fallback:<method>".
type Strategy struct {
	Name           string
	FallbackMethod string
}

func parseStrategy(raw string) Strategy {
	if method, ok := strings.CutPrefix(raw, StrategyFallback+":"); ok {
		return Strategy{Name: StrategyFallback, FallbackMethod: method}
	}
	return Strategy{Name: raw}
}

// StrategyTable maps failure coordinates to recovery strategies. Rules are
// keyed at three precisions, most specific first:
//
//	worker:module:category
//	worker:category
//	category
//
// Unmatched failures fall back to restart.
type StrategyTable struct {
	mu    sync.RWMutex
	rules map[string]string
}

func NewStrategyTable(rules map[string]string) *StrategyTable {
	t := &StrategyTable{rules: make(map[string]string)}
	for k, v := range rules {
		t.rules[k] = v
	}
	return t
}

// Resolve walks the precision ladder for the failure's coordinates.
func (t *StrategyTable) Resolve(workerID, moduleID, category string) Strategy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if workerID != "" && moduleID != "" {
		if raw, ok := t.rules[workerID+":"+moduleID+":"+category]; ok {
			return parseStrategy(raw)
		}
	}
	if workerID != "" {
		if raw, ok := t.rules[workerID+":"+category]; ok {
			return parseStrategy(raw)
		}
	}
	if raw, ok := t.rules[category]; ok {
		return parseStrategy(raw)
	}
	return Strategy{Name: StrategyRestart}
}

// Put registers or overwrites one rule.
func (t *StrategyTable) Put(key, strategy string) {
	t.mu.Lock()
	t.rules[key] = strategy
	t.mu.Unlock()
}

// Replace swaps the whole rule set, used by dynamic config reloads.
func (t *StrategyTable) Replace(rules map[string]string) {
	next := make(map[string]string, len(rules))
	for k, v := range rules {
		next[k] = v
	}
	t.mu.Lock()
	t.rules = next
	t.mu.Unlock()
}

// Rules returns a copy for the ops surface.
func (t *StrategyTable) Rules() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.rules))
	for k, v := range t.rules {
		out[k] = v
	}
	return out
}

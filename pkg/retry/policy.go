package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// Policy is a named retry policy. Delays are configured in milliseconds to
// stay JSON/YAML friendly for the dynamic-config documents.
type Policy struct {
	Name                   string              `json:"name" yaml:"name"`
	MaxRetries             int                 `json:"maxRetries" yaml:"maxRetries"`
	BaseDelayInMS          int                 `json:"baseDelayInMs" yaml:"baseDelayInMs"`
	MaxDelayInMS           int                 `json:"maxDelayInMs" yaml:"maxDelayInMs"`
	Factor                 float64             `json:"factor" yaml:"factor"`
	Jitter                 bool                `json:"jitter" yaml:"jitter"`
	RetryableCategories    []coorderr.Category `json:"retryableCategories,omitempty" yaml:"retryableCategories,omitempty"`
	NonRetryableCategories []coorderr.Category `json:"nonRetryableCategories,omitempty" yaml:"nonRetryableCategories,omitempty"`
}

// Built-in policy names.
const (
	PolicyDefault   = "default"
	PolicyAIService = "ai-service"
	PolicyQuick     = "quick"
)

// BuiltinPolicies returns the three policies every deployment starts with.
func BuiltinPolicies() map[string]Policy {
	retryable := []coorderr.Category{
		coorderr.CategoryExternalService,
		coorderr.CategoryDatabase,
		coorderr.CategoryTimeout,
		coorderr.CategoryRateLimit,
		coorderr.CategoryMessaging,
	}
	nonRetryable := []coorderr.Category{
		coorderr.CategoryValidation,
		coorderr.CategoryAuthorization,
		coorderr.CategoryNotFound,
	}
	return map[string]Policy{
		PolicyDefault: {
			Name:                   PolicyDefault,
			MaxRetries:             3,
			BaseDelayInMS:          1000,
			MaxDelayInMS:           30000,
			Factor:                 2,
			Jitter:                 true,
			RetryableCategories:    retryable,
			NonRetryableCategories: nonRetryable,
		},
		PolicyAIService: {
			Name:                   PolicyAIService,
			MaxRetries:             5,
			BaseDelayInMS:          2000,
			MaxDelayInMS:           60000,
			Factor:                 2,
			Jitter:                 true,
			RetryableCategories:    retryable,
			NonRetryableCategories: nonRetryable,
		},
		PolicyQuick: {
			Name:                   PolicyQuick,
			MaxRetries:             2,
			BaseDelayInMS:          500,
			MaxDelayInMS:           5000,
			Factor:                 2,
			Jitter:                 false,
			RetryableCategories:    retryable,
			NonRetryableCategories: nonRetryable,
		},
	}
}

// Retryable reports whether an error of the given category may be retried
// under this policy. The non-retryable list always wins; an empty retryable
// list means every remaining category retries.
func (p Policy) Retryable(category coorderr.Category) bool {
	for _, c := range p.NonRetryableCategories {
		if c == category {
			return false
		}
	}
	if len(p.RetryableCategories) == 0 {
		return true
	}
	for _, c := range p.RetryableCategories {
		if c == category {
			return true
		}
	}
	return false
}

// DelayFor computes the backoff before the next attempt:
// min(maxDelay, baseDelay * factor^(attempt-1)), then +-25% jitter if enabled.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(p.BaseDelayInMS) * math.Pow(factor, float64(attempt-1))
	if maxDelay := float64(p.MaxDelayInMS); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if p.Jitter {
		delay = delay * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(delay) * time.Millisecond
}

// PolicyTable is the live policy registry. It starts with the built-ins and
// may be replaced wholesale from dynamic configuration.
type PolicyTable struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewPolicyTable() *PolicyTable {
	return &PolicyTable{policies: BuiltinPolicies()}
}

// Get returns the named policy, falling back to the default policy for
// unknown names.
func (t *PolicyTable) Get(name string) Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[name]; ok {
		return p
	}
	return t.policies[PolicyDefault]
}

// Put registers or replaces one policy.
func (t *PolicyTable) Put(p Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies[p.Name] = p
}

// Replace swaps the whole table. Built-ins missing from the new set are
// re-seeded so the default policy can never disappear.
func (t *PolicyTable) Replace(policies map[string]Policy) {
	next := BuiltinPolicies()
	for name, p := range policies {
		if p.Name == "" {
			p.Name = name
		}
		next[name] = p
	}
	t.mu.Lock()
	t.policies = next
	t.mu.Unlock()
}

// List snapshots all policies, for the ops surface.
func (t *PolicyTable) List() []Policy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	return out
}

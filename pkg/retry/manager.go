package retry

import (
	"sort"
	"sync"
	"time"
)

// BreakerManager owns one circuit breaker per named service.
type BreakerManager struct {
	breakers sync.Map // service → *Breaker
	mu       sync.RWMutex
	config   BreakerConfig
}

func NewBreakerManager(config BreakerConfig) *BreakerManager {
	return &BreakerManager{config: config}
}

// GetOrCreate returns the breaker for service, creating it with the current
// default config on first use.
func (m *BreakerManager) GetOrCreate(service string) *Breaker {
	if b, ok := m.breakers.Load(service); ok {
		return b.(*Breaker)
	}
	m.mu.RLock()
	config := m.config
	m.mu.RUnlock()
	created := NewBreaker(service, config)
	actual, _ := m.breakers.LoadOrStore(service, created)
	return actual.(*Breaker)
}

// UpdateConfig swaps the default config and rebuilds existing breakers with
// it. Rebuilding resets their state to closed.
func (m *BreakerManager) UpdateConfig(config BreakerConfig) {
	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	m.breakers.Range(func(key, _ interface{}) bool {
		m.breakers.Store(key, NewBreaker(key.(string), config))
		return true
	})
}

// Reset force-closes the breaker for service, if one exists.
func (m *BreakerManager) Reset(service string) bool {
	b, ok := m.breakers.Load(service)
	if !ok {
		return false
	}
	b.(*Breaker).ForceClose()
	return true
}

// BreakerStatus is a point-in-time view of one breaker, for the ops surface.
type BreakerStatus struct {
	Service        string        `json:"service"`
	State          string        `json:"state"`
	RemainingDelay time.Duration `json:"remainingDelayMs"`
}

// Snapshot lists all breakers sorted by service name.
func (m *BreakerManager) Snapshot() []BreakerStatus {
	var out []BreakerStatus
	m.breakers.Range(func(key, value interface{}) bool {
		b := value.(*Breaker)
		out = append(out, BreakerStatus{
			Service:        key.(string),
			State:          b.State(),
			RemainingDelay: b.RemainingDelay() / time.Millisecond,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

package ds

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultStripes = 128

// KeyedMutex serializes work per string key using a fixed pool of stripe
// locks. Two keys hashing to the same stripe share a lock; that is acceptable
// for the coordinator's per-workflow and per-worker serialization, where
// contention is rare and correctness only needs mutual exclusion per key.
type KeyedMutex struct {
	stripes []sync.Mutex
	mask    uint32
}

// NewKeyedMutex builds a keyed mutex with the given number of stripes,
// rounded up to the next power of two. stripes <= 0 selects the default.
func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	n := 1
	for n < stripes {
		n <<= 1
	}
	return &KeyedMutex{
		stripes: make([]sync.Mutex, n),
		mask:    uint32(n - 1),
	}
}

// Lock acquires the stripe for key.
func (m *KeyedMutex) Lock(key string) {
	m.stripes[m.index(key)].Lock()
}

// Unlock releases the stripe for key.
func (m *KeyedMutex) Unlock(key string) {
	m.stripes[m.index(key)].Unlock()
}

func (m *KeyedMutex) index(key string) uint32 {
	h := murmur3.New32()
	h.Write([]byte(key))
	return h.Sum32() & m.mask
}

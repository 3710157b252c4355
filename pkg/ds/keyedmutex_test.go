package ds

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(16)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock("wf-1")
			counter++
			m.Unlock("wf-1")
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestKeyedMutexStableIndex(t *testing.T) {
	m := NewKeyedMutex(64)
	assert.Equal(t, m.index("worker-a"), m.index("worker-a"))
}

func TestKeyedMutexRoundsUpStripes(t *testing.T) {
	m := NewKeyedMutex(33)
	assert.Len(t, m.stripes, 64)

	def := NewKeyedMutex(0)
	assert.Len(t, def.stripes, defaultStripes)
}

package pmwcas

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpoch_EnterLeave(t *testing.T) {
	e := NewEpoch()
	assert.Equal(t, uint32(1), e.Current())

	g := e.Enter()
	e.Advance()
	assert.Equal(t, uint32(2), e.Current())
	g.Leave()
}

func TestEpoch_DeferWaitsForGuards(t *testing.T) {
	e := NewEpoch()

	var freed atomic.Bool
	g := e.Enter()
	e.Defer(func() { freed.Store(true) })

	// The active guard pins the retirement epoch.
	e.Advance()
	e.Collect()
	assert.False(t, freed.Load())

	g.Leave()
	e.Advance()
	e.Collect()
	assert.True(t, freed.Load())
}

func TestEpoch_DeferRunsWithoutGuards(t *testing.T) {
	e := NewEpoch()

	var freed atomic.Bool
	e.Defer(func() { freed.Store(true) })
	e.Advance()
	e.Collect()
	assert.True(t, freed.Load())
}

func TestEpoch_CollectThreshold(t *testing.T) {
	e := NewEpoch()

	var count atomic.Int32
	for range collectThreshold + 1 {
		e.Defer(func() { count.Add(1) })
	}
	// Crossing the threshold advances and collects automatically.
	assert.Positive(t, count.Load())
}

func TestEpoch_ConcurrentGuards(t *testing.T) {
	e := NewEpoch()

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				g := e.Enter()
				g.Leave()
			}
		}()
	}
	wg.Wait()

	// All slots drained.
	for i := range e.slots {
		require.Equal(t, uint64(0), e.slots[i].epoch.Load())
	}
}

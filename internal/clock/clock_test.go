package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_Tick(t *testing.T) {
	c := New()

	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
	assert.Equal(t, uint64(2), c.Current())
}

func TestClock_Witness(t *testing.T) {
	t.Run("AdvancesPastReceived", func(t *testing.T) {
		c := New()
		c.Tick() // 1

		got := c.Witness(10)
		assert.Equal(t, uint64(11), got)
		assert.GreaterOrEqual(t, c.Current(), uint64(10))
	})

	t.Run("IgnoresStaleStamp", func(t *testing.T) {
		c := NewAt(20)

		got := c.Witness(5)
		assert.Equal(t, uint64(21), got)
	})

	t.Run("NeverDecreases", func(t *testing.T) {
		c := New()
		prev := uint64(0)
		stamps := []uint64{3, 1, 7, 7, 2, 100, 50}
		for _, s := range stamps {
			got := c.Witness(s)
			assert.Greater(t, got, prev)
			assert.Greater(t, got, s)
			prev = got
		}
	})
}

func TestClock_ConcurrentTicks(t *testing.T) {
	c := New()
	const workers = 8
	const ticks = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ticks; j++ {
				c.Tick()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(workers*ticks), c.Current())
}

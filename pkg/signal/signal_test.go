package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueGetSet(t *testing.T) {
	v := NewValue(0.0)
	assert.Equal(t, 0.0, v.Get())
	v.Set(0.5)
	assert.Equal(t, 0.5, v.Get())
	assert.Equal(t, uint64(1), v.Version())

	got := v.Update(func(p float64) float64 { return p + 0.25 })
	assert.Equal(t, 0.75, got)
	assert.Equal(t, 0.75, v.Get())
}

func TestSubscriptionLatestWins(t *testing.T) {
	v := NewValue("idle")
	sub := v.Subscribe()
	defer sub.Close()

	require.Equal(t, "idle", <-sub.C())

	v.Set("one")
	v.Set("two")
	v.Set("three")
	assert.Equal(t, "three", <-sub.C())

	select {
	case val := <-sub.C():
		t.Fatalf("unexpected extra value %q", val)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	v := NewValue(1)
	sub := v.Subscribe()
	sub.Close()
	sub.Close()
	v.Set(2)

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestConcurrentSetters(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Update(func(n int) int { return n + 1 })
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, v.Get())
	assert.Equal(t, 1600, <-sub.C())
}

package ocbot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntakeGuard_TryBeginProcessing(t *testing.T) {
	t.Parallel()
	g := NewIntakeGuard(time.Minute)

	assert.True(t, g.TryBeginProcessing("m1"))
	assert.False(t, g.TryBeginProcessing("m1"))
	assert.True(t, g.Processing("m1"))
	assert.True(t, g.TryBeginProcessing("m2"))
	assert.Equal(t, 2, g.Len())

	g.EndProcessing("m1")
	assert.False(t, g.Processing("m1"))
	assert.True(t, g.TryBeginProcessing("m1"))
}

func TestIntakeGuard_EndUnknown(t *testing.T) {
	t.Parallel()
	g := NewIntakeGuard(time.Minute)

	g.EndProcessing("unknown")
	assert.Equal(t, 0, g.Len())

	assert.True(t, g.TryBeginProcessing("m1"))
	g.EndProcessing("m1")
	g.EndProcessing("m1")
	assert.Equal(t, 0, g.Len())
}

func TestIntakeGuard_Timeout(t *testing.T) {
	t.Parallel()
	g := NewIntakeGuard(50 * time.Millisecond)

	assert.True(t, g.TryBeginProcessing("m1"))
	assert.Eventually(
		t,
		func() bool {
			return !g.Processing("m1")
		},
		time.Second,
		10*time.Millisecond,
	)
	assert.True(t, g.TryBeginProcessing("m1"))
}

func TestIntakeGuard_StaleTimer(t *testing.T) {
	t.Parallel()
	g := NewIntakeGuard(100 * time.Millisecond)

	assert.True(t, g.TryBeginProcessing("m1"))
	g.mu.Lock()
	first := g.entries["m1"]
	g.mu.Unlock()

	g.EndProcessing("m1")
	assert.True(t, g.TryBeginProcessing("m1"))

	// a timer firing for the released entry must not remove the new one
	g.expire("m1", first)
	assert.True(t, g.Processing("m1"))
}

func TestIntakeGuard_Concurrent(t *testing.T) {
	t.Parallel()
	g := NewIntakeGuard(time.Minute)

	var started atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryBeginProcessing("m1") {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), started.Load())

	for i := 0; i < 10; i++ {
		assert.True(t, g.TryBeginProcessing(fmt.Sprintf("e_%d", i)))
	}
	assert.Equal(t, 11, g.Len())
}

package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_DefaultsToEpoch(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock(Epoch)

	got := c.Advance(5 * time.Second)
	assert.Equal(t, Epoch.Add(5*time.Second), got)
	assert.Equal(t, got, c.Now())

	// Never runs backwards
	c.Advance(-time.Hour)
	assert.Equal(t, got, c.Now())
	c.Set(Epoch)
	assert.Equal(t, got, c.Now())

	c.Set(Epoch.Add(time.Minute))
	assert.Equal(t, Epoch.Add(time.Minute), c.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	c := NewManualClock(Epoch)
	const goroutines = 50

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Millisecond), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("tkn")
	assert.Equal(t, "tkn-1", g.Generate())
	assert.Equal(t, "tkn-2", g.Generate())
	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}

func TestFixedIDs(t *testing.T) {
	g := NewFixedIDs("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

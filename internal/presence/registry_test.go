package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewRegistry(5*time.Minute, clock, nil), clock
}

func TestRegistry_ActiveUsersSorted(t *testing.T) {
	r, _ := newTestRegistry()
	r.MarkActive("u2")
	r.MarkActive("u1")
	r.MarkActive("")

	assert.Equal(t, []string{"u1", "u2"}, r.ActiveUsers())
}

func TestRegistry_ExpiresAfterTimeout(t *testing.T) {
	r, clock := newTestRegistry()
	r.MarkActive("u1")

	clock.Advance(5 * time.Minute)
	assert.True(t, r.IsActive("u1"), "exactly at the timeout is still active")

	clock.Advance(time.Second)
	assert.False(t, r.IsActive("u1"))
	assert.Empty(t, r.ActiveUsers())
}

func TestRegistry_MarkActiveRefreshes(t *testing.T) {
	r, clock := newTestRegistry()
	r.MarkActive("u1")
	clock.Advance(4 * time.Minute)
	r.MarkActive("u1")
	clock.Advance(4 * time.Minute)

	assert.Equal(t, []string{"u1"}, r.ActiveUsers())
}

func TestRegistry_ClearInactive(t *testing.T) {
	r, clock := newTestRegistry()
	r.MarkActive("old1")
	r.MarkActive("old2")
	clock.Advance(6 * time.Minute)
	r.MarkActive("fresh")

	assert.Equal(t, 2, r.ClearInactive())
	assert.Equal(t, 0, r.ClearInactive())
	assert.Equal(t, []string{"fresh"}, r.ActiveUsers())
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := fmt.Sprintf("u%d", i%5)
			r.MarkActive(uid)
			_ = r.ActiveUsers()
			_ = r.IsActive(uid)
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.ActiveUsers(), 5)
}

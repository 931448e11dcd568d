package upbit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances only when the limiter sleeps, so tests stay instant.
type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
}

func newTestLimiter(rate int) (*Limiter, *fakeClock) {
	clock := &fakeClock{current: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(rate)
	l.now = clock.now
	l.sleep = clock.sleep
	return l, clock
}

func TestAcquireWithinRateNeverSleeps(t *testing.T) {
	l, clock := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		l.Acquire(GroupTicker)
	}
	assert.Empty(t, clock.slept)
}

func TestAcquireBlocksUntilWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		l.Acquire(GroupTicker)
		clock.current = clock.current.Add(100 * time.Millisecond)
	}

	// Fourth call must wait out the remainder of the oldest event's second.
	l.Acquire(GroupTicker)
	assert.NotEmpty(t, clock.slept)
	var total time.Duration
	for _, d := range clock.slept {
		total += d
	}
	assert.GreaterOrEqual(t, total, 700*time.Millisecond)
}

func TestAcquireGroupsAreIndependent(t *testing.T) {
	l, clock := newTestLimiter(2)

	l.Acquire(GroupTicker)
	l.Acquire(GroupTicker)
	l.Acquire(GroupOrderbook)
	l.Acquire(GroupOrderbook)
	l.Acquire(GroupMarket)
	assert.Empty(t, clock.slept)
}

func TestObserveRemainingBacksOffWhenNearlyExhausted(t *testing.T) {
	l, clock := newTestLimiter(8)

	l.ObserveRemaining("group=ticker; min=599; sec=1")
	assert.Len(t, clock.slept, 1)
	assert.GreaterOrEqual(t, clock.slept[0], 150*time.Millisecond)
	assert.Less(t, clock.slept[0], 350*time.Millisecond)
}

func TestObserveRemainingIgnoresHealthyBudget(t *testing.T) {
	l, clock := newTestLimiter(8)

	l.ObserveRemaining("group=ticker; min=599; sec=9")
	l.ObserveRemaining("")
	l.ObserveRemaining("garbage header")
	assert.Empty(t, clock.slept)
}

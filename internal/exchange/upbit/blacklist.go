package upbit

import (
	"sync"
	"time"
)

// Blacklist is the time-boxed symbol cool-down populated by repeated order
// failures. Entries expire on read.
type Blacklist struct {
	mu      sync.Mutex
	until   map[string]time.Time
	now     func() time.Time
	cooloff time.Duration
}

// NewBlacklist creates a blacklist with the given cool-down window.
func NewBlacklist(cooloff time.Duration) *Blacklist {
	if cooloff <= 0 {
		cooloff = 600 * time.Second
	}
	return &Blacklist{
		until:   make(map[string]time.Time),
		now:     time.Now,
		cooloff: cooloff,
	}
}

// Add puts a symbol into cool-down.
func (b *Blacklist) Add(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.until[symbol] = b.now().Add(b.cooloff)
}

// Blocked reports whether the symbol is still cooling down.
func (b *Blacklist) Blocked(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.until[symbol]
	if !ok {
		return false
	}
	if b.now().After(deadline) {
		delete(b.until, symbol)
		return false
	}
	return true
}

// RemainingSec returns the seconds left in the symbol's cool-down, zero when
// not blocked.
func (b *Blacklist) RemainingSec(symbol string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.until[symbol]
	if !ok {
		return 0
	}
	remaining := deadline.Sub(b.now())
	if remaining <= 0 {
		delete(b.until, symbol)
		return 0
	}
	return int(remaining.Seconds())
}

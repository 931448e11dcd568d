package upbit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// Endpoint groups with independent rate buckets.
const (
	GroupTicker    = "ticker"
	GroupOrderbook = "orderbook"
	GroupMarket    = "market"
)

// Limiter enforces a sliding one-second window per endpoint group. Acquire
// blocks until a slot frees up. When the exchange's Remaining-Req header
// reports one or zero calls left in the current second, the bucket backs off
// an extra 150-350ms.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int

	now   func() time.Time
	sleep func(time.Duration)
	rng   *rand.Rand
}

type bucket struct {
	events []time.Time
}

// NewLimiter creates a limiter permitting ratePerSec events per group.
func NewLimiter(ratePerSec int) *Limiter {
	if ratePerSec <= 0 {
		ratePerSec = 8
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    ratePerSec,
		now:     time.Now,
		sleep:   time.Sleep,
		rng:     rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
	}
}

// Acquire blocks until the group's window has a free slot, then records the
// event.
func (l *Limiter) Acquire(group string) {
	for {
		l.mu.Lock()
		b := l.buckets[group]
		if b == nil {
			b = &bucket{}
			l.buckets[group] = b
		}

		now := l.now()
		cutoff := now.Add(-time.Second)
		kept := b.events[:0]
		for _, t := range b.events {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		b.events = kept

		if len(b.events) < l.rate {
			b.events = append(b.events, now)
			l.mu.Unlock()
			return
		}

		wait := time.Second - now.Sub(b.events[0])
		l.mu.Unlock()
		if wait < 5*time.Millisecond {
			wait = 5 * time.Millisecond
		}
		l.sleep(wait)
	}
}

// ObserveRemaining parses a Remaining-Req header value such as
// "group=ticker; min=599; sec=9" and backs off when the per-second remainder
// is nearly exhausted.
func (l *Limiter) ObserveRemaining(header string) {
	if header == "" {
		return
	}
	sec := -1
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "sec="); ok {
			if n, err := strconv.Atoi(v); err == nil {
				sec = n
			}
		}
	}
	if sec < 0 || sec > 1 {
		return
	}

	l.mu.Lock()
	delay := 150 + l.rng.Intn(200)
	l.mu.Unlock()
	l.sleep(time.Duration(delay) * time.Millisecond)
}

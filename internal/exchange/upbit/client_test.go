package upbit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoGetRetryTakesLimiterSlotPerAttempt(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"market": "KRW-BTC", "korean_name": "비트코인"}]`)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, RatePerSec: 10, MaxRetry: 4}, zerolog.Nop())
	c.sleep = func(time.Duration) {}

	markets, err := c.Markets()
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, 2, requests)

	// The 429 retry hit the wire a second time, so it consumed a second
	// slot in the group's window.
	c.limiter.mu.Lock()
	defer c.limiter.mu.Unlock()
	require.NotNil(t, c.limiter.buckets[GroupMarket])
	assert.Len(t, c.limiter.buckets[GroupMarket].events, 2)
}

func TestDoGetGivesUpAfterMaxRetry(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, RatePerSec: 10, MaxRetry: 3}, zerolog.Nop())
	c.sleep = func(time.Duration) {}

	_, err := c.Markets()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, requests)

	c.limiter.mu.Lock()
	defer c.limiter.mu.Unlock()
	assert.Len(t, c.limiter.buckets[GroupMarket].events, 3)
}

package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateWeightedSum(t *testing.T) {
	a := NewAggregator(nil)

	res := a.Aggregate("KRW-ETH", map[string]float64{
		"tp":     80,
		"vcb":    60,
		"regime": 70,
		"lsr":    50,
		"lf":     40,
	}, nil)

	// 80*.30 + 60*.25 + 70*.20 + 50*.15 + 40*.10 = 64.5
	assert.InDelta(t, 64.5, res.TotalScore, 1e-9)
	assert.InDelta(t, 24.0, res.WeightedScores["tp"], 1e-9)
	assert.InDelta(t, 15.0, res.WeightedScores["vcb"], 1e-9)
	// First observation: nothing to smooth against.
	assert.Equal(t, res.TotalScore, res.SmoothedScore)
}

func TestAggregateSmoothing(t *testing.T) {
	a := NewAggregator(map[string]float64{"tp": 1.0})

	first := a.Aggregate("KRW-ETH", map[string]float64{"tp": 100}, nil)
	assert.Equal(t, 100.0, first.SmoothedScore)

	second := a.Aggregate("KRW-ETH", map[string]float64{"tp": 50}, nil)
	assert.InDelta(t, 0.3*50+0.7*100, second.SmoothedScore, 1e-9)

	// Histories are per symbol.
	other := a.Aggregate("KRW-XRP", map[string]float64{"tp": 50}, nil)
	assert.Equal(t, 50.0, other.SmoothedScore)
}

func TestAggregateHistoryCap(t *testing.T) {
	a := NewAggregator(map[string]float64{"tp": 1.0})

	for i := 0; i < 25; i++ {
		a.Aggregate("KRW-ETH", map[string]float64{"tp": float64(i)}, nil)
	}
	assert.Len(t, a.history["KRW-ETH"], 10)
	assert.Equal(t, 24.0, a.history["KRW-ETH"][9])
}

func TestAggregateReasonCodes(t *testing.T) {
	a := NewAggregator(nil)

	res := a.Aggregate("KRW-ETH", map[string]float64{"tp": 10}, map[string][]string{
		"tp":  {"UPTREND", "FIB_PULLBACK"},
		"vcb": {"UPTREND", "BREAKOUT_UP"},
	})
	assert.Equal(t, []string{"BREAKOUT_UP", "FIB_PULLBACK", "UPTREND"}, res.ReasonCodes)
}

func TestUpdateWeightsAndReset(t *testing.T) {
	a := NewAggregator(nil)
	a.Aggregate("KRW-ETH", map[string]float64{"tp": 100}, nil)

	a.UpdateWeights(map[string]float64{"tp": 0.5})
	res := a.Aggregate("KRW-XRP", map[string]float64{"tp": 100}, nil)
	assert.InDelta(t, 50.0, res.TotalScore, 1e-9)
	// Untouched weights survive the overlay.
	assert.InDelta(t, 0.25, a.weights["vcb"], 1e-9)

	a.Reset()
	assert.Empty(t, a.history)
}

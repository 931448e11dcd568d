package scoring

import "sort"

// DefaultWeights is the weighted-sum allocation across the five sub-scores.
var DefaultWeights = map[string]float64{
	"tp":     0.30,
	"vcb":    0.25,
	"regime": 0.20,
	"lsr":    0.15,
	"lf":     0.10,
}

const (
	emaAlpha   = 0.3
	historyLen = 10
)

// AggregateResult carries the weighted total and its smoothed form. The
// smoothed score is what entry gating reads.
type AggregateResult struct {
	TotalScore     float64
	SmoothedScore  float64
	WeightedScores map[string]float64
	ReasonCodes    []string
}

// Aggregator combines sub-scores into a weighted sum and EMA-smooths the
// result over the last ten observations per symbol. Not safe for concurrent
// use; each worker owns one.
type Aggregator struct {
	weights map[string]float64
	history map[string][]float64
}

// NewAggregator creates an aggregator. nil weights use the defaults.
func NewAggregator(weights map[string]float64) *Aggregator {
	if weights == nil {
		weights = DefaultWeights
	}
	copied := make(map[string]float64, len(weights))
	for k, v := range weights {
		copied[k] = v
	}
	return &Aggregator{
		weights: copied,
		history: make(map[string][]float64),
	}
}

// Aggregate folds one observation into the symbol's score history.
func (a *Aggregator) Aggregate(symbol string, scores map[string]float64, reasonCodes map[string][]string) AggregateResult {
	total := 0.0
	weighted := make(map[string]float64, len(scores))
	for module, score := range scores {
		w := a.weights[module]
		weighted[module] = score * w
		total += score * w
	}

	history := append(a.history[symbol], total)
	if len(history) > historyLen {
		history = history[len(history)-historyLen:]
	}
	a.history[symbol] = history

	smoothed := total
	if len(history) > 1 {
		smoothed = emaAlpha*total + (1-emaAlpha)*history[len(history)-2]
	}

	return AggregateResult{
		TotalScore:     total,
		SmoothedScore:  smoothed,
		WeightedScores: weighted,
		ReasonCodes:    dedupe(reasonCodes),
	}
}

// UpdateWeights overlays new weights on the current set.
func (a *Aggregator) UpdateWeights(weights map[string]float64) {
	for k, v := range weights {
		a.weights[k] = v
	}
}

// Reset drops the score history, forcing fresh smoothing.
func (a *Aggregator) Reset() {
	a.history = make(map[string][]float64)
}

func dedupe(reasonCodes map[string][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, codes := range reasonCodes {
		for _, code := range codes {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	sort.Strings(out)
	return out
}

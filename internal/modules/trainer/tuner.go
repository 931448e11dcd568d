package trainer

import (
	"math"

	"golang.org/x/exp/rand"
)

const tuneTrials = 60

// FloatRange is an inclusive continuous search interval.
type FloatRange struct {
	Lo, Hi float64
}

// ParamSpace describes the hyperparameter search space: continuous ranges
// plus the discrete topn choice set.
type ParamSpace struct {
	Floats      map[string]FloatRange
	TopNChoices []int
}

// DefaultParamSpace covers the five feature weights, the penalty weight,
// the score threshold, the regime policy multiplier, and topn.
func DefaultParamSpace() ParamSpace {
	return ParamSpace{
		Floats: map[string]FloatRange{
			"weight_tp":                {0.5, 1.5},
			"weight_vcb":               {0.5, 1.5},
			"weight_lsr":               {0.5, 1.5},
			"weight_lf":                {0.5, 1.5},
			"weight_regime":            {0.5, 1.5},
			"penalty_weight":           {0.0, 1.0},
			"score_threshold":          {0.0, 1.0},
			"regime_policy_multiplier": {0.5, 1.5},
		},
		TopNChoices: []int{3, 5, 7, 10},
	}
}

type trial struct {
	params map[string]float64
	score  float64
}

// tpeOptimizer is a simplified Tree-structured Parzen Estimator: the first
// trial samples uniformly, later trials sample near the mean of good prior
// trials (score above zero) when both good and bad trials exist.
type tpeOptimizer struct {
	space     ParamSpace
	trials    []trial
	bestScore float64
	bestPar   map[string]float64
	rng       *rand.Rand
}

func newTPEOptimizer(space ParamSpace, seed uint64) *tpeOptimizer {
	return &tpeOptimizer{
		space:     space,
		bestScore: math.Inf(-1),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (o *tpeOptimizer) suggest() map[string]float64 {
	if len(o.trials) == 0 {
		return o.randomSample()
	}

	var good, bad []trial
	for _, t := range o.trials {
		if t.score > 0 {
			good = append(good, t)
		} else {
			bad = append(bad, t)
		}
	}
	if len(good) > 0 && len(bad) > 0 {
		return o.sampleNearGood(good)
	}
	return o.randomSample()
}

func (o *tpeOptimizer) randomSample() map[string]float64 {
	params := make(map[string]float64, len(o.space.Floats)+1)
	for key, r := range o.space.Floats {
		params[key] = r.Lo + o.rng.Float64()*(r.Hi-r.Lo)
	}
	if len(o.space.TopNChoices) > 0 {
		params["topn"] = float64(o.space.TopNChoices[o.rng.Intn(len(o.space.TopNChoices))])
	}
	return params
}

func (o *tpeOptimizer) sampleNearGood(good []trial) map[string]float64 {
	params := make(map[string]float64, len(o.space.Floats)+1)
	for key, r := range o.space.Floats {
		sum, n := 0.0, 0
		for _, t := range good {
			if v, ok := t.params[key]; ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			params[key] = r.Lo + o.rng.Float64()*(r.Hi-r.Lo)
			continue
		}
		v := sum/float64(n) + (o.rng.Float64()*0.2 - 0.1)
		params[key] = clampFloat(v, r.Lo, r.Hi)
	}

	if len(o.space.TopNChoices) > 0 {
		sum, n := 0.0, 0
		for _, t := range good {
			if v, ok := t.params["topn"]; ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			params["topn"] = float64(o.space.TopNChoices[o.rng.Intn(len(o.space.TopNChoices))])
		} else {
			v := math.Round(sum/float64(n)) + float64(o.rng.Intn(5)-2)
			lo := float64(o.space.TopNChoices[0])
			hi := float64(o.space.TopNChoices[len(o.space.TopNChoices)-1])
			params["topn"] = clampFloat(v, lo, hi)
		}
	}
	return params
}

func (o *tpeOptimizer) update(params map[string]float64, score float64) {
	o.trials = append(o.trials, trial{params: params, score: score})
	if score > o.bestScore {
		o.bestScore = score
		o.bestPar = params
	}
}

func clampFloat(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

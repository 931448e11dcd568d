package trainer

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/krwquant/ats/internal/domain"
)

const (
	feeRate      = 0.0005
	slippageRate = 0.001
)

// Metrics are the evaluation gate inputs, computed over labeled snapshots
// net of the round-trip cost 2*fee + 2*slippage.
type Metrics struct {
	E           float64 `json:"E"`
	Sharpe      float64 `json:"Sharpe"`
	Q05         float64 `json:"Q05"`
	Q01         float64 `json:"Q01"`
	MAEMean     float64 `json:"MAE_mean"`
	MAE95       float64 `json:"MAE_95"`
	SPD         float64 `json:"SPD"`
	SampleCount int     `json:"sample_count"`
}

// CalculateMetrics computes gate metrics from labeled snapshots. Returns
// nil when no 240-minute returns are available yet.
func CalculateMetrics(snapshots []domain.FeatureSnapshot) *Metrics {
	roundTripCost := 2*feeRate + 2*slippageRate

	var returns240, mae []float64
	for _, s := range snapshots {
		if s.LabelRet240m != nil {
			returns240 = append(returns240, *s.LabelRet240m-roundTripCost)
		}
		if s.LabelMAE240m != nil {
			mae = append(mae, *s.LabelMAE240m)
		}
	}
	if len(returns240) == 0 {
		return nil
	}

	mean := stat.Mean(returns240, nil)
	sd := stat.PopStdDev(returns240, nil)
	sharpe := 0.0
	if sd > 0 {
		sharpe = mean / sd
	}

	sorted := append([]float64(nil), returns240...)
	sort.Float64s(sorted)
	q05 := stat.Quantile(0.05, stat.LinInterp, sorted, nil)
	q01 := stat.Quantile(0.01, stat.LinInterp, sorted, nil)

	maeMean, mae95 := 0.0, 0.0
	if len(mae) > 0 {
		maeSorted := append([]float64(nil), mae...)
		sort.Float64s(maeSorted)
		maeMean = stat.Mean(maeSorted, nil)
		mae95 = stat.Quantile(0.95, stat.LinInterp, maeSorted, nil)
	}

	// One sample per hour assumed for the signals-per-day estimate.
	days := float64(len(snapshots)) / 24
	if days < 1 {
		days = 1
	}
	spd := float64(len(snapshots)) / days

	return &Metrics{
		E:           mean,
		Sharpe:      sharpe,
		Q05:         q05,
		Q01:         q01,
		MAEMean:     maeMean,
		MAE95:       mae95,
		SPD:         spd,
		SampleCount: len(returns240),
	}
}

// EvaluateGate applies the promotion gate. REJECT fires on any hard-fail
// condition, PASS requires every pass condition, everything else is HOLD.
func EvaluateGate(m *Metrics) (string, string) {
	if m == nil {
		return "REJECT", "평가 지표 없음"
	}

	if m.E < -0.05 {
		return "REJECT", fmt.Sprintf("평균 수익률 %.2f%% < -5%%", m.E*100)
	}
	if m.Sharpe < -1.0 {
		return "REJECT", fmt.Sprintf("Sharpe ratio %.2f < -1.0", m.Sharpe)
	}
	if m.Q01 < -0.10 {
		return "REJECT", fmt.Sprintf("Q01 %.2f%% < -10%%", m.Q01*100)
	}
	if m.SampleCount < 100 {
		return "REJECT", fmt.Sprintf("샘플 수 %d < 100", m.SampleCount)
	}

	if m.E > 0.01 && m.Sharpe > 0.5 && m.Q05 > -0.03 {
		return "PASS", "모든 PASS 조건 충족"
	}
	return "HOLD", "추가 검증 필요"
}

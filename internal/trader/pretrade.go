package trader

import "fmt"

const defaultLiquidityMaxRatio = 0.3

// Checker runs the ordered entry checklist. Gating is on base score, not
// the weighted final score.
type Checker struct {
	EntryThreshold    float64
	LiquidityMaxRatio float64
}

// NewChecker creates a checker with the strategy's entry threshold.
func NewChecker(entryThreshold float64) *Checker {
	return &Checker{
		EntryThreshold:    entryThreshold,
		LiquidityMaxRatio: defaultLiquidityMaxRatio,
	}
}

// CheckInput is one candidate's checklist evidence.
type CheckInput struct {
	Symbol           string
	BaseScore        float64
	Regime           string
	ExpectedOrderKRW float64
	AvgDepth5KRW     float64
	RemainingBudget  float64
	PerTradeRisk     float64
	HeldSymbols      map[string]bool
	AllowHeld        bool
	APIHealthy       bool
}

// CheckAll evaluates every rule and returns the full ordered list of
// failures; empty means pass.
func (c *Checker) CheckAll(in CheckInput) (bool, []string) {
	var failed []string

	if in.BaseScore < c.EntryThreshold {
		failed = append(failed, fmt.Sprintf("점수 부족 (%.1f < %v)", in.BaseScore, c.EntryThreshold))
	}

	if in.Regime == "PANIC" || in.Regime == "CHOP" {
		failed = append(failed, fmt.Sprintf("레짐 차단 (%s)", in.Regime))
	}

	if in.AvgDepth5KRW > 0 {
		ratio := in.ExpectedOrderKRW / in.AvgDepth5KRW
		if ratio > c.LiquidityMaxRatio {
			failed = append(failed, fmt.Sprintf("유동성 부족 (ratio: %.2f > %v)", ratio, c.LiquidityMaxRatio))
		}
	} else {
		failed = append(failed, "유동성 데이터 없음")
	}

	if in.RemainingBudget < in.PerTradeRisk {
		failed = append(failed, fmt.Sprintf("예산 부족 (%.0f < %.0f)", in.RemainingBudget, in.PerTradeRisk))
	}

	if !in.AllowHeld && in.HeldSymbols[in.Symbol] {
		failed = append(failed, "동일 심볼 중복 포지션")
	}

	if !in.APIHealthy {
		failed = append(failed, "API 상태 불량")
	}

	return len(failed) == 0, failed
}

package safety

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/traders"
	"github.com/krwquant/ats/internal/notify"
)

// Service layers alerting and trader lookups over the safety repository.
// Block semantics: ENTRY orders are suppressed while blocked, EXIT orders
// still pass so positions can always be unwound.
type Service struct {
	repo                 *Repository
	traderRepo           *traders.Repository
	notifier             notify.Notifier
	dailyLossLimitPct    float64
	consecutiveLossLimit int
	log                  zerolog.Logger
}

// NewService creates a new safety service
func NewService(repo *Repository, traderRepo *traders.Repository, notifier notify.Notifier, dailyLossLimitPct float64, consecutiveLossLimit int, log zerolog.Logger) *Service {
	return &Service{
		repo:                 repo,
		traderRepo:           traderRepo,
		notifier:             notifier,
		dailyLossLimitPct:    dailyLossLimitPct,
		consecutiveLossLimit: consecutiveLossLimit,
		log:                  log.With().Str("service", "safety").Logger(),
	}
}

// Get returns the safety state for one trader. A missing row reads as an
// unblocked zero state.
func (s *Service) Get(traderName string) (*domain.TraderSafetyState, error) {
	state, err := s.repo.Get(traderName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return &domain.TraderSafetyState{TraderName: traderName}, nil
	}
	return state, nil
}

// List returns all safety rows.
func (s *Service) List() ([]domain.TraderSafetyState, error) {
	return s.repo.List()
}

// UpdatePnL records a realized loss and maintains the trader's cumulative
// PnL. The daily limit derives from the trader's seed capital.
func (s *Service) UpdatePnL(traderName string, lossKRW float64, consecutive bool) (*UpdatePnLResult, error) {
	var dailyLimitKRW float64
	trader, err := s.traderRepo.Get(traderName)
	if err == nil && trader.SeedKRW != nil {
		dailyLimitKRW = *trader.SeedKRW * s.dailyLossLimitPct
	}

	result, err := s.repo.UpdatePnL(traderName, lossKRW, consecutive, dailyLimitKRW, s.consecutiveLossLimit)
	if err != nil {
		return nil, err
	}

	if lossKRW != 0 {
		if err := s.traderRepo.AddPnL(traderName, -lossKRW); err != nil {
			s.log.Warn().Err(err).Str("trader", traderName).Msg("Failed to update trader pnl")
		}
	}

	if result.Tripped {
		s.notifier.Send(notify.LevelCritical, fmt.Sprintf("[%s] 블록: %s", traderName, result.BlockReason))
	}
	return result, nil
}

// CheckSlippage compares the expected and actual fill price; anomalies
// beyond 0.5 percent count toward the trip threshold of 3.
func (s *Service) CheckSlippage(traderName string, expectedPrice, actualPrice float64) (bool, error) {
	anomaly, tripped, count, slippagePct, err := s.repo.RecordSlippage(traderName, expectedPrice, actualPrice, 0.5)
	if err != nil {
		return false, err
	}
	if !anomaly {
		return false, nil
	}

	if tripped {
		s.notifier.Send(notify.LevelCritical,
			fmt.Sprintf("[%s] 블록: Slippage 이상 감지 %d회 (최근: %.2f%%)", traderName, count, slippagePct))
	} else {
		s.notifier.Send(notify.LevelWarn,
			fmt.Sprintf("[%s] Slippage 이상 감지: %.2f%%", traderName, slippagePct))
	}
	return true, nil
}

// RecordAPIError counts one exchange API failure.
func (s *Service) RecordAPIError(traderName string) error {
	tripped, count, err := s.repo.RecordAPIError(traderName)
	if err != nil {
		return err
	}
	if tripped {
		s.notifier.Send(notify.LevelCritical,
			fmt.Sprintf("[%s] 블록: API 에러 %d회 연속 발생", traderName, count))
	}
	return nil
}

// RecordDBError counts one control-store failure.
func (s *Service) RecordDBError(traderName string) error {
	tripped, count, err := s.repo.RecordDBError(traderName)
	if err != nil {
		return err
	}
	if tripped {
		s.notifier.Send(notify.LevelCritical,
			fmt.Sprintf("[%s] 블록: DB 에러 %d회 연속 발생", traderName, count))
	}
	return nil
}

// EntryBlockedByErrors applies the soft thresholds: sustained API or DB
// errors suppress new entries before the hard block trips.
func (s *Service) EntryBlockedByErrors(traderName string) (bool, string, error) {
	state, err := s.repo.Get(traderName)
	if err != nil {
		return false, "", err
	}
	if state == nil {
		return false, "", nil
	}

	if state.APIErrorCount >= 3 {
		return true, fmt.Sprintf("API 장애 감지 (%d회)", state.APIErrorCount), nil
	}
	if state.DBErrorCount >= 2 {
		return true, fmt.Sprintf("DB 장애 감지 (%d회)", state.DBErrorCount), nil
	}
	return false, "", nil
}

// PanicBlock applies the PANIC auto-block, once per episode per trader.
func (s *Service) PanicBlock(traderName string) (bool, error) {
	tripped, err := s.repo.Block(traderName, "PANIC 레짐 자동 차단")
	if err != nil {
		return false, err
	}
	if tripped {
		s.notifier.Send(notify.LevelCritical, fmt.Sprintf("[%s] PANIC 레짐으로 인한 자동 차단", traderName))
	}
	return tripped, nil
}

// Reset clears the block and all counters (admin action).
func (s *Service) Reset(traderName string) error {
	if err := s.repo.Reset(traderName); err != nil {
		return err
	}
	s.notifier.Send(notify.LevelInfo, fmt.Sprintf("[%s] Runtime Guard 블록 해제됨", traderName))
	return nil
}

// ResetDailyCounters zeroes every trader's daily loss accumulator.
func (s *Service) ResetDailyCounters() error {
	return s.repo.ResetDailyCounters()
}

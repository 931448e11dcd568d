package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/safety"
	"github.com/krwquant/ats/internal/modules/traders"
	"github.com/krwquant/ats/internal/notify"
)

const (
	paperSoakPeriod    = 24 * time.Hour
	redeployCooldown   = 24 * time.Hour
	baselineWindowDays = 14

	rollbackNetReturn = -0.02
	driftWarnLimit    = 3

	driftSharpeRatio = 0.7
	driftMeanRatio   = 0.5
)

// TransitionError is a rejected lifecycle transition, reported to the caller
// as HTTP 400.
type TransitionError struct {
	Message string
}

func (e *TransitionError) Error() string { return e.Message }

// Evaluator computes gate metrics for a strategy's latest labeled snapshots.
// The trainer provides the implementation.
type Evaluator interface {
	EvaluateStrategy(strategyID string) (status string, message string, metricsJSON string, err error)
}

// Service drives the model lifecycle state machine. Deployment soaks in
// PAPER for 24 hours before the model may go live, and any rollback trigger
// during that window returns it to DRAFT.
type Service struct {
	repo                 *Repository
	traderRepo           *traders.Repository
	safetyRepo           *safety.Repository
	evaluator            Evaluator
	notifier             notify.Notifier
	consecutiveLossLimit int
	log                  zerolog.Logger
}

// NewService creates a new model lifecycle service
func NewService(repo *Repository, traderRepo *traders.Repository, safetyRepo *safety.Repository, evaluator Evaluator, notifier notify.Notifier, consecutiveLossLimit int, log zerolog.Logger) *Service {
	return &Service{
		repo:                 repo,
		traderRepo:           traderRepo,
		safetyRepo:           safetyRepo,
		evaluator:            evaluator,
		notifier:             notifier,
		consecutiveLossLimit: consecutiveLossLimit,
		log:                  log.With().Str("service", "models").Logger(),
	}
}

// Create registers a new DRAFT model version.
func (s *Service) Create(strategyID, version, metricsJSON string) (*domain.ModelVersion, error) {
	return s.repo.Create(strategyID, version, metricsJSON)
}

// Get returns one model version.
func (s *Service) Get(id int64) (*domain.ModelVersion, error) {
	return s.repo.Get(id)
}

// List returns model versions, newest first.
func (s *Service) List(strategyID string, limit int) ([]domain.ModelVersion, error) {
	return s.repo.List(strategyID, limit)
}

// Validate runs the evaluation gate over the model's strategy snapshots.
// PASS advances DRAFT to VALIDATED; REJECT and HOLD leave it in DRAFT.
func (s *Service) Validate(id int64) (string, string, error) {
	m, err := s.repo.Get(id)
	if err != nil {
		return "", "", err
	}
	if m.Status != domain.ModelDraft {
		return "", "", &TransitionError{Message: fmt.Sprintf("DRAFT 상태에서만 검증 가능 (현재: %s)", m.Status)}
	}

	status, message, metricsJSON, err := s.evaluator.EvaluateStrategy(m.StrategyID)
	if err != nil {
		return "", "", err
	}

	if metricsJSON != "" {
		if err := s.repo.SetMetrics(id, metricsJSON); err != nil {
			return "", "", err
		}
	}
	if status == "PASS" {
		if err := s.repo.SetStatus(id, domain.ModelValidated); err != nil {
			return "", "", err
		}
	}

	s.log.Info().Int64("model_id", id).Str("strategy", m.StrategyID).
		Str("gate", status).Str("message", message).Msg("Model validation gate")
	return status, message, nil
}

// Deploy moves a VALIDATED model into PAPER_DEPLOYED, subject to the
// per-strategy redeploy cooldown, and pins a fresh drift baseline.
func (s *Service) Deploy(id int64) error {
	m, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if m.Status != domain.ModelValidated {
		return &TransitionError{Message: fmt.Sprintf("VALIDATED 상태에서만 배포 가능 (현재: %s)", m.Status)}
	}

	last, err := s.repo.LastDeployedAt(m.StrategyID)
	if err != nil {
		return err
	}
	if last != nil {
		elapsed := time.Since(*last)
		if elapsed < redeployCooldown {
			remaining := int((redeployCooldown - elapsed).Seconds())
			return &TransitionError{Message: fmt.Sprintf("재배포 쿨다운 %d초 남음", remaining)}
		}
	}

	now := time.Now().UTC()
	if err := s.repo.MarkDeployed(id, now); err != nil {
		return err
	}
	windowStart := now.AddDate(0, 0, -baselineWindowDays)
	if err := s.repo.PinBaseline(m.StrategyID, id, m.MetricsJSON, windowStart, now); err != nil {
		return err
	}

	s.notifier.Send(notify.LevelInfo,
		fmt.Sprintf("[%s] 모델 %s PAPER 배포 시작 (24시간 검증)", m.StrategyID, m.Version))
	s.log.Info().Int64("model_id", id).Str("strategy", m.StrategyID).Msg("Model deployed to paper")
	return nil
}

// CheckEligible applies the 24h auto-promotion rule to a PAPER_DEPLOYED
// model. Any rollback trigger fires first and returns the model to DRAFT.
// Returns the resulting status.
func (s *Service) CheckEligible(id int64) (string, error) {
	m, err := s.repo.Get(id)
	if err != nil {
		return "", err
	}
	if m.Status != domain.ModelPaperDeployed {
		return m.Status, &TransitionError{Message: fmt.Sprintf("PAPER_DEPLOYED 상태에서만 승격 확인 가능 (현재: %s)", m.Status)}
	}

	if reason, trigger := s.rollbackTrigger(m); trigger {
		if err := s.Rollback(id, reason); err != nil {
			return "", err
		}
		return domain.ModelDraft, nil
	}

	if m.DeployedAt == nil || time.Since(*m.DeployedAt) < paperSoakPeriod {
		return domain.ModelPaperDeployed, nil
	}

	if err := s.repo.SetStatus(id, domain.ModelLiveEligible); err != nil {
		return "", err
	}
	s.notifier.Send(notify.LevelInfo,
		fmt.Sprintf("[%s] 모델 %s LIVE 전환 가능 (24시간 검증 통과)", m.StrategyID, m.Version))
	return domain.ModelLiveEligible, nil
}

// rollbackTrigger checks the three auto-rollback conditions in order:
// 24h net return, accumulated drift warnings, consecutive losses on any
// same-strategy trader.
func (s *Service) rollbackTrigger(m *domain.ModelVersion) (string, bool) {
	metrics, err := s.repo.LatestMetrics24h(m.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64("model_id", m.ID).Msg("Failed to read 24h metrics")
	} else if metrics != nil && metrics.NetReturn24h < rollbackNetReturn {
		return fmt.Sprintf("AUTO_ROLLBACK: 24시간 수익률 %.2f%% < -2%%", metrics.NetReturn24h*100), true
	}

	baseline, err := s.repo.GetBaseline(m.StrategyID)
	if err != nil {
		s.log.Warn().Err(err).Str("strategy", m.StrategyID).Msg("Failed to read baseline")
	} else if baseline != nil && baseline.DriftWarnCount >= driftWarnLimit {
		return fmt.Sprintf("AUTO_ROLLBACK: 드리프트 경고 %d회", baseline.DriftWarnCount), true
	}

	losses, trader := s.maxConsecutiveLosses(m.StrategyID)
	if losses >= s.consecutiveLossLimit {
		return fmt.Sprintf("AUTO_ROLLBACK: 연속 손실 %d회 (%s)", losses, trader), true
	}
	return "", false
}

// maxConsecutiveLosses finds the worst consecutive-loss streak among the
// strategy's traders.
func (s *Service) maxConsecutiveLosses(strategyID string) (int, string) {
	list, err := s.traderRepo.List()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to list traders")
		return 0, ""
	}

	worst := 0
	worstTrader := ""
	for i := range list {
		if list[i].Strategy != strategyID {
			continue
		}
		state, err := s.safetyRepo.Get(list[i].Name)
		if err != nil || state == nil {
			continue
		}
		if state.ConsecutiveLosses > worst {
			worst = state.ConsecutiveLosses
			worstTrader = list[i].Name
		}
	}
	return worst, worstTrader
}

// Arm moves a LIVE_ELIGIBLE model to LIVE_ARMED.
func (s *Service) Arm(id int64) error {
	m, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if m.Status != domain.ModelLiveEligible {
		return &TransitionError{Message: fmt.Sprintf("LIVE_ELIGIBLE 상태에서만 ARM 가능 (현재: %s)", m.Status)}
	}

	if err := s.repo.SetStatus(id, domain.ModelLiveArmed); err != nil {
		return err
	}
	s.notifier.Send(notify.LevelWarn,
		fmt.Sprintf("[%s] 모델 %s LIVE ARMED", m.StrategyID, m.Version))
	return nil
}

// Rollback returns a model to DRAFT from any state, records the reason, and
// raises a CRITICAL alert.
func (s *Service) Rollback(id int64, reason string) error {
	m, err := s.repo.Get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "수동 롤백"
	}

	if err := s.repo.MarkRolledBack(id, time.Now().UTC(), reason); err != nil {
		return err
	}
	s.notifier.Send(notify.LevelCritical,
		fmt.Sprintf("[%s] 모델 %s 롤백: %s", m.StrategyID, m.Version, reason))
	s.log.Warn().Int64("model_id", id).Str("reason", reason).Msg("Model rolled back")
	return nil
}

type baselineMetrics struct {
	Sharpe     float64 `json:"sharpe"`
	MeanReturn float64 `json:"mean_return"`
}

// CheckDrift compares current performance against the pinned baseline and
// bumps the warn counter when either the Sharpe or the mean return has
// degraded past its ratio threshold. Returns drifted and the counter.
func (s *Service) CheckDrift(strategyID string, currentSharpe, currentMean float64) (bool, int, error) {
	baseline, err := s.repo.GetBaseline(strategyID)
	if err != nil {
		return false, 0, err
	}
	if baseline == nil {
		return false, 0, nil
	}

	var ref baselineMetrics
	if err := json.Unmarshal([]byte(baseline.BaselineMetricsJSON), &ref); err != nil {
		s.log.Warn().Err(err).Str("strategy", strategyID).Msg("Unparseable baseline metrics")
		return false, baseline.DriftWarnCount, nil
	}

	drifted := false
	if ref.Sharpe > 0 && currentSharpe < driftSharpeRatio*ref.Sharpe {
		drifted = true
	}
	if ref.MeanReturn > 0 && currentMean < driftMeanRatio*ref.MeanReturn {
		drifted = true
	}

	count, err := s.repo.RecordDriftCheck(strategyID, drifted)
	if err != nil {
		return drifted, 0, err
	}
	if drifted {
		s.notifier.Send(notify.LevelWarn,
			fmt.Sprintf("[%s] 드리프트 경고 %d회 (Sharpe %.2f, mean %.4f)", strategyID, count, currentSharpe, currentMean))
	}
	return drifted, count, nil
}

// RecordMetrics24h stores one rolling performance observation for a model.
func (s *Service) RecordMetrics24h(m domain.ModelMetrics24h) error {
	return s.repo.AppendMetrics24h(m)
}

// SweepPaperDeployed runs CheckEligible over every PAPER_DEPLOYED model.
// Called from the hourly scheduler.
func (s *Service) SweepPaperDeployed() {
	list, err := s.repo.ListByStatus(domain.ModelPaperDeployed)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list paper-deployed models")
		return
	}
	for i := range list {
		if _, err := s.CheckEligible(list[i].ID); err != nil {
			s.log.Warn().Err(err).Int64("model_id", list[i].ID).Msg("Eligibility sweep failed")
		}
	}
}

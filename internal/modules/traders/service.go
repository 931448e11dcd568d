package traders

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/events"
	"github.com/krwquant/ats/internal/notify"
)

// TransitionError carries the HTTP-visible message for a rejected lifecycle
// transition (LIVE before ARM, ARM inside the protection window, and so on).
type TransitionError struct {
	Message string
}

func (e *TransitionError) Error() string { return e.Message }

// Service applies trader lifecycle rules on top of the repository.
type Service struct {
	repo              *Repository
	eventRepo         *events.Repository
	notifier          notify.Notifier
	paperProtectHours int
	log               zerolog.Logger
}

// NewService creates a new trader service
func NewService(repo *Repository, eventRepo *events.Repository, notifier notify.Notifier, paperProtectHours int, log zerolog.Logger) *Service {
	return &Service{
		repo:              repo,
		eventRepo:         eventRepo,
		notifier:          notifier,
		paperProtectHours: paperProtectHours,
		log:               log.With().Str("service", "traders").Logger(),
	}
}

// ProtectRemainingSec returns how many seconds of the PAPER protection
// window remain for a trader. Zero means LIVE transitions are allowed.
func (s *Service) ProtectRemainingSec(t *domain.Trader) int {
	return s.protectRemainingAt(t, time.Now().UTC())
}

func (s *Service) protectRemainingAt(t *domain.Trader, now time.Time) int {
	if t.PaperStartedAt == nil {
		return 0
	}
	deadline := t.PaperStartedAt.Add(time.Duration(s.paperProtectHours) * time.Hour)
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// Create registers a new trader. Run mode is always PAPER at creation and
// the protection clock starts immediately.
func (s *Service) Create(name, strategy, riskMode string, seedKRW *float64, credentialName *string) error {
	exists, err := s.repo.Exists(name)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyExists
	}

	err = s.repo.Create(domain.Trader{
		Name:           name,
		Strategy:       strategy,
		RiskMode:       riskMode,
		SeedKRW:        seedKRW,
		CredentialName: credentialName,
	})
	if err != nil {
		return err
	}

	seed := 0.0
	if seedKRW != nil {
		seed = *seedKRW
	}
	s.appendEvent(name, "INFO", "trader",
		fmt.Sprintf("created (strategy=%s, risk=%s, seed=%.0f)", strategy, riskMode, seed))
	return nil
}

// Get returns a trader by name.
func (s *Service) Get(name string) (*domain.Trader, error) {
	return s.repo.Get(name)
}

// List returns all traders.
func (s *Service) List() ([]domain.Trader, error) {
	return s.repo.List()
}

// Run transitions a trader to RUN in the requested mode. LIVE requires an
// elapsed protection window and a prior ARM.
func (s *Service) Run(name, runMode string) error {
	t, err := s.repo.Get(name)
	if err != nil {
		return err
	}

	if runMode == domain.RunModeLive {
		if remaining := s.ProtectRemainingSec(t); remaining > 0 {
			return &TransitionError{Message: fmt.Sprintf("PAPER 보호기간 %d초 남음. LIVE 전환 불가.", remaining)}
		}
		if t.ArmedAt == nil {
			return &TransitionError{Message: "ARM 먼저 필요합니다. POST /api/traders/{name}/arm"}
		}
	} else if runMode != domain.RunModePaper {
		return &TransitionError{Message: fmt.Sprintf("unknown run_mode: %s", runMode)}
	}

	containerName := fmt.Sprintf("ats-trader-%s", name)
	if err := s.repo.SetRunState(name, runMode, domain.StatusRun, &containerName); err != nil {
		return err
	}

	s.appendEvent(name, "INFO", "trader", fmt.Sprintf("started %s (%s)", containerName, runMode))
	if runMode == domain.RunModeLive {
		s.notifier.Send(notify.LevelWarn, fmt.Sprintf("[%s] LIVE 모드로 전환되었습니다.", name))
	}
	return nil
}

// Arm authorizes a later PAPER to LIVE transition. Idempotent once armed.
func (s *Service) Arm(name string) (*time.Time, bool, error) {
	t, err := s.repo.Get(name)
	if err != nil {
		return nil, false, err
	}

	if remaining := s.ProtectRemainingSec(t); remaining > 0 {
		return nil, false, &TransitionError{Message: fmt.Sprintf("PAPER 보호기간 %d초 남음. ARM 불가.", remaining)}
	}
	if t.ArmedAt != nil {
		return t.ArmedAt, true, nil
	}

	armedAt := time.Now().UTC()
	if err := s.repo.SetArmedAt(name, armedAt); err != nil {
		return nil, false, err
	}

	s.appendEvent(name, "WARN", "trader", "ARMED — LIVE 전환 준비 완료")
	s.notifier.Send(notify.LevelWarn, fmt.Sprintf("[%s] ARMED — LIVE 전환이 허용되었습니다.", name))
	return &armedAt, false, nil
}

// Stop halts a trader. The worker observes STOP on its next iteration.
func (s *Service) Stop(name string) error {
	t, err := s.repo.Get(name)
	if err != nil {
		return err
	}

	if err := s.repo.SetStatus(name, domain.StatusStop); err != nil {
		return err
	}

	s.appendEvent(name, "INFO", "trader", "stopped")
	s.notifier.Send(notify.LevelInfo, fmt.Sprintf("[%s] STOPPED", t.Name))
	return nil
}

// Delete removes a trader row entirely.
func (s *Service) Delete(name string) error {
	return s.repo.Delete(name)
}

// Heartbeat stamps the trader's liveness timestamp.
func (s *Service) Heartbeat(name string) error {
	return s.repo.Heartbeat(name, time.Now().UTC())
}

// AddPnL accumulates realized PnL for a trader.
func (s *Service) AddPnL(name string, pnlKRW float64) error {
	return s.repo.AddPnL(name, pnlKRW)
}

func (s *Service) appendEvent(traderName, level, kind, message string) {
	err := s.eventRepo.Append(domain.Event{
		TraderName: &traderName,
		Level:      level,
		Kind:       kind,
		Message:    message,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("trader", traderName).Msg("Failed to append event")
	}
}

package regimes

import (
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/krwquant/ats/internal/domain"
	"github.com/krwquant/ats/internal/modules/events"
	"github.com/krwquant/ats/internal/notify"
)

// Service applies regime gating rules and Thompson sampling over the
// stored bandit posterior.
type Service struct {
	repo      *Repository
	eventRepo *events.Repository
	notifier  notify.Notifier
	rngSrc    rand.Source
	log       zerolog.Logger
}

// NewService creates a new regime service. A nil rng source means the
// default gonum source; tests inject a seeded one.
func NewService(repo *Repository, eventRepo *events.Repository, notifier notify.Notifier, rngSrc rand.Source, log zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		eventRepo: eventRepo,
		notifier:  notifier,
		rngSrc:    rngSrc,
		log:       log.With().Str("service", "regimes").Logger(),
	}
}

// AppendSnapshot records a classification sample. Entering PANIC from any
// other regime fires a once-per-episode CRITICAL alert.
func (s *Service) AppendSnapshot(snap domain.RegimeSnapshot) error {
	prev, err := s.repo.Current(snap.Market)
	if err != nil {
		return err
	}

	if err := s.repo.AppendSnapshot(snap); err != nil {
		return err
	}

	err = s.eventRepo.Append(domain.Event{
		Level:   "INFO",
		Kind:    "regime",
		Message: fmt.Sprintf("%s %s conf=%.2f", snap.Market, snap.RegimeLabel, snap.Confidence),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to append regime event")
	}

	if snap.RegimeLabel == domain.RegimePanic && (prev == nil || prev.RegimeLabel != domain.RegimePanic) {
		s.notifier.Send(notify.LevelCritical,
			fmt.Sprintf("PANIC 레짐 감지 (%s, conf=%.2f) — 신규 진입 차단, 포지션 축소 모드", snap.Market, snap.Confidence))
	}
	return nil
}

// Current returns the most recent snapshot for a market.
func (s *Service) Current(market string) (*domain.RegimeSnapshot, error) {
	return s.repo.Current(market)
}

// ListSnapshots returns the most recent snapshots.
func (s *Service) ListSnapshots(limit int) ([]domain.RegimeSnapshot, error) {
	return s.repo.ListSnapshots(limit)
}

// RegimeWeight applies the confidence-scaled weight formula:
//
//	applied = 1 + (w - 1) * (score / 100)
//
// CHOP and PANIC return 0 regardless of the base weight, which hard-blocks
// new entries. When regimeScore is negative the current snapshot's
// confidence is used (or 50 when the label does not match).
func (s *Service) RegimeWeight(market, regimeLabel string, baseWeight, regimeScore float64) (float64, error) {
	if regimeLabel == domain.RegimeChop || regimeLabel == domain.RegimePanic {
		return 0.0, nil
	}

	if regimeScore < 0 {
		current, err := s.repo.Current(market)
		if err != nil {
			return 0, err
		}
		if current != nil && current.RegimeLabel == regimeLabel {
			regimeScore = current.Confidence * 100
		} else {
			regimeScore = 50.0
		}
	}

	return 1 + (baseWeight-1)*(regimeScore/100), nil
}

// EntryBlocked reports whether new entries are forbidden for a market and
// the operator-facing reason.
func (s *Service) EntryBlocked(market string) (bool, string, error) {
	current, err := s.repo.Current(market)
	if err != nil {
		return false, "", err
	}
	if current == nil {
		return false, "", nil
	}

	switch current.RegimeLabel {
	case domain.RegimeChop:
		return true, "CHOP 레짐: 신규 진입 금지", nil
	case domain.RegimePanic:
		return true, "PANIC 레짐: 신규 진입 금지", nil
	}
	return false, "", nil
}

// ShouldReducePosition reports whether the reduce-only branch applies.
// Only PANIC forces position reduction.
func (s *Service) ShouldReducePosition(market string) (bool, error) {
	current, err := s.repo.Current(market)
	if err != nil {
		return false, err
	}
	return current != nil && current.RegimeLabel == domain.RegimePanic, nil
}

// BanditWeight Thompson-samples the stored Beta posterior and rescales the
// draw into [0.5, 1.5]. A missing arm samples as the neutral weight 1.0.
func (s *Service) BanditWeight(regime, strategyID string) (float64, error) {
	row, err := s.repo.GetBandit(regime, strategyID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 1.0, nil
	}

	dist := distuv.Beta{Alpha: row.Alpha, Beta: row.Beta, Src: s.rngSrc}
	return 0.5 + dist.Rand(), nil
}

// UpdateBandit records one realized outcome for an arm.
func (s *Service) UpdateBandit(regime, strategyID string, rewardPositive bool) error {
	return s.repo.UpdateBandit(regime, strategyID, rewardPositive)
}

// SeedDefaults ensures every regime has a bandit row for the default
// strategy so sampling at planning time always finds an arm.
func (s *Service) SeedDefaults(strategyID string) error {
	return s.repo.SeedBandits(domain.AllRegimes, strategyID)
}

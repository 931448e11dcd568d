// Package main is the entry point for the trainer loop: a thin periodic
// driver that asks the control store to scan, label, evaluate, and tune
// for its strategy.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/krwquant/ats/internal/config"
	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	interval := time.Duration(cfg.TrainerIntervalSec) * time.Second
	log.Info().Str("strategy", cfg.TrainerStrategyID).Dur("interval", interval).Msg("Starting trainer loop")

	control := controlclient.New(cfg.DashboardAPIBase, cfg.APIKey, log)

	stop := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		close(stop)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runCycle(control, cfg.TrainerStrategyID, log)
	for {
		select {
		case <-stop:
			log.Info().Msg("Trainer loop stopped")
			return
		case <-ticker.C:
			runCycle(control, cfg.TrainerStrategyID, log)
		}
	}
}

// runCycle performs one scan/label/evaluate/tune pass. Each step failing
// only skips its dependents; the loop itself never dies.
func runCycle(control *controlclient.Client, strategyID string, log zerolog.Logger) {
	log.Info().Msg("Trainer cycle started")

	scan, err := control.RunScan(strategyID, nil, 0)
	if err != nil {
		log.Error().Err(err).Msg("Scan failed")
	} else {
		log.Info().Int64("scan_run_id", scan.ScanRunID).Int("snapshots", scan.SnapshotCount).Msg("Scan complete")
		if err := control.UpdateLabels(scan.ScanRunID); err != nil {
			log.Error().Err(err).Msg("Label update failed")
		}
	}

	status, reason, err := control.Evaluate(strategyID)
	if err != nil {
		log.Error().Err(err).Msg("Evaluation failed")
	} else {
		log.Info().Str("status", status).Str("reason", reason).Msg("Evaluation complete")
	}

	best, err := control.Tune(strategyID)
	if err != nil {
		log.Error().Err(err).Msg("Tuning failed")
		return
	}
	log.Info().Interface("best_params", best).Msg("Tuning complete")
}

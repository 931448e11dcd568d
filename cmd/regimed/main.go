// Package main is the entry point for the regime engine: it samples
// market-wide indicators on a cadence, classifies the current regime, and
// pushes snapshots to the control store.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krwquant/ats/internal/config"
	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
	"github.com/krwquant/ats/internal/regime"
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
	log.Info().Str("market", cfg.RegimeMarket).Msg("Starting regime engine")

	exchange := upbit.NewClient(upbit.ClientOptions{
		RatePerSec:      cfg.UpbitGroupRPS,
		ChunkSize:       cfg.UpbitBatchChunkSize,
		MaxRetry:        cfg.UpbitAPIMaxRetry,
		CallIntervalSec: cfg.UpbitOHLCVCallIntervalSec,
	}, log)
	control := controlclient.New(cfg.DashboardAPIBase, cfg.APIKey, log)

	engine := regime.NewEngine(exchange, control, cfg.RegimeMarket,
		time.Duration(cfg.RegimeIntervalSec)*time.Second, log)

	stop := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		close(stop)
	}()

	engine.Run(stop)
	log.Info().Msg("Regime engine stopped")
}

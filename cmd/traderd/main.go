// Package main is the entry point for one trader worker process. One
// process per configured trader; the supervisor passes the trader's name
// through the environment.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/krwquant/ats/internal/config"
	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
	"github.com/krwquant/ats/internal/trader"
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
	log.Info().Str("trader", cfg.TraderName).Msg("Starting trader worker")

	exchange := upbit.NewClient(upbit.ClientOptions{
		RatePerSec:      cfg.UpbitGroupRPS,
		ChunkSize:       cfg.UpbitBatchChunkSize,
		MaxRetry:        cfg.UpbitAPIMaxRetry,
		CallIntervalSec: cfg.UpbitOHLCVCallIntervalSec,
	}, log)
	control := controlclient.New(cfg.DashboardAPIBase, cfg.APIKey, log)

	worker := trader.NewWorker(trader.WorkerOptions{
		TraderName:       cfg.TraderName,
		Interval:         time.Duration(cfg.TradingIntervalSec) * time.Second,
		StartupJitterMax: time.Duration(cfg.TraderStartupJitterSec) * time.Second,
		TradingEnabled:   true,
	}, control, exchange, log)

	stop := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		close(stop)
	}()

	worker.Run(stop)
	log.Info().Msg("Trader worker stopped")
}

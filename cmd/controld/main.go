// Package main is the entry point for the control store: the authoritative
// persistence and safety plane that trader workers, the regime engine, and
// the trainer all talk to over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/krwquant/ats/internal/config"
	"github.com/krwquant/ats/internal/crypto"
	"github.com/krwquant/ats/internal/database"
	"github.com/krwquant/ats/internal/exchange/upbit"
	"github.com/krwquant/ats/internal/modules/configs"
	configshandlers "github.com/krwquant/ats/internal/modules/configs/handlers"
	"github.com/krwquant/ats/internal/modules/credentials"
	credentialshandlers "github.com/krwquant/ats/internal/modules/credentials/handlers"
	"github.com/krwquant/ats/internal/modules/events"
	eventshandlers "github.com/krwquant/ats/internal/modules/events/handlers"
	"github.com/krwquant/ats/internal/modules/models"
	modelshandlers "github.com/krwquant/ats/internal/modules/models/handlers"
	"github.com/krwquant/ats/internal/modules/regimes"
	regimeshandlers "github.com/krwquant/ats/internal/modules/regimes/handlers"
	"github.com/krwquant/ats/internal/modules/safety"
	safetyhandlers "github.com/krwquant/ats/internal/modules/safety/handlers"
	"github.com/krwquant/ats/internal/modules/traders"
	tradershandlers "github.com/krwquant/ats/internal/modules/traders/handlers"
	"github.com/krwquant/ats/internal/modules/trades"
	tradeshandlers "github.com/krwquant/ats/internal/modules/trades/handlers"
	"github.com/krwquant/ats/internal/modules/trainer"
	trainerhandlers "github.com/krwquant/ats/internal/modules/trainer/handlers"
	"github.com/krwquant/ats/internal/notify"
	"github.com/krwquant/ats/internal/server"
	"github.com/krwquant/ats/pkg/logger"
)

// defaultStrategyID always gets bandit rows so the five regimes are
// samplable before any trader is configured.
const defaultStrategyID = "standard"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting control store")

	db, err := database.New(database.Config{
		Path:    cfg.DatabaseURL,
		Profile: database.ProfileStandard,
		Name:    "control",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	encryptor, err := crypto.New(cfg.CryptoMasterKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryptor")
	}

	notifier := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, log)

	// Repositories
	eventRepo := events.NewRepository(db.Conn(), log)
	credentialRepo := credentials.NewRepository(db.Conn(), encryptor, log)
	traderRepo := traders.NewRepository(db.Conn(), log)
	regimeRepo := regimes.NewRepository(db.Conn(), log)
	safetyRepo := safety.NewRepository(db.Conn(), log)
	tradeRepo := trades.NewRepository(db.Conn(), log)
	configRepo := configs.NewRepository(db.Conn(), log)
	modelRepo := models.NewRepository(db.Conn(), log)
	trainerRepo := trainer.NewRepository(db.Conn(), log)

	// The trainer scans through the public exchange endpoints; no
	// credentials are involved server-side.
	exchange := upbit.NewClient(upbit.ClientOptions{
		RatePerSec:      cfg.UpbitGroupRPS,
		ChunkSize:       cfg.UpbitBatchChunkSize,
		MaxRetry:        cfg.UpbitAPIMaxRetry,
		CallIntervalSec: cfg.UpbitOHLCVCallIntervalSec,
	}, log)

	// Services
	traderService := traders.NewService(traderRepo, eventRepo, notifier, cfg.PaperProtectHours, log)
	regimeService := regimes.NewService(regimeRepo, eventRepo, notifier, rand.NewSource(uint64(time.Now().UnixNano())), log)
	safetyService := safety.NewService(safetyRepo, traderRepo, notifier, cfg.DailyLossLimitPct, cfg.ConsecutiveLossLimit, log)
	trainerService := trainer.NewService(trainerRepo, exchange, log)
	modelService := models.NewService(modelRepo, traderRepo, safetyRepo, trainerService, notifier, cfg.ConsecutiveLossLimit, log)

	// Bandit rows must exist for every reachable (regime, strategy) pair.
	seedBandits(regimeService, traderRepo, log)

	// Scheduled maintenance: daily guard reset, hourly paper-deploy sweep.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("0 0 * * *", func() {
		if err := safetyService.ResetDailyCounters(); err != nil {
			log.Error().Err(err).Msg("Daily safety reset failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule daily safety reset")
	}
	if _, err := scheduler.AddFunc("@hourly", modelService.SweepPaperDeployed); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule model sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Log:     log,
		DB:      db,
		Config:  cfg,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Modules: []server.RouteRegistrar{
			eventshandlers.NewEventHandlers(eventRepo, log),
			credentialshandlers.NewCredentialHandlers(credentialRepo, log),
			tradershandlers.NewTraderHandlers(traderService, log),
			regimeshandlers.NewRegimeHandlers(regimeService, log),
			safetyhandlers.NewSafetyHandlers(safetyService, log),
			tradeshandlers.NewTradeHandlers(tradeRepo, log),
			configshandlers.NewConfigHandlers(configRepo, log),
			modelshandlers.NewModelHandlers(modelService, log),
			trainerhandlers.NewTrainerHandlers(trainerService, log),
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Control store stopped")
}

// seedBandits ensures Beta(1,1) rows for the default strategy and every
// configured trader's strategy.
func seedBandits(regimeService *regimes.Service, traderRepo *traders.Repository, log zerolog.Logger) {
	strategies := map[string]bool{defaultStrategyID: true}
	if traderList, err := traderRepo.List(); err != nil {
		log.Error().Err(err).Msg("Trader list for bandit seeding failed")
	} else {
		for _, t := range traderList {
			if t.Strategy != "" {
				strategies[t.Strategy] = true
			}
		}
	}
	for strategyID := range strategies {
		if err := regimeService.SeedDefaults(strategyID); err != nil {
			log.Error().Err(err).Str("strategy", strategyID).Msg("Bandit seeding failed")
		}
	}
}

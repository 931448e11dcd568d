package trader

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"github.com/krwquant/ats/internal/controlclient"
	"github.com/krwquant/ats/internal/exchange/upbit"
)

// WorkerOptions configures one worker process.
type WorkerOptions struct {
	TraderName       string
	Interval         time.Duration
	StartupJitterMax time.Duration
	TradingEnabled   bool
}

// Worker is the per-trader driver: one process, one loop, one engine. The
// engine is released on STOP and rebuilt when the trader row changes.
type Worker struct {
	opts     WorkerOptions
	control  *controlclient.Client
	exchange *upbit.Client
	engine   *Engine
	sleep    func(time.Duration)
	rng      *rand.Rand
	log      zerolog.Logger
}

// NewWorker creates a worker driver.
func NewWorker(opts WorkerOptions, control *controlclient.Client, exchange *upbit.Client, log zerolog.Logger) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 300 * time.Second
	}
	if opts.StartupJitterMax < 0 {
		opts.StartupJitterMax = 0
	}
	return &Worker{
		opts:     opts,
		control:  control,
		exchange: exchange,
		sleep:    time.Sleep,
		rng:      rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		log:      log.With().Str("component", "worker").Str("trader", opts.TraderName).Logger(),
	}
}

// Run loops until the stop channel closes. The loop never dies on a
// handled failure; anything unhandled is recovered at the iteration
// boundary, logged, and followed by a short sleep.
func (w *Worker) Run(stop <-chan struct{}) {
	w.log.Info().Dur("interval", w.opts.Interval).Bool("enabled", w.opts.TradingEnabled).Msg("Trader worker started")
	w.postEvent("INFO", fmt.Sprintf("trader process started interval=%s enabled=%v", w.opts.Interval, w.opts.TradingEnabled))

	if w.opts.StartupJitterMax > 0 {
		jitter := time.Duration(w.rng.Int63n(int64(w.opts.StartupJitterMax) + 1))
		w.log.Info().Dur("jitter", jitter).Msg("Startup jitter sleep")
		w.sleep(jitter)
	}

	for {
		select {
		case <-stop:
			w.log.Info().Msg("Trader worker stopped")
			w.postEvent("INFO", "trader process shutdown")
			return
		default:
		}

		wait := w.iterate()
		w.sleep(wait)
	}
}

// iterate runs one loop pass and returns how long to sleep before the
// next one.
func (w *Worker) iterate() (wait time.Duration) {
	wait = w.opts.Interval
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Iteration panicked")
			w.postEvent("ERROR", fmt.Sprintf("main loop error: %v", r))
			wait = 5 * time.Second
		}
	}()

	cfg, err := w.control.GetTrader(w.opts.TraderName)
	if err != nil {
		w.log.Warn().Err(err).Msg("Trader config load failed, retrying")
		w.postEvent("WARN", "failed to load trader config, retrying")
		return 10 * time.Second
	}

	if cfg.Status == "STOP" {
		if w.engine != nil {
			w.log.Info().Msg("Trader stopped, engine released")
			w.postEvent("INFO", "status=STOP, trading engine cleared")
			w.engine = nil
		}
		return 10 * time.Second
	}

	if w.engine != nil && !w.engine.Matches(cfg) {
		w.log.Info().Msg("Trader row changed, engine rebuilt")
		w.engine = nil
	}
	if w.engine == nil {
		w.engine = NewEngine(cfg, w.control, w.exchange, w.log)
		w.postEvent("INFO", fmt.Sprintf(
			"engine initialized strategy=%s risk_mode=%s run_mode=%s",
			cfg.StrategyID, cfg.RiskMode, cfg.RunMode))
	}

	if w.opts.TradingEnabled {
		w.engine.RunCycle()
	}

	if err := w.control.Heartbeat(w.opts.TraderName); err != nil {
		w.log.Warn().Err(err).Msg("Heartbeat failed")
	}
	w.postEvent("INFO", fmt.Sprintf(
		"%s status=%s run_mode=%s",
		time.Now().UTC().Format(time.RFC3339), cfg.Status, cfg.RunMode))

	return w.opts.Interval
}

func (w *Worker) postEvent(level, message string) {
	if err := w.control.PostEvent(w.opts.TraderName, level, message); err != nil {
		w.log.Debug().Err(err).Msg("Event post failed")
	}
}

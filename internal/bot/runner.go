// Package bot hosts the per-bot runner and the supervisor that owns the
// set of live runners.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/exchange"
	"backpack-trading-bot/internal/monitor"
	"backpack-trading-bot/internal/positions"
	"backpack-trading-bot/internal/strategy"
)

const (
	realtimeInterval = time.Minute
	candleTickGuard  = 3 * time.Minute
	fullScanEvery    = 5 * time.Minute
	dailyPnlWindow   = 24 * time.Hour
)

// ConfigStore is the persistence slice runners and the supervisor use.
type ConfigStore interface {
	GetBotConfig(ctx context.Context, botID int64) (*database.BotConfig, error)
	CanStart(ctx context.Context, botID int64, validStrategies []string) (bool, error)
	SetBotStatus(ctx context.Context, botID int64, status string, startTime *time.Time) error
	SetNextValidationAt(ctx context.Context, botID int64, at time.Time) error
	ListTraditionalBotConfigs(ctx context.Context, externallyManaged []string) ([]*database.BotConfig, error)
}

// OrderManager is the reconciliation surface the monitor loops drive.
type OrderManager interface {
	CancelStalePending(ctx context.Context, bot *database.BotConfig) (int, error)
	ScanAndCleanupOrphans(ctx context.Context, bot *database.BotConfig, fullScan bool) (int, error)
	EnsureTakeProfits(ctx context.Context, bot *database.BotConfig) (int, error)
	SyncWithExchange(ctx context.Context, bot *database.BotConfig) (int, error)
}

// TrailingEngine is the trailing-stop surface the runner drives.
type TrailingEngine interface {
	RunCycle(ctx context.Context, bot *database.BotConfig) error
	CleanOrphanedStates(ctx context.Context, bot *database.BotConfig) (int, error)
	SyncActiveStops(ctx context.Context, bot *database.BotConfig) error
}

// PnLReporter applies fresh fills to position state and produces the
// best-effort daily summary.
type PnLReporter interface {
	ApplyRecentFills(ctx context.Context, bot *database.BotConfig, since time.Time) (time.Time, error)
	TrackBotPositions(ctx context.Context, bot *database.BotConfig) (*positions.PnLStats, []positions.Trade, error)
}

// Deps bundles the collaborators a runner needs.
type Deps struct {
	Store    ConfigStore
	Orders   OrderManager
	Trailing TrailingEngine
	Reporter PnLReporter
	Monitors *monitor.Engine
	Registry *strategy.Registry
	Bus      *events.Bus
	Logger   zerolog.Logger
}

// Runner drives one live bot: the decision loop plus its monitor loops.
// The config is a frozen snapshot taken at start.
type Runner struct {
	cfg    *database.BotConfig
	deps   Deps
	logger zerolog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Executions from before this runner started are the reconciliation
	// sweep's job, not the live fill path's.
	fillMark time.Time
}

// NewRunner builds a runner from a frozen config snapshot.
func NewRunner(cfg *database.BotConfig, deps Deps) *Runner {
	return &Runner{
		cfg:  cfg,
		deps: deps,
		logger: deps.Logger.With().
			Str("component", "BotRunner").
			Int64("bot_id", cfg.ID).
			Str("bot_name", cfg.BotName).
			Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// effectiveMode applies the strategy override: ALPHA_FLOW and Heikin-Ashi
// bots only make sense on closed candles.
func effectiveMode(cfg *database.BotConfig) string {
	if cfg.StrategyName == strategy.NameAlphaFlow || cfg.EnableHeikinAshi {
		return database.ExecutionModeOnCandleClose
	}
	return cfg.ExecutionMode
}

// nextCandleDelay returns the wait until the next close of the timeframe.
// An exactly aligned clock waits a full period rather than firing twice on
// the same close.
func nextCandleDelay(now time.Time, timeframe time.Duration) time.Duration {
	ms := now.UnixMilli()
	tf := timeframe.Milliseconds()
	delay := ((ms+tf-1)/tf)*tf - ms
	if delay == 0 {
		delay = tf
	}
	return time.Duration(delay) * time.Millisecond
}

// Start launches the decision loop and registers the monitor loops.
func (r *Runner) Start() {
	r.fillMark = time.Now()
	r.registerMonitors()
	go r.run()
	r.logger.Info().
		Str("strategy", r.cfg.StrategyName).
		Str("mode", effectiveMode(r.cfg)).
		Str("timeframe", r.cfg.Timeframe).
		Msg("Bot runner started")
}

// Stop cancels the decision timer and every monitor loop, then waits for
// the decision goroutine to exit. No timer for this bot fires afterwards.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.deps.Monitors.StopBot(r.cfg.ID)
	<-r.done
	r.logger.Info().Msg("Bot runner stopped")
}

func (r *Runner) run() {
	defer close(r.done)

	mode := effectiveMode(r.cfg)
	timeframe := exchange.IntervalDuration(r.cfg.Timeframe)

	var first time.Duration
	if mode == database.ExecutionModeOnCandleClose {
		first = nextCandleDelay(time.Now(), timeframe)
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}
		select {
		case <-r.stop:
			return
		default:
		}

		r.tick(mode, timeframe)

		next := realtimeInterval
		if mode == database.ExecutionModeOnCandleClose {
			next = nextCandleDelay(time.Now(), timeframe)
		}
		select {
		case <-r.stop:
			return
		default:
		}
		timer.Reset(next)
	}
}

// tick runs one decision cycle. A failure marks the bot errored and emits
// the event, but never stalls the schedule.
func (r *Runner) tick(mode string, timeframe time.Duration) {
	ctx := context.Background()
	cancel := func() {}
	if mode == database.ExecutionModeOnCandleClose {
		ctx, cancel = context.WithTimeout(ctx, candleTickGuard)
	}
	defer cancel()

	if err := r.executeTick(ctx, mode, timeframe); err != nil {
		r.logger.Error().Err(err).Msg("Decision tick failed")
		statusCtx, statusCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := r.deps.Store.SetBotStatus(statusCtx, r.cfg.ID, database.BotStatusError, nil); serr != nil {
			r.logger.Error().Err(serr).Msg("Failed to persist error status")
		}
		statusCancel()
		r.deps.Bus.PublishBot(events.EventBotExecutionError, r.cfg.ID, map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (r *Runner) executeTick(ctx context.Context, mode string, timeframe time.Duration) error {
	if err := r.deps.Store.SetBotStatus(ctx, r.cfg.ID, database.BotStatusRunning, nil); err != nil {
		return fmt.Errorf("failed to set running status: %w", err)
	}

	strat, ok := r.deps.Registry.Get(r.cfg.StrategyName)
	if !ok {
		return fmt.Errorf("strategy %q is not registered", r.cfg.StrategyName)
	}
	decision, err := strat.Analyze(ctx, r.cfg.Timeframe, r.cfg)
	if err != nil {
		return fmt.Errorf("strategy analysis failed: %w", err)
	}
	r.deps.Bus.PublishBot(events.EventDecisionAnalysis, r.cfg.ID, map[string]interface{}{
		"action":     decision.Action,
		"symbol":     decision.Symbol,
		"confidence": decision.Confidence,
		"reason":     decision.Reason,
	})

	r.applyFills(ctx)

	if err := r.deps.Trailing.RunCycle(ctx, r.cfg); err != nil {
		return fmt.Errorf("trailing cycle failed: %w", err)
	}

	r.dailySummary(ctx)

	chosen := realtimeInterval
	if mode == database.ExecutionModeOnCandleClose {
		chosen = timeframe
	}
	if err := r.deps.Store.SetNextValidationAt(ctx, r.cfg.ID, time.Now().Add(chosen)); err != nil {
		return fmt.Errorf("failed to write next validation time: %w", err)
	}

	r.deps.Bus.PublishBot(events.EventBotExecutionSuccess, r.cfg.ID, map[string]interface{}{
		"action": decision.Action,
		"symbol": decision.Symbol,
	})
	return nil
}

// applyFills dispatches executions since the last mark through the
// position tracker. Best effort; a fetch failure leaves the mark in place
// so the next tick retries the same window, and the reconciliation sweep
// covers anything missed meanwhile.
func (r *Runner) applyFills(ctx context.Context) {
	if r.deps.Reporter == nil {
		return
	}
	mark, err := r.deps.Reporter.ApplyRecentFills(ctx, r.cfg, r.fillMark)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Fill application incomplete")
	}
	r.fillMark = mark
}

// dailySummary logs the last 24 hours of realized trades. Best effort; a
// failure here never fails the tick.
func (r *Runner) dailySummary(ctx context.Context) {
	if r.deps.Reporter == nil {
		return
	}
	_, trades, err := r.deps.Reporter.TrackBotPositions(ctx, r.cfg)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Daily summary unavailable")
		return
	}
	cutoff := time.Now().Add(-dailyPnlWindow)
	var pnl float64
	count := 0
	for _, tr := range trades {
		if tr.ClosedAt.After(cutoff) {
			pnl += tr.Pnl
			count++
		}
	}
	if count > 0 {
		r.logger.Info().
			Int("trades", count).
			Float64("pnl", pnl).
			Msg("24h summary")
	}
}

func (r *Runner) registerMonitors() {
	cfg := r.cfg
	m := r.deps.Monitors

	if cfg.EnablePendingMonitor {
		m.Start(cfg.ID, monitor.KindPendingOrders, monitor.DefaultIntervals(monitor.KindPendingOrders), 0,
			func(ctx context.Context) error {
				_, err := r.deps.Orders.CancelStalePending(ctx, cfg)
				return err
			})
	}

	if cfg.EnableOrphanMonitor {
		var lastFullScan time.Time
		m.Start(cfg.ID, monitor.KindOrphanOrders, monitor.DefaultIntervals(monitor.KindOrphanOrders), 0,
			func(ctx context.Context) error {
				full := time.Since(lastFullScan) >= fullScanEvery
				_, err := r.deps.Orders.ScanAndCleanupOrphans(ctx, cfg, full)
				if err == nil && full {
					lastFullScan = time.Now()
				}
				return err
			})
	}

	m.Start(cfg.ID, monitor.KindTakeProfit, monitor.DefaultIntervals(monitor.KindTakeProfit), 0,
		func(ctx context.Context) error {
			_, err := r.deps.Orders.EnsureTakeProfits(ctx, cfg)
			return err
		})

	if cfg.TrailingStopEnabled {
		m.Start(cfg.ID, monitor.KindTrailingCleaner, monitor.DefaultIntervals(monitor.KindTrailingCleaner), 0,
			func(ctx context.Context) error {
				_, err := r.deps.Trailing.CleanOrphanedStates(ctx, cfg)
				return err
			})
		m.Start(cfg.ID, monitor.KindTrailingSync, monitor.DefaultIntervals(monitor.KindTrailingSync), monitor.TrailingSyncWarmup,
			func(ctx context.Context) error {
				return r.deps.Trailing.SyncActiveStops(ctx, cfg)
			})
	}
}

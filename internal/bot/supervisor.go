package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
)

// Precondition failures surfaced to the supervisor's caller. None of them
// move a bot into the error state.
var (
	ErrBotDisabled        = errors.New("bot is disabled")
	ErrMissingCredentials = errors.New("bot has no API credentials")
	ErrUnknownStrategy    = errors.New("strategy is not registered")
	ErrAlreadyRunning     = errors.New("bot is already running")
)

const restartDelay = 500 * time.Millisecond

// Supervisor owns the set of live runners.
type Supervisor struct {
	deps   Deps
	logger zerolog.Logger

	mu      sync.Mutex
	runners map[int64]*Runner
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "BotSupervisor").Logger(),
		runners: make(map[int64]*Runner),
	}
}

// IsRunning reports whether a runner exists for the bot.
func (s *Supervisor) IsRunning(botID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[botID]
	return ok
}

// RunningCount reports how many runners are live.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

// StartBot validates preconditions, persists the starting state and
// launches a runner. A bot that is already running is refused unless
// forceRestart is set, in which case the old runner is stopped first.
func (s *Supervisor) StartBot(ctx context.Context, botID int64, forceRestart bool) error {
	cfg, err := s.deps.Store.GetBotConfig(ctx, botID)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return ErrBotDisabled
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return ErrMissingCredentials
	}
	if _, ok := s.deps.Registry.Get(cfg.StrategyName); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, cfg.StrategyName)
	}
	if !forceRestart {
		ok, err := s.deps.Store.CanStart(ctx, botID, s.deps.Registry.Names())
		if err != nil {
			return err
		}
		if !ok {
			// The specific checks above passed, so the remaining blocker is
			// a live persisted status left by another launch.
			return fmt.Errorf("%w: persisted status %s", ErrAlreadyRunning, cfg.Status)
		}
	}

	s.mu.Lock()
	old, exists := s.runners[botID]
	if exists && !forceRestart {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	delete(s.runners, botID)
	s.mu.Unlock()

	if exists {
		old.Stop()
	}

	now := time.Now()
	if err := s.deps.Store.SetBotStatus(ctx, botID, database.BotStatusStarting, &now); err != nil {
		return fmt.Errorf("failed to persist starting status: %w", err)
	}
	s.deps.Bus.PublishBot(events.EventBotStarting, botID, map[string]interface{}{
		"bot_name": cfg.BotName,
	})

	runner := NewRunner(cfg, s.deps)
	s.mu.Lock()
	s.runners[botID] = runner
	s.mu.Unlock()
	runner.Start()

	s.deps.Bus.PublishBot(events.EventBotStarted, botID, map[string]interface{}{
		"bot_name": cfg.BotName,
		"strategy": cfg.StrategyName,
	})
	s.logger.Info().Int64("bot_id", botID).Str("bot_name", cfg.BotName).Msg("Bot started")
	return nil
}

// StopBot cancels the bot's runner. It is idempotent and safe when no
// runner exists. updateStatus=false leaves the persisted status untouched
// (used during process shutdown).
func (s *Supervisor) StopBot(ctx context.Context, botID int64, updateStatus bool) error {
	s.mu.Lock()
	runner, ok := s.runners[botID]
	delete(s.runners, botID)
	s.mu.Unlock()

	if ok {
		runner.Stop()
	} else {
		// Clean up any loops left behind by a crashed runner.
		s.deps.Monitors.StopBot(botID)
	}

	if updateStatus {
		if err := s.deps.Store.SetBotStatus(ctx, botID, database.BotStatusStopped, nil); err != nil {
			return fmt.Errorf("failed to persist stopped status: %w", err)
		}
	}
	s.deps.Bus.PublishBot(events.EventBotStopped, botID, nil)
	s.logger.Info().Int64("bot_id", botID).Msg("Bot stopped")
	return nil
}

// RestartBot stops the bot, waits briefly so the old timers are fully
// torn down, and starts it again.
func (s *Supervisor) RestartBot(ctx context.Context, botID int64) error {
	if err := s.StopBot(ctx, botID, true); err != nil {
		return err
	}
	select {
	case <-time.After(restartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.StartBot(ctx, botID, true)
}

// RecoverAll relaunches every traditional enabled bot whose persisted
// status says it was live before the process went down.
func (s *Supervisor) RecoverAll(ctx context.Context) {
	bots, err := s.deps.Store.ListTraditionalBotConfigs(ctx, s.deps.Registry.ExternallyManaged())
	if err != nil {
		s.logger.Error().Err(err).Msg("Recovery scan failed")
		return
	}

	recovered := 0
	for _, cfg := range bots {
		if !cfg.Enabled {
			continue
		}
		switch cfg.Status {
		case database.BotStatusRunning, database.BotStatusStarting, database.BotStatusError:
		default:
			continue
		}
		if err := s.StartBot(ctx, cfg.ID, true); err != nil {
			s.logger.Error().Err(err).
				Int64("bot_id", cfg.ID).
				Str("bot_name", cfg.BotName).
				Msg("Failed to recover bot")
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info().Int("count", recovered).Msg("Recovered bots from persisted state")
	}
}

// ShutdownAll stops every runner without mutating persisted status, so a
// later boot can recover them.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for id, r := range s.runners {
		runners = append(runners, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
	s.deps.Monitors.StopAll()
	s.logger.Info().Int("count", len(runners)).Msg("All bots shut down")
}

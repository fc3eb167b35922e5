package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/monitor"
	"backpack-trading-bot/internal/positions"
	"backpack-trading-bot/internal/strategy"
)

type mockConfigStore struct {
	mu       sync.Mutex
	configs  map[int64]*database.BotConfig
	statuses []string
	nextAt   time.Time
}

func newMockConfigStore(cfgs ...*database.BotConfig) *mockConfigStore {
	m := &mockConfigStore{configs: make(map[int64]*database.BotConfig)}
	for _, c := range cfgs {
		m.configs[c.ID] = c
	}
	return m
}

func (m *mockConfigStore) GetBotConfig(_ context.Context, botID int64) (*database.BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[botID]
	if !ok {
		return nil, database.ErrBotNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *mockConfigStore) CanStart(_ context.Context, botID int64, validStrategies []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[botID]
	if !ok {
		return false, nil
	}
	valid := false
	for _, name := range validStrategies {
		if name == cfg.StrategyName {
			valid = true
		}
	}
	return cfg.Enabled && cfg.APIKey != "" && cfg.APISecret != "" &&
		valid && cfg.Status != database.BotStatusRunning, nil
}

func (m *mockConfigStore) SetBotStatus(_ context.Context, botID int64, status string, startTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[botID]; ok {
		cfg.Status = status
	}
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockConfigStore) SetNextValidationAt(_ context.Context, _ int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAt = at
	return nil
}

func (m *mockConfigStore) ListTraditionalBotConfigs(_ context.Context, _ []string) ([]*database.BotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.BotConfig
	for _, cfg := range m.configs {
		cp := *cfg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockConfigStore) currentStatus(botID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[botID].Status
}

type mockOrderManager struct{}

func (mockOrderManager) CancelStalePending(context.Context, *database.BotConfig) (int, error) {
	return 0, nil
}
func (mockOrderManager) ScanAndCleanupOrphans(context.Context, *database.BotConfig, bool) (int, error) {
	return 0, nil
}
func (mockOrderManager) EnsureTakeProfits(context.Context, *database.BotConfig) (int, error) {
	return 0, nil
}
func (mockOrderManager) SyncWithExchange(context.Context, *database.BotConfig) (int, error) {
	return 0, nil
}

type mockTrailing struct{}

func (mockTrailing) RunCycle(context.Context, *database.BotConfig) error { return nil }
func (mockTrailing) CleanOrphanedStates(context.Context, *database.BotConfig) (int, error) {
	return 0, nil
}
func (mockTrailing) SyncActiveStops(context.Context, *database.BotConfig) error { return nil }

type mockReporter struct{}

func (mockReporter) ApplyRecentFills(_ context.Context, _ *database.BotConfig, since time.Time) (time.Time, error) {
	return since, nil
}

func (mockReporter) TrackBotPositions(context.Context, *database.BotConfig) (*positions.PnLStats, []positions.Trade, error) {
	return &positions.PnLStats{}, nil, nil
}

type recordingStrategy struct {
	name       string
	ticks      int32
	timeframes chan string
	err        error
}

func (s *recordingStrategy) Name() string { return s.name }

func (s *recordingStrategy) Analyze(_ context.Context, timeframe string, _ *database.BotConfig) (*strategy.Decision, error) {
	atomic.AddInt32(&s.ticks, 1)
	select {
	case s.timeframes <- timeframe:
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	return &strategy.Decision{Action: strategy.ActionHold}, nil
}

func testDeps(store *mockConfigStore, strat *recordingStrategy) Deps {
	reg := strategy.NewRegistry()
	reg.Register(strat)
	return Deps{
		Store:    store,
		Orders:   mockOrderManager{},
		Trailing: mockTrailing{},
		Reporter: mockReporter{},
		Monitors: monitor.NewEngine(zerolog.Nop()),
		Registry: reg,
		Bus:      events.NewBus(),
		Logger:   zerolog.Nop(),
	}
}

func realtimeBot() *database.BotConfig {
	return &database.BotConfig{
		ID:            1,
		BotName:       "b1",
		StrategyName:  "DEFAULT",
		APIKey:        "k",
		APISecret:     "s",
		Timeframe:     "5m",
		ExecutionMode: database.ExecutionModeRealtime,
		Enabled:       true,
		Status:        database.BotStatusStopped,
	}
}

func TestStartStopLifecycle(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 1)}
	store := newMockConfigStore(realtimeBot())
	sup := NewSupervisor(testDeps(store, strat))
	ctx := context.Background()

	if err := sup.StartBot(ctx, 1, false); err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	// REALTIME executes immediately; the first tick sets running and
	// invokes the strategy with the configured timeframe.
	select {
	case tf := <-strat.timeframes:
		if tf != "5m" {
			t.Errorf("analyze timeframe = %q, want 5m", tf)
		}
	case <-time.After(time.Second):
		t.Fatal("no decision tick within 1s")
	}

	deadline := time.Now().Add(time.Second)
	for store.currentStatus(1) != database.BotStatusRunning {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want running", store.currentStatus(1))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sup.StopBot(ctx, 1, true); err != nil {
		t.Fatalf("StopBot: %v", err)
	}
	if got := store.currentStatus(1); got != database.BotStatusStopped {
		t.Errorf("status after stop = %s", got)
	}

	ticksAfterStop := atomic.LoadInt32(&strat.ticks)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&strat.ticks); got != ticksAfterStop {
		t.Errorf("ticks continued after StopBot: %d -> %d", ticksAfterStop, got)
	}
	if sup.IsRunning(1) {
		t.Error("runner still registered after stop")
	}
}

func TestStartBotPreconditions(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 1)}

	disabled := realtimeBot()
	disabled.Enabled = false
	store := newMockConfigStore(disabled)
	sup := NewSupervisor(testDeps(store, strat))
	if err := sup.StartBot(context.Background(), 1, false); !errors.Is(err, ErrBotDisabled) {
		t.Errorf("disabled bot error = %v", err)
	}

	noCreds := realtimeBot()
	noCreds.APISecret = ""
	store = newMockConfigStore(noCreds)
	sup = NewSupervisor(testDeps(store, strat))
	if err := sup.StartBot(context.Background(), 1, false); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("missing credentials error = %v", err)
	}

	badStrat := realtimeBot()
	badStrat.StrategyName = "NOPE"
	store = newMockConfigStore(badStrat)
	sup = NewSupervisor(testDeps(store, strat))
	if err := sup.StartBot(context.Background(), 1, false); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("unknown strategy error = %v", err)
	}
}

func TestStartBotRefusesDoubleStartWithoutForce(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 8)}
	store := newMockConfigStore(realtimeBot())
	sup := NewSupervisor(testDeps(store, strat))
	ctx := context.Background()

	if err := sup.StartBot(ctx, 1, false); err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	defer sup.ShutdownAll()

	if err := sup.StartBot(ctx, 1, false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second StartBot error = %v, want ErrAlreadyRunning", err)
	}
	if err := sup.StartBot(ctx, 1, true); err != nil {
		t.Errorf("forced restart failed: %v", err)
	}
	if sup.RunningCount() != 1 {
		t.Errorf("running count = %d, want 1", sup.RunningCount())
	}
}

func TestStartBotRefusedWhenPersistedStatusRunning(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 8)}
	stale := realtimeBot()
	stale.Status = database.BotStatusRunning
	store := newMockConfigStore(stale)
	sup := NewSupervisor(testDeps(store, strat))
	ctx := context.Background()

	// No runner in this process, but the persisted status says another
	// launch owns the bot.
	if err := sup.StartBot(ctx, 1, false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("StartBot = %v, want ErrAlreadyRunning", err)
	}
	if sup.IsRunning(1) {
		t.Error("runner launched despite live persisted status")
	}

	if err := sup.StartBot(ctx, 1, true); err != nil {
		t.Fatalf("forced StartBot: %v", err)
	}
	defer sup.ShutdownAll()
	if !sup.IsRunning(1) {
		t.Error("forced start did not take over")
	}
}

func TestStopBotIdempotentWithoutRunner(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 1)}
	store := newMockConfigStore(realtimeBot())
	sup := NewSupervisor(testDeps(store, strat))

	if err := sup.StopBot(context.Background(), 1, true); err != nil {
		t.Fatalf("StopBot without runner: %v", err)
	}
	if got := store.currentStatus(1); got != database.BotStatusStopped {
		t.Errorf("status = %s", got)
	}
}

func TestShutdownAllKeepsPersistedStatus(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 8)}
	store := newMockConfigStore(realtimeBot())
	sup := NewSupervisor(testDeps(store, strat))
	ctx := context.Background()

	if err := sup.StartBot(ctx, 1, false); err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	// Wait for the first tick to persist running.
	deadline := time.Now().Add(time.Second)
	for store.currentStatus(1) != database.BotStatusRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	sup.ShutdownAll()
	if got := store.currentStatus(1); got != database.BotStatusRunning {
		t.Errorf("status after shutdown = %s, want running preserved", got)
	}
	if sup.RunningCount() != 0 {
		t.Errorf("running count = %d", sup.RunningCount())
	}
}

func TestRecoverAllRelaunchesLiveStatuses(t *testing.T) {
	strat := &recordingStrategy{name: "DEFAULT", timeframes: make(chan string, 8)}

	wasRunning := realtimeBot()
	wasRunning.Status = database.BotStatusRunning

	errored := realtimeBot()
	errored.ID = 2
	errored.BotName = "b2"
	errored.Status = database.BotStatusError

	stopped := realtimeBot()
	stopped.ID = 3
	stopped.BotName = "b3"
	stopped.Status = database.BotStatusStopped

	store := newMockConfigStore(wasRunning, errored, stopped)
	sup := NewSupervisor(testDeps(store, strat))
	defer sup.ShutdownAll()

	sup.RecoverAll(context.Background())
	if sup.RunningCount() != 2 {
		t.Errorf("recovered = %d, want 2", sup.RunningCount())
	}
	if sup.IsRunning(3) {
		t.Error("stopped bot was recovered")
	}
}

func TestEffectiveModeCoercion(t *testing.T) {
	cfg := realtimeBot()
	if got := effectiveMode(cfg); got != database.ExecutionModeRealtime {
		t.Errorf("mode = %s", got)
	}

	cfg.StrategyName = strategy.NameAlphaFlow
	if got := effectiveMode(cfg); got != database.ExecutionModeOnCandleClose {
		t.Errorf("ALPHA_FLOW mode = %s, want ON_CANDLE_CLOSE", got)
	}

	cfg.StrategyName = "DEFAULT"
	cfg.EnableHeikinAshi = true
	if got := effectiveMode(cfg); got != database.ExecutionModeOnCandleClose {
		t.Errorf("heikin-ashi mode = %s, want ON_CANDLE_CLOSE", got)
	}
}

func TestNextCandleDelayAlignment(t *testing.T) {
	// 10:00:42.000 with a 1m timeframe waits 18s to 10:01:00.000.
	now := time.Date(2026, 8, 24, 10, 0, 42, 0, time.UTC)
	if got := nextCandleDelay(now, time.Minute); got != 18*time.Second {
		t.Errorf("delay = %v, want 18s", got)
	}

	// 5m timeframe at 10:03:30 waits 90s to 10:05:00.
	now = time.Date(2026, 8, 24, 10, 3, 30, 0, time.UTC)
	if got := nextCandleDelay(now, 5*time.Minute); got != 90*time.Second {
		t.Errorf("delay = %v, want 90s", got)
	}

	// Exactly aligned waits a full period instead of firing twice.
	now = time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC)
	if got := nextCandleDelay(now, 5*time.Minute); got != 5*time.Minute {
		t.Errorf("aligned delay = %v, want 5m", got)
	}

	// The fire time is always a multiple of the timeframe.
	now = time.Date(2026, 8, 24, 10, 0, 42, 137e6, time.UTC)
	delay := nextCandleDelay(now, time.Minute)
	fireAt := now.Add(delay)
	if fireAt.UnixMilli()%time.Minute.Milliseconds() != 0 {
		t.Errorf("fire time %v not aligned", fireAt)
	}
}

func TestTickErrorSetsErrorStatusAndKeepsScheduling(t *testing.T) {
	strat := &recordingStrategy{
		name:       "DEFAULT",
		timeframes: make(chan string, 8),
		err:        errors.New("analysis exploded"),
	}
	store := newMockConfigStore(realtimeBot())
	deps := testDeps(store, strat)
	bus := deps.Bus

	eventCh, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	sup := NewSupervisor(deps)
	if err := sup.StartBot(context.Background(), 1, false); err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	defer sup.ShutdownAll()

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-eventCh:
			if ev.Type == events.EventBotExecutionError {
				if store.currentStatus(1) != database.BotStatusError {
					t.Errorf("status = %s, want error", store.currentStatus(1))
				}
				return
			}
		case <-deadline:
			t.Fatal("no BOT_EXECUTION_ERROR event")
		}
	}
}

// Package monitor runs self-scheduling maintenance loops with adaptive
// intervals. Each loop belongs to one bot and one kind; loops of the same
// (bot, kind) are strictly serialized, different kinds run concurrently.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/exchange"
)

// Kind names one maintenance loop.
type Kind string

const (
	KindPendingOrders   Kind = "pendingOrders"
	KindOrphanOrders    Kind = "orphanOrders"
	KindTakeProfit      Kind = "takeProfit"
	KindTrailingCleaner Kind = "trailingCleaner"
	KindTrailingSync    Kind = "trailingSync"
)

// Intervals is the {min, start, max} tuple bounding a loop's cadence.
type Intervals struct {
	Min   time.Duration
	Start time.Duration
	Max   time.Duration
}

// DefaultIntervals returns the standard tuple for a kind.
func DefaultIntervals(kind Kind) Intervals {
	switch kind {
	case KindPendingOrders:
		return Intervals{Min: 15 * time.Second, Start: 90 * time.Second, Max: 120 * time.Second}
	case KindOrphanOrders:
		return Intervals{Min: 60 * time.Second, Start: 120 * time.Second, Max: 300 * time.Second}
	case KindTakeProfit:
		return Intervals{Min: 30 * time.Second, Start: 120 * time.Second, Max: 300 * time.Second}
	case KindTrailingCleaner:
		return Intervals{Min: 5 * time.Minute, Start: 5 * time.Minute, Max: 15 * time.Minute}
	case KindTrailingSync:
		return Intervals{Min: 5 * time.Minute, Start: 5 * time.Minute, Max: 5 * time.Minute}
	}
	return Intervals{Min: time.Minute, Start: time.Minute, Max: 5 * time.Minute}
}

// TrailingSyncWarmup delays the first trailing-sync run after bot start.
const TrailingSyncWarmup = time.Minute

// successStep is how much a successful cycle tightens the interval.
const successStep = time.Second

// Callback is one maintenance cycle. The context carries a deadline equal
// to the loop's max interval.
type Callback func(ctx context.Context) error

// RateState is the adaptive scheduling state of one loop.
type RateState struct {
	Interval      time.Duration
	ErrorCount    int
	LastErrorTime time.Time
}

// nextState applies the adaptation rules to one cycle's outcome.
func nextState(st RateState, iv Intervals, kind Kind, err error, now time.Time) RateState {
	switch {
	case err == nil:
		st.Interval -= successStep
		if st.Interval < iv.Min {
			st.Interval = iv.Min
		}
		st.ErrorCount = 0
	case exchange.IsRateLimited(err):
		st.Interval *= 2
		if st.Interval > iv.Max {
			st.Interval = iv.Max
		}
		st.ErrorCount++
		st.LastErrorTime = now
	default:
		st.ErrorCount++
		st.LastErrorTime = now
		if kind == KindTrailingCleaner {
			st.Interval = 5*time.Minute + time.Duration(st.ErrorCount)*2*time.Minute
			if st.Interval > 15*time.Minute {
				st.Interval = 15 * time.Minute
			}
		}
	}
	return st
}

type loopKey struct {
	botID int64
	kind  Kind
}

type loop struct {
	key       loopKey
	intervals Intervals
	callback  Callback
	warmup    time.Duration
	stop      chan struct{}

	mu    sync.Mutex
	state RateState
}

// Engine owns every monitor loop in the process.
type Engine struct {
	logger zerolog.Logger

	mu    sync.Mutex
	loops map[loopKey]*loop
	wg    sync.WaitGroup
}

// NewEngine creates an empty engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "MonitorEngine").Logger(),
		loops:  make(map[loopKey]*loop),
	}
}

// Start launches a loop for (botID, kind). An existing loop with the same
// key is stopped first. warmup overrides the first delay when positive;
// otherwise the first cycle runs after the start interval.
func (e *Engine) Start(botID int64, kind Kind, iv Intervals, warmup time.Duration, cb Callback) {
	key := loopKey{botID: botID, kind: kind}
	l := &loop{
		key:       key,
		intervals: iv,
		callback:  cb,
		warmup:    warmup,
		stop:      make(chan struct{}),
		state:     RateState{Interval: iv.Start},
	}

	e.mu.Lock()
	if old, ok := e.loops[key]; ok {
		close(old.stop)
	}
	e.loops[key] = l
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(l)

	e.logger.Debug().
		Int64("bot_id", botID).
		Str("kind", string(kind)).
		Dur("start_interval", iv.Start).
		Msg("Monitor loop started")
}

func (e *Engine) run(l *loop) {
	defer e.wg.Done()

	first := l.intervals.Start
	if l.warmup > 0 {
		first = l.warmup
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-timer.C:
		}
		// The timer and the stop signal may race; stop wins.
		select {
		case <-l.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.intervals.Max)
		err := l.callback(ctx)
		cancel()

		l.mu.Lock()
		l.state = nextState(l.state, l.intervals, l.key.kind, err, time.Now())
		next := l.state.Interval
		errCount := l.state.ErrorCount
		l.mu.Unlock()

		if err != nil {
			evt := e.logger.Warn()
			if exchange.IsRateLimited(err) {
				evt = e.logger.Info()
			}
			evt.Err(err).
				Int64("bot_id", l.key.botID).
				Str("kind", string(l.key.kind)).
				Int("error_count", errCount).
				Dur("next_interval", next).
				Msg("Monitor cycle failed")
		}

		select {
		case <-l.stop:
			return
		default:
		}
		timer.Reset(next)
	}
}

// State returns the adaptive state of one loop.
func (e *Engine) State(botID int64, kind Kind) (RateState, bool) {
	e.mu.Lock()
	l, ok := e.loops[loopKey{botID: botID, kind: kind}]
	e.mu.Unlock()
	if !ok {
		return RateState{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

// StopBot cancels every loop belonging to the bot. After it returns no
// further cycle for that bot will start; a cycle already executing
// finishes but does not reschedule.
func (e *Engine) StopBot(botID int64) {
	e.mu.Lock()
	for key, l := range e.loops {
		if key.botID == botID {
			close(l.stop)
			delete(e.loops, key)
		}
	}
	e.mu.Unlock()
}

// StopAll cancels every loop and waits for the goroutines to exit.
func (e *Engine) StopAll() {
	e.mu.Lock()
	for key, l := range e.loops {
		close(l.stop)
		delete(e.loops, key)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// ActiveCount reports how many loops are registered.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.loops)
}

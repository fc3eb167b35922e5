package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/exchange"
)

func rateLimited() error {
	return &exchange.APIError{Kind: exchange.KindRateLimited, StatusCode: 429, Message: "too many requests"}
}

func transient() error {
	return &exchange.APIError{Kind: exchange.KindTransient, Message: "connection reset"}
}

func TestBackoffDoublesTowardMax(t *testing.T) {
	iv := DefaultIntervals(KindTakeProfit) // 30s / 120s / 300s
	st := RateState{Interval: iv.Start}
	now := time.Now()

	for i := 1; i <= 5; i++ {
		st = nextState(st, iv, KindTakeProfit, rateLimited(), now)
	}
	if st.Interval != 300*time.Second {
		t.Errorf("interval after 5 rate limits = %v, want 300s", st.Interval)
	}
	if st.ErrorCount != 5 {
		t.Errorf("errorCount = %d, want 5", st.ErrorCount)
	}

	// Successes walk the interval back down one second at a time.
	st = nextState(st, iv, KindTakeProfit, nil, now)
	if st.Interval != 299*time.Second {
		t.Errorf("interval after success = %v, want 299s", st.Interval)
	}
	if st.ErrorCount != 0 {
		t.Errorf("errorCount after success = %d, want 0", st.ErrorCount)
	}

	for i := 0; i < 1000; i++ {
		st = nextState(st, iv, KindTakeProfit, nil, now)
	}
	if st.Interval != iv.Min {
		t.Errorf("interval floor = %v, want %v", st.Interval, iv.Min)
	}
}

func TestNonRateLimitFailureLeavesIntervalUnchanged(t *testing.T) {
	iv := DefaultIntervals(KindPendingOrders)
	st := RateState{Interval: iv.Start}

	st = nextState(st, iv, KindPendingOrders, transient(), time.Now())
	if st.Interval != iv.Start {
		t.Errorf("interval = %v, want unchanged %v", st.Interval, iv.Start)
	}
	if st.ErrorCount != 1 {
		t.Errorf("errorCount = %d, want 1", st.ErrorCount)
	}
}

func TestTrailingCleanerInflatesWithErrorCount(t *testing.T) {
	iv := DefaultIntervals(KindTrailingCleaner)
	st := RateState{Interval: iv.Start}
	now := time.Now()

	want := []time.Duration{
		7 * time.Minute,  // 5 + 1*2
		9 * time.Minute,  // 5 + 2*2
		11 * time.Minute, // 5 + 3*2
		13 * time.Minute,
		15 * time.Minute,
		15 * time.Minute, // capped
	}
	for i, w := range want {
		st = nextState(st, iv, KindTrailingCleaner, transient(), now)
		if st.Interval != w {
			t.Errorf("after %d errors interval = %v, want %v", i+1, st.Interval, w)
		}
	}
}

func TestLoopSerializesAndAdapts(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	defer e.StopAll()

	var running int32
	var overlapped int32
	var cycles int32

	e.Start(1, KindPendingOrders,
		Intervals{Min: 5 * time.Millisecond, Start: 5 * time.Millisecond, Max: 50 * time.Millisecond},
		0,
		func(ctx context.Context) error {
			if !atomic.CompareAndSwapInt32(&running, 0, 1) {
				atomic.StoreInt32(&overlapped, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.StoreInt32(&running, 0)
			atomic.AddInt32(&cycles, 1)
			return nil
		})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&overlapped) != 0 {
		t.Error("callbacks of the same loop overlapped")
	}
	if atomic.LoadInt32(&cycles) == 0 {
		t.Error("loop never ran")
	}
}

func TestStopBotQuiescesLoops(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	defer e.StopAll()

	var cycles int32
	e.Start(1, KindTakeProfit,
		Intervals{Min: 5 * time.Millisecond, Start: 5 * time.Millisecond, Max: 50 * time.Millisecond},
		0,
		func(ctx context.Context) error {
			atomic.AddInt32(&cycles, 1)
			return nil
		})

	time.Sleep(30 * time.Millisecond)
	e.StopBot(1)
	after := atomic.LoadInt32(&cycles)

	time.Sleep(50 * time.Millisecond)
	// One in-flight callback may complete, nothing more.
	if got := atomic.LoadInt32(&cycles); got > after+1 {
		t.Errorf("callbacks after StopBot: %d extra", got-after)
	}
	if e.ActiveCount() != 0 {
		t.Errorf("active loops after StopBot = %d", e.ActiveCount())
	}
}

func TestWarmupDelaysFirstCycle(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	defer e.StopAll()

	var cycles int32
	e.Start(1, KindTrailingSync,
		Intervals{Min: time.Hour, Start: time.Hour, Max: time.Hour},
		40*time.Millisecond,
		func(ctx context.Context) error {
			atomic.AddInt32(&cycles, 1)
			return nil
		})

	time.Sleep(15 * time.Millisecond)
	if atomic.LoadInt32(&cycles) != 0 {
		t.Error("cycle fired before warmup elapsed")
	}
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&cycles) != 1 {
		t.Errorf("cycles after warmup = %d, want 1", atomic.LoadInt32(&cycles))
	}
}

func TestRestartReplacesExistingLoop(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	defer e.StopAll()

	var first, second int32
	iv := Intervals{Min: 5 * time.Millisecond, Start: 5 * time.Millisecond, Max: 50 * time.Millisecond}

	e.Start(1, KindOrphanOrders, iv, 0, func(ctx context.Context) error {
		atomic.AddInt32(&first, 1)
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	e.Start(1, KindOrphanOrders, iv, 0, func(ctx context.Context) error {
		atomic.AddInt32(&second, 1)
		return nil
	})
	firstAfter := atomic.LoadInt32(&first)
	time.Sleep(50 * time.Millisecond)

	if got := atomic.LoadInt32(&first); got > firstAfter+1 {
		t.Errorf("old loop kept running: %d extra cycles", got-firstAfter)
	}
	if atomic.LoadInt32(&second) == 0 {
		t.Error("replacement loop never ran")
	}
	if e.ActiveCount() != 1 {
		t.Errorf("active loops = %d, want 1", e.ActiveCount())
	}
}

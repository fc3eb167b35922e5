package exchange

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequestManagerCoalescesIdenticalReads(t *testing.T) {
	m := NewRequestManager()

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return "payload", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 5)
	run := func(i int) {
		defer wg.Done()
		result, err := m.Do("tickers", fetch)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		results[i] = result
	}

	wg.Add(1)
	go run(0)
	<-started

	// The entry stays in flight until release, so these all attach to it.
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go run(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected a single upstream call, got %d", calls)
	}
	for i, r := range results {
		if r != "payload" {
			t.Errorf("caller %d got %v", i, r)
		}
	}
}

func TestRequestManagerDistinctKeysDoNotCoalesce(t *testing.T) {
	m := NewRequestManager()
	var calls int32
	for _, key := range []string{"a", "b"} {
		if _, err := m.Do(key, func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestForceResetDetachesInflight(t *testing.T) {
	m := NewRequestManager()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.Do("positions", func() (interface{}, error) {
			close(started)
			<-release
			return "old", nil
		})
	}()
	<-started

	m.ForceReset()
	if n := m.InflightCount(); n != 0 {
		t.Errorf("inflight after reset = %d, want 0", n)
	}

	// A new call with the same key must run its own fetch rather than
	// join the detached one.
	done := make(chan interface{}, 1)
	go func() {
		result, _ := m.Do("positions", func() (interface{}, error) {
			return "fresh", nil
		})
		done <- result
	}()

	if got := <-done; got != "fresh" {
		t.Errorf("post-reset call got %v, want fresh", got)
	}
	close(release)
}

package exchange

import (
	"sync"
)

// inflightCall tracks one pending read so identical concurrent requests can
// share its result instead of hitting the exchange again.
type inflightCall struct {
	done   chan struct{}
	result interface{}
	err    error
}

// RequestManager coalesces identical in-flight reads. It is process-wide:
// the supervisor owns one instance inside the Client.
type RequestManager struct {
	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// NewRequestManager creates an empty coalescer.
func NewRequestManager() *RequestManager {
	return &RequestManager{inflight: make(map[string]*inflightCall)}
}

// Do runs fn for key, unless an identical call is already in flight, in
// which case the caller waits for that call's result instead.
func (m *RequestManager) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	m.mu.Lock()
	if call, ok := m.inflight[key]; ok {
		m.mu.Unlock()
		<-call.done
		return call.result, call.err
	}

	call := &inflightCall{done: make(chan struct{})}
	m.inflight[key] = call
	m.mu.Unlock()

	call.result, call.err = fn()

	m.mu.Lock()
	// Only remove our own entry: ForceReset may have replaced the map.
	if cur, ok := m.inflight[key]; ok && cur == call {
		delete(m.inflight, key)
	}
	m.mu.Unlock()

	close(call.done)
	return call.result, call.err
}

// ForceReset detaches all in-flight entries so new requests start fresh.
// Waiters already attached to an old call still receive its result; they
// just stop being joinable by new callers. Used before a bot cycle starts
// to avoid serving it stale coalesced data.
func (m *RequestManager) ForceReset() {
	m.mu.Lock()
	m.inflight = make(map[string]*inflightCall)
	m.mu.Unlock()
}

// InflightCount reports the number of joinable in-flight reads.
func (m *RequestManager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Package strategy defines the decision-making collaborator interface and
// the registry the supervisor validates strategy names against.
package strategy

import (
	"context"
	"sort"
	"sync"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
)

// Decision actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Strategy names with built-in implementations.
const (
	NameDefault   = "DEFAULT"
	NameAlphaFlow = "ALPHA_FLOW"
)

// Decision is the outcome of one analysis pass.
type Decision struct {
	Action     string  `json:"action"`
	Symbol     string  `json:"symbol"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Strategy analyzes market state for one bot and proposes an action.
type Strategy interface {
	Name() string
	Analyze(ctx context.Context, timeframe string, cfg *database.BotConfig) (*Decision, error)
}

// MarketData is the market access strategies get.
type MarketData interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
	GetTickers(ctx context.Context, window string) ([]exchange.Ticker, error)
}

// Registry maps strategy names to implementations and tracks which names
// are managed outside the supervisor's decision loop.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	external   map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
		external:   make(map[string]bool),
	}
}

// Register adds a strategy under its own name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// RegisterExternal marks a strategy name as externally managed. Bots with
// such strategies are excluded from the traditional supervisor flow.
func (r *Registry) RegisterExternal(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.external[name] = true
}

// Get looks up a strategy by name.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names lists registered strategy names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExternallyManaged lists strategy names the supervisor must not run.
func (r *Registry) ExternallyManaged() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.external))
	for name := range r.external {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsExternallyManaged reports whether a name belongs to an external kind.
func (r *Registry) IsExternallyManaged(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.external[name]
}

// NewBuiltinRegistry returns a registry with the built-in strategies.
func NewBuiltinRegistry(md MarketData) *Registry {
	r := NewRegistry()
	r.Register(NewDefaultStrategy(md))
	r.Register(NewAlphaFlowStrategy(md))
	return r
}

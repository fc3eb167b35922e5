package strategy

import (
	"context"
	"testing"
	"time"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
)

type mockMarketData struct {
	klines []exchange.Kline
}

func (m *mockMarketData) GetKlines(_ context.Context, _, _ string, _ int) ([]exchange.Kline, error) {
	return m.klines, nil
}

func (m *mockMarketData) GetTickers(_ context.Context, _ string) ([]exchange.Ticker, error) {
	return nil, nil
}

func risingKlines(n int) []exchange.Kline {
	out := make([]exchange.Kline, n)
	price := 100.0
	for i := range out {
		out[i] = exchange.Kline{
			Start: time.Now().Add(time.Duration(i-n) * time.Minute),
			Open:  price, High: price + 2, Low: price - 1, Close: price + 1.5,
		}
		price += 1.5
	}
	return out
}

func TestRegistryLookupAndNames(t *testing.T) {
	r := NewBuiltinRegistry(&mockMarketData{})

	if _, ok := r.Get(NameDefault); !ok {
		t.Error("DEFAULT not registered")
	}
	if _, ok := r.Get(NameAlphaFlow); !ok {
		t.Error("ALPHA_FLOW not registered")
	}
	if _, ok := r.Get("NOPE"); ok {
		t.Error("unknown strategy resolved")
	}

	names := r.Names()
	if len(names) != 2 || names[0] != NameAlphaFlow || names[1] != NameDefault {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistryExternallyManaged(t *testing.T) {
	r := NewRegistry()
	r.RegisterExternal("COPY_TRADING")

	if !r.IsExternallyManaged("COPY_TRADING") {
		t.Error("COPY_TRADING not flagged")
	}
	if r.IsExternallyManaged(NameDefault) {
		t.Error("DEFAULT flagged external")
	}
	if got := r.ExternallyManaged(); len(got) != 1 || got[0] != "COPY_TRADING" {
		t.Errorf("ExternallyManaged() = %v", got)
	}
}

func TestDefaultStrategySignals(t *testing.T) {
	cfg := &database.BotConfig{AuthorizedTokens: []string{"SOL_USDC_PERP"}}
	s := NewDefaultStrategy(&mockMarketData{klines: risingKlines(30)})

	d, err := s.Analyze(context.Background(), "5m", cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if d.Action != ActionBuy {
		t.Errorf("action on uptrend = %s, want BUY", d.Action)
	}
	if d.Symbol != "SOL_USDC_PERP" {
		t.Errorf("symbol = %s", d.Symbol)
	}
}

func TestDefaultStrategyHoldsWithoutSymbol(t *testing.T) {
	s := NewDefaultStrategy(&mockMarketData{})
	d, err := s.Analyze(context.Background(), "5m", &database.BotConfig{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if d.Action != ActionHold {
		t.Errorf("action = %s, want HOLD", d.Action)
	}
}

func TestAlphaFlowDetectsStreak(t *testing.T) {
	cfg := &database.BotConfig{AuthorizedTokens: []string{"SOL_USDC_PERP"}}
	s := NewAlphaFlowStrategy(&mockMarketData{klines: risingKlines(30)})

	d, err := s.Analyze(context.Background(), "5m", cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if d.Action != ActionBuy {
		t.Errorf("action on sustained uptrend = %s, want BUY", d.Action)
	}
}

func TestHeikinAshiConversion(t *testing.T) {
	klines := []exchange.Kline{
		{Open: 100, High: 110, Low: 95, Close: 105},
		{Open: 105, High: 115, Low: 103, Close: 112},
	}
	ha := HeikinAshi(klines)
	if len(ha) != 2 {
		t.Fatalf("len = %d", len(ha))
	}
	// First candle: open = (100+105)/2, close = (100+110+95+105)/4.
	if ha[0].Open != 102.5 || ha[0].Close != 102.5 {
		t.Errorf("first HA candle = %+v", ha[0])
	}
	// Second open = midpoint of previous HA body.
	if ha[1].Open != 102.5 {
		t.Errorf("second HA open = %v", ha[1].Open)
	}
	if ha[1].Close != (105.0+115+103+112)/4 {
		t.Errorf("second HA close = %v", ha[1].Close)
	}
}

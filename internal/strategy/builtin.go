package strategy

import (
	"context"
	"fmt"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
)

const analysisDepth = 50

func primarySymbol(cfg *database.BotConfig) string {
	if len(cfg.AuthorizedTokens) > 0 {
		return cfg.AuthorizedTokens[0]
	}
	return ""
}

// DefaultStrategy trades a simple close-over-SMA momentum signal. It is
// deliberately thin; its job is to exercise the full decision pipeline.
type DefaultStrategy struct {
	md MarketData
}

// NewDefaultStrategy builds the DEFAULT strategy.
func NewDefaultStrategy(md MarketData) *DefaultStrategy {
	return &DefaultStrategy{md: md}
}

func (s *DefaultStrategy) Name() string { return NameDefault }

func (s *DefaultStrategy) Analyze(ctx context.Context, timeframe string, cfg *database.BotConfig) (*Decision, error) {
	symbol := primarySymbol(cfg)
	if symbol == "" {
		return &Decision{Action: ActionHold, Reason: "no authorized token configured"}, nil
	}

	klines, err := s.md.GetKlines(ctx, symbol, timeframe, analysisDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	if len(klines) < 20 {
		return &Decision{Action: ActionHold, Symbol: symbol, Reason: "insufficient history"}, nil
	}

	sma := 0.0
	for _, k := range klines[len(klines)-20:] {
		sma += k.Close
	}
	sma /= 20
	last := klines[len(klines)-1].Close

	switch {
	case last > sma:
		return &Decision{
			Action:     ActionBuy,
			Symbol:     symbol,
			Confidence: (last - sma) / sma,
			Reason:     "close above 20-period SMA",
		}, nil
	case last < sma:
		return &Decision{
			Action:     ActionSell,
			Symbol:     symbol,
			Confidence: (sma - last) / sma,
			Reason:     "close below 20-period SMA",
		}, nil
	default:
		return &Decision{Action: ActionHold, Symbol: symbol, Reason: "close at SMA"}, nil
	}
}

// AlphaFlowStrategy follows Heikin-Ashi candle color streaks. It only
// makes sense on closed candles, so the runner forces ON_CANDLE_CLOSE for
// bots running it.
type AlphaFlowStrategy struct {
	md MarketData
}

// NewAlphaFlowStrategy builds the ALPHA_FLOW strategy.
func NewAlphaFlowStrategy(md MarketData) *AlphaFlowStrategy {
	return &AlphaFlowStrategy{md: md}
}

func (s *AlphaFlowStrategy) Name() string { return NameAlphaFlow }

func (s *AlphaFlowStrategy) Analyze(ctx context.Context, timeframe string, cfg *database.BotConfig) (*Decision, error) {
	symbol := primarySymbol(cfg)
	if symbol == "" {
		return &Decision{Action: ActionHold, Reason: "no authorized token configured"}, nil
	}

	klines, err := s.md.GetKlines(ctx, symbol, timeframe, analysisDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines: %w", err)
	}
	ha := HeikinAshi(klines)
	if len(ha) < 3 {
		return &Decision{Action: ActionHold, Symbol: symbol, Reason: "insufficient history"}, nil
	}

	streak := 0
	bullish := ha[len(ha)-1].Close > ha[len(ha)-1].Open
	for i := len(ha) - 1; i >= 0; i-- {
		if (ha[i].Close > ha[i].Open) != bullish {
			break
		}
		streak++
	}

	if streak < 3 {
		return &Decision{Action: ActionHold, Symbol: symbol, Reason: "no established streak"}, nil
	}
	action := ActionSell
	if bullish {
		action = ActionBuy
	}
	return &Decision{
		Action:     action,
		Symbol:     symbol,
		Confidence: float64(streak) / float64(len(ha)),
		Reason:     fmt.Sprintf("heikin-ashi streak of %d", streak),
	}, nil
}

// HeikinAshi converts raw candles to their Heikin-Ashi form.
func HeikinAshi(klines []exchange.Kline) []exchange.Kline {
	if len(klines) == 0 {
		return nil
	}
	out := make([]exchange.Kline, len(klines))
	for i, k := range klines {
		haClose := (k.Open + k.High + k.Low + k.Close) / 4
		var haOpen float64
		if i == 0 {
			haOpen = (k.Open + k.Close) / 2
		} else {
			haOpen = (out[i-1].Open + out[i-1].Close) / 2
		}
		out[i] = exchange.Kline{
			Start:  k.Start,
			Open:   haOpen,
			Close:  haClose,
			High:   max3(k.High, haOpen, haClose),
			Low:    min3(k.Low, haOpen, haClose),
			Volume: k.Volume,
		}
	}
	return out
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

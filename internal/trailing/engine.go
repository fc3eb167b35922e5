// Package trailing arms and maintains reduce-only trailing stops for open
// positions, persisting its per-symbol state between cycles.
package trailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/exchange"
	"backpack-trading-bot/internal/orders"
)

const atrPeriod = 14

// Store is the persistence slice the engine needs. The database layer
// satisfies it directly.
type Store interface {
	UpsertTrailingState(ctx context.Context, s *database.TrailingState) error
	GetTrailingState(ctx context.Context, botID int64, symbol string) (*database.TrailingState, error)
	ListTrailingStatesForBot(ctx context.Context, botID int64) ([]*database.TrailingState, error)
	DeleteTrailingState(ctx context.Context, botID int64, symbol string) error
	ClearActiveStopOrder(ctx context.Context, botID int64, symbol string) error
	ListOpenPositionsForBot(ctx context.Context, botID int64) ([]*database.BotPosition, error)
	NextOrderID(ctx context.Context, botID int64) (string, error)
}

// ExchangeAPI is the slice of the exchange client the engine uses.
type ExchangeAPI interface {
	GetTickers(ctx context.Context, window string) ([]exchange.Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
	GetOpenOrders(ctx context.Context, creds exchange.Credentials, symbol, marketType string) ([]exchange.OpenOrder, error)
	GetPositionsCached(ctx context.Context, creds exchange.Credentials) ([]exchange.PositionView, error)
	PlaceOrder(ctx context.Context, creds exchange.Credentials, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, creds exchange.Credentials, symbol, orderID string) error
}

// Engine drives trailing stops for one process. It talks to the order
// ledger only through bus events, never by direct calls.
type Engine struct {
	store    Store
	exchange ExchangeAPI
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewEngine wires the trailing engine.
func NewEngine(store Store, ex ExchangeAPI, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		exchange: ex,
		bus:      bus,
		logger:   logger.With().Str("component", "TrailingStopEngine").Logger(),
	}
}

func credsFor(bot *database.BotConfig) exchange.Credentials {
	return exchange.Credentials{APIKey: bot.APIKey, APISecret: bot.APISecret}
}

// activationPct picks the arming threshold: the explicit field wins when
// set, otherwise the minimum profit target is reused.
func activationPct(bot *database.BotConfig) float64 {
	if bot.TrailingStopActivationPct > 0 {
		return bot.TrailingStopActivationPct
	}
	return bot.MinProfitPercentage
}

// atrValue returns the rolling ATR on the bot's timeframe, or zero when
// kline data is unavailable.
func (e *Engine) atrValue(ctx context.Context, bot *database.BotConfig, symbol string) float64 {
	klines, err := e.exchange.GetKlines(ctx, symbol, bot.Timeframe, atrPeriod+1)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("ATR klines unavailable")
		return 0
	}
	return computeATR(klines, atrPeriod)
}

// stopDistancePct resolves the stop distance in percent. In hybrid mode
// the distance follows a rolling ATR; a kline failure falls back to the
// configured fixed distance.
func (e *Engine) stopDistancePct(ctx context.Context, bot *database.BotConfig, symbol string, price float64) float64 {
	if !bot.EnableHybridStopStrategy || price <= 0 {
		return bot.TrailingStopDistancePct
	}
	atr := e.atrValue(ctx, bot, symbol)
	if atr <= 0 {
		return bot.TrailingStopDistancePct
	}
	return atr * bot.TrailingStopAtrMultiplier / price * 100
}

// computeATR averages the true range over the last period candles.
func computeATR(klines []exchange.Kline, period int) float64 {
	if len(klines) < 2 {
		return 0
	}
	if len(klines)-1 < period {
		period = len(klines) - 1
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close
		tr := high - low
		if d := abs(high - prevClose); d > tr {
			tr = d
		}
		if d := abs(low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func stopPrice(side string, price, distancePct float64) float64 {
	if side == database.PositionSideLong {
		return price * (1 - distancePct/100)
	}
	return price * (1 + distancePct/100)
}

// placeStop submits a reduce-only stop tagged with a fresh client order id.
func (e *Engine) placeStop(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, triggerPrice float64) (string, error) {
	clientOrderID, err := e.store.NextOrderID(ctx, bot.ID)
	if err != nil {
		return "", fmt.Errorf("failed to allocate client order id: %w", err)
	}

	side := exchange.SideAsk
	if pos.Side == database.PositionSideShort {
		side = exchange.SideBid
	}
	ack, err := e.exchange.PlaceOrder(ctx, credsFor(bot), exchange.PlaceOrderRequest{
		Symbol:       pos.Symbol,
		Side:         side,
		OrderType:    exchange.OrderTypeMarket,
		Quantity:     pos.CurrentQuantity,
		TriggerPrice: triggerPrice,
		ReduceOnly:   true,
		ClientID:     clientOrderID,
	})
	if err != nil {
		return "", err
	}
	return ack.ID, nil
}

// RunCycle evaluates every open position once: arms the trail when the
// unrealized gain crosses the activation threshold, and ratchets an armed
// stop when price has progressed favorably. The previous stop is always
// cancelled before a replacement is placed.
func (e *Engine) RunCycle(ctx context.Context, bot *database.BotConfig) error {
	if !bot.TrailingStopEnabled {
		return nil
	}

	positions, err := e.store.ListOpenPositionsForBot(ctx, bot.ID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	tickers, err := e.exchange.GetTickers(ctx, "1d")
	if err != nil {
		return err
	}
	lastPrice := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		lastPrice[t.Symbol] = t.LastPrice
	}

	for _, pos := range positions {
		price, ok := lastPrice[pos.Symbol]
		if !ok || price <= 0 || pos.EntryPrice <= 0 {
			continue
		}
		if err := e.cycleSymbol(ctx, bot, pos, price); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cycleSymbol(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, price float64) error {
	pnlPct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Side == database.PositionSideShort {
		pnlPct = -pnlPct
	}

	state, err := e.store.GetTrailingState(ctx, bot.ID, pos.Symbol)
	if err != nil {
		if !errors.Is(err, database.ErrTrailingStateNotFound) {
			return err
		}
		if pnlPct >= activationPct(bot) {
			return e.armStop(ctx, bot, pos, price)
		}
		if bot.EnableHybridStopStrategy && bot.InitialStopAtrMultiplier > 0 {
			return e.armInitialStop(ctx, bot, pos)
		}
		return nil
	}

	if bot.EnableHybridStopStrategy {
		if err := e.maybeTakePartialProfit(ctx, bot, pos, state, price); err != nil {
			return err
		}
	}

	// A state without a high-water mark is still the entry-anchored initial
	// stop; it becomes a trail once the activation threshold is crossed.
	if state.HighestPrice <= 0 {
		if pnlPct < activationPct(bot) {
			return nil
		}
		return e.trailStop(ctx, bot, pos, state, price)
	}

	favorable := price > state.HighestPrice
	if pos.Side == database.PositionSideShort {
		favorable = price < state.HighestPrice
	}
	if !favorable {
		return nil
	}
	return e.trailStop(ctx, bot, pos, state, price)
}

// armInitialStop places the hybrid strategy's protective stop one ATR
// multiple below (above for shorts) the entry price, before any trailing
// begins. HighestPrice stays zero until the trail activates.
func (e *Engine) armInitialStop(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition) error {
	offset := e.atrValue(ctx, bot, pos.Symbol) * bot.InitialStopAtrMultiplier
	var trigger float64
	switch {
	case offset <= 0:
		trigger = stopPrice(pos.Side, pos.EntryPrice, bot.TrailingStopDistancePct)
	case pos.Side == database.PositionSideLong:
		trigger = pos.EntryPrice - offset
	default:
		trigger = pos.EntryPrice + offset
	}
	if trigger <= 0 {
		return nil
	}

	orderID, err := e.placeStop(ctx, bot, pos, trigger)
	if err != nil {
		return err
	}
	state := &database.TrailingState{
		BotID:             bot.ID,
		Symbol:            pos.Symbol,
		ActiveStopOrderID: orderID,
		LastTriggerPrice:  trigger,
		ArmedAt:           time.Now(),
	}
	if err := e.store.UpsertTrailingState(ctx, state); err != nil {
		return err
	}

	e.logger.Info().
		Int64("bot_id", bot.ID).
		Str("symbol", pos.Symbol).
		Float64("trigger", trigger).
		Msg("Initial protective stop placed")
	e.bus.PublishBot(events.EventTrailingStopUpdate, bot.ID, map[string]interface{}{
		"symbol":     pos.Symbol,
		"action":     "initial_stop",
		"stop_price": trigger,
	})
	return nil
}

// maybeTakePartialProfit closes the configured share of the position once
// price has moved the configured ATR multiple past entry. It fires at most
// once per position.
func (e *Engine) maybeTakePartialProfit(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, state *database.TrailingState, price float64) error {
	if state.PartialTaken || bot.PartialTakeProfitAtrMultiplier <= 0 || bot.PartialTakeProfitPercentage <= 0 {
		return nil
	}
	atr := e.atrValue(ctx, bot, pos.Symbol)
	if atr <= 0 {
		return nil
	}

	offset := atr * bot.PartialTakeProfitAtrMultiplier
	reached := price >= pos.EntryPrice+offset
	if pos.Side == database.PositionSideShort {
		reached = price <= pos.EntryPrice-offset
	}
	if !reached {
		return nil
	}

	qty := pos.CurrentQuantity * bot.PartialTakeProfitPercentage / 100
	if qty <= 0 {
		return nil
	}
	clientOrderID, err := e.store.NextOrderID(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to allocate client order id: %w", err)
	}
	side := exchange.SideAsk
	if pos.Side == database.PositionSideShort {
		side = exchange.SideBid
	}
	if _, err := e.exchange.PlaceOrder(ctx, credsFor(bot), exchange.PlaceOrderRequest{
		Symbol:     pos.Symbol,
		Side:       side,
		OrderType:  exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
		ClientID:   clientOrderID,
	}); err != nil {
		return err
	}

	state.PartialTaken = true
	if err := e.store.UpsertTrailingState(ctx, state); err != nil {
		return err
	}

	e.logger.Info().
		Int64("bot_id", bot.ID).
		Str("symbol", pos.Symbol).
		Float64("quantity", qty).
		Msg("Partial take-profit placed")
	e.bus.PublishBot(events.EventTrailingStopUpdate, bot.ID, map[string]interface{}{
		"symbol":   pos.Symbol,
		"action":   "partial_take_profit",
		"quantity": qty,
		"price":    price,
	})
	return nil
}

func (e *Engine) armStop(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, price float64) error {
	dist := e.stopDistancePct(ctx, bot, pos.Symbol, price)
	trigger := stopPrice(pos.Side, price, dist)

	orderID, err := e.placeStop(ctx, bot, pos, trigger)
	if err != nil {
		return err
	}
	state := &database.TrailingState{
		BotID:             bot.ID,
		Symbol:            pos.Symbol,
		ActiveStopOrderID: orderID,
		HighestPrice:      price,
		LastTriggerPrice:  trigger,
		ArmedAt:           time.Now(),
	}
	if err := e.store.UpsertTrailingState(ctx, state); err != nil {
		return err
	}

	e.logger.Info().
		Int64("bot_id", bot.ID).
		Str("symbol", pos.Symbol).
		Float64("trigger", trigger).
		Msg("Trailing stop armed")
	e.bus.PublishBot(events.EventTrailingStopUpdate, bot.ID, map[string]interface{}{
		"symbol":     pos.Symbol,
		"action":     "armed",
		"stop_price": trigger,
		"price":      price,
	})
	return nil
}

func (e *Engine) trailStop(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, state *database.TrailingState, price float64) error {
	if state.ActiveStopOrderID != "" {
		if err := e.exchange.CancelOrder(ctx, credsFor(bot), pos.Symbol, state.ActiveStopOrderID); err != nil && !exchange.IsNotFound(err) {
			return err
		}
	}

	dist := e.stopDistancePct(ctx, bot, pos.Symbol, price)
	trigger := stopPrice(pos.Side, price, dist)

	orderID, err := e.placeStop(ctx, bot, pos, trigger)
	if err != nil {
		// The old stop is already gone; drop the reference so the sync
		// monitor can re-create it.
		if clearErr := e.store.ClearActiveStopOrder(ctx, bot.ID, pos.Symbol); clearErr != nil && !errors.Is(clearErr, database.ErrTrailingStateNotFound) {
			e.logger.Warn().Err(clearErr).Str("symbol", pos.Symbol).Msg("Failed to clear stop reference")
		}
		return err
	}

	state.ActiveStopOrderID = orderID
	state.HighestPrice = price
	state.LastTriggerPrice = trigger
	if err := e.store.UpsertTrailingState(ctx, state); err != nil {
		return err
	}

	e.logger.Info().
		Int64("bot_id", bot.ID).
		Str("symbol", pos.Symbol).
		Float64("trigger", trigger).
		Msg("Trailing stop moved")
	e.bus.PublishBot(events.EventTrailingStopUpdate, bot.ID, map[string]interface{}{
		"symbol":     pos.Symbol,
		"action":     "trailed",
		"stop_price": trigger,
		"price":      price,
	})
	return nil
}

// CleanOrphanedStates removes TrailingState rows whose symbol no longer
// has an open position on the exchange, cancelling any leftover stop.
func (e *Engine) CleanOrphanedStates(ctx context.Context, bot *database.BotConfig) (int, error) {
	states, err := e.store.ListTrailingStatesForBot(ctx, bot.ID)
	if err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}

	positions, err := e.exchange.GetPositionsCached(ctx, credsFor(bot))
	if err != nil {
		return 0, err
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.NetQuantity != 0 {
			held[p.Symbol] = true
		}
	}

	removed := 0
	for _, state := range states {
		if held[state.Symbol] {
			continue
		}
		if state.ActiveStopOrderID != "" {
			if err := e.exchange.CancelOrder(ctx, credsFor(bot), state.Symbol, state.ActiveStopOrderID); err != nil && !exchange.IsNotFound(err) {
				e.logger.Warn().Err(err).Str("symbol", state.Symbol).Msg("Failed to cancel stop of orphaned state")
				continue
			}
		}
		if err := e.store.DeleteTrailingState(ctx, bot.ID, state.Symbol); err != nil {
			return removed, err
		}
		removed++
		e.logger.Info().
			Int64("bot_id", bot.ID).
			Str("symbol", state.Symbol).
			Msg("Orphaned trailing state removed")
	}
	return removed, nil
}

// SyncActiveStops reconciles the persisted stop references against the
// exchange. A position with an armed state but no live reduce-only stop
// gets a replacement; if placement fails the stale reference is cleared.
func (e *Engine) SyncActiveStops(ctx context.Context, bot *database.BotConfig) error {
	positions, err := e.store.ListOpenPositionsForBot(ctx, bot.ID)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}

	open, err := e.exchange.GetOpenOrders(ctx, credsFor(bot), "", exchange.MarketTypePerp)
	if err != nil {
		return err
	}
	stopsBySymbol := make(map[string]exchange.OpenOrder)
	for _, o := range open {
		if o.ReduceOnly && o.TriggerPrice > 0 && orders.BelongsToBot(o.ClientID, bot.ID, bot.BotClientOrderID) {
			stopsBySymbol[o.Symbol] = o
		}
	}

	for _, pos := range positions {
		state, err := e.store.GetTrailingState(ctx, bot.ID, pos.Symbol)
		if err != nil {
			if errors.Is(err, database.ErrTrailingStateNotFound) {
				continue
			}
			return err
		}

		live, hasLive := stopsBySymbol[pos.Symbol]
		if hasLive {
			if state.ActiveStopOrderID != live.ID {
				state.ActiveStopOrderID = live.ID
				if err := e.store.UpsertTrailingState(ctx, state); err != nil {
					return err
				}
				e.logger.Info().Str("symbol", pos.Symbol).Str("order_id", live.ID).Msg("Adopted live stop order")
			}
			continue
		}

		// Position exists, no live stop. Re-create at the recorded high.
		ref := state.HighestPrice
		if ref <= 0 {
			ref = pos.EntryPrice
		}
		dist := e.stopDistancePct(ctx, bot, pos.Symbol, ref)
		trigger := stopPrice(pos.Side, ref, dist)

		orderID, err := e.placeStop(ctx, bot, pos, trigger)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Stop re-creation failed, clearing reference")
			if clearErr := e.store.ClearActiveStopOrder(ctx, bot.ID, pos.Symbol); clearErr != nil && !errors.Is(clearErr, database.ErrTrailingStateNotFound) {
				return clearErr
			}
			continue
		}
		state.ActiveStopOrderID = orderID
		state.LastTriggerPrice = trigger
		if err := e.store.UpsertTrailingState(ctx, state); err != nil {
			return err
		}
		e.logger.Info().Str("symbol", pos.Symbol).Float64("trigger", trigger).Msg("Replacement stop placed")
	}
	return nil
}

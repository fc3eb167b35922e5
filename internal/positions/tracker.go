// Package positions derives per-bot position state from fill events and
// from sweeps over the exchange's fill history.
package positions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
	"backpack-trading-bot/internal/orders"
)

const sweepLookback = 7 * 24 * time.Hour

// profitFactorCap is reported when wins exist but no losses.
const profitFactorCap = 999

// Store is the position persistence the tracker needs.
type Store interface {
	CreateBotPosition(ctx context.Context, p *database.BotPosition) error
	UpdateBotPosition(ctx context.Context, p *database.BotPosition) error
	GetLatestOpenPosition(ctx context.Context, botID int64, symbol string) (*database.BotPosition, error)
	ListOpenPositionsForBot(ctx context.Context, botID int64) ([]*database.BotPosition, error)
	ListPositionsForBot(ctx context.Context, botID int64) ([]*database.BotPosition, error)
}

// Ledger is the slice of the order ledger the tracker touches.
type Ledger interface {
	GetOrderByExternalID(ctx context.Context, externalOrderID string) (*database.BotOrder, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*database.BotOrder, error)
	SetOrderAccepted(ctx context.Context, clientOrderID, externalOrderID string, exchangeCreatedAt time.Time) error
	SetOrderFilled(ctx context.Context, externalOrderID string, at time.Time) error
	SetOrderClosed(ctx context.Context, externalOrderID string, closePrice, closeQty float64, closeTime time.Time, closeType string, pnl, pnlPct float64) error
	ListOrdersForBot(ctx context.Context, botID int64) ([]*database.BotOrder, error)
}

// FillSource provides historical fills for the sweep mode.
type FillSource interface {
	GetFillHistory(ctx context.Context, creds exchange.Credentials, symbol string, from, to time.Time, limit int, marketType string) ([]exchange.Fill, error)
}

// Tracker applies the fill algorithm against durable position records.
type Tracker struct {
	store    Store
	ledger   Ledger
	exchange FillSource
	logger   zerolog.Logger
}

// NewTracker wires the position tracker.
func NewTracker(store Store, ledger Ledger, fills FillSource, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		ledger:   ledger,
		exchange: fills,
		logger:   logger.With().Str("component", "PositionTracker").Logger(),
	}
}

func positionSideForFill(side string) string {
	if side == exchange.SideBid {
		return database.PositionSideLong
	}
	return database.PositionSideShort
}

// OnFill applies one execution report to the bot's position state. Fills
// not owned by the bot, or older than the bot itself, are ignored.
func (t *Tracker) OnFill(ctx context.Context, bot *database.BotConfig, fill exchange.Fill) error {
	if !orders.BelongsToBot(fill.ClientID, bot.ID, bot.BotClientOrderID) {
		return nil
	}
	if fill.Timestamp.Before(bot.CreatedAt) {
		return nil
	}

	t.markOrderFilled(ctx, fill)

	pos, err := t.store.GetLatestOpenPosition(ctx, bot.ID, fill.Symbol)
	if err != nil {
		if !errors.Is(err, database.ErrPositionNotFound) {
			return err
		}
		pos = &database.BotPosition{
			BotID:           bot.ID,
			Symbol:          fill.Symbol,
			Side:            positionSideForFill(fill.Side),
			EntryPrice:      fill.Price,
			InitialQuantity: fill.Quantity,
			CurrentQuantity: fill.Quantity,
			Status:          database.PositionStatusOpen,
		}
		if err := t.store.CreateBotPosition(ctx, pos); err != nil {
			return err
		}
		t.logger.Info().
			Int64("bot_id", bot.ID).
			Str("symbol", fill.Symbol).
			Str("side", pos.Side).
			Float64("entry", pos.EntryPrice).
			Msg("Position opened")
		return nil
	}

	if positionSideForFill(fill.Side) == pos.Side {
		t.scalePosition(pos, fill)
	} else {
		t.reducePosition(ctx, bot, pos, fill)
	}
	return t.store.UpdateBotPosition(ctx, pos)
}

// ApplyRecentFills retrieves the bot's fills newer than the given mark, in
// timestamp order, and dispatches each through OnFill. It returns the new
// mark (the timestamp of the last applied fill) so callers can resume from
// it on the next cycle without re-applying executions.
func (t *Tracker) ApplyRecentFills(ctx context.Context, bot *database.BotConfig, since time.Time) (time.Time, error) {
	creds := exchange.Credentials{APIKey: bot.APIKey, APISecret: bot.APISecret}
	fills, err := t.exchange.GetFillHistory(ctx, creds, "", since, time.Now(), 100, exchange.MarketTypePerp)
	if err != nil {
		return since, err
	}

	sort.Slice(fills, func(i, j int) bool {
		return fills[i].Timestamp.Before(fills[j].Timestamp)
	})

	mark := since
	for _, fill := range fills {
		if !fill.Timestamp.After(since) {
			continue
		}
		if err := t.OnFill(ctx, bot, fill); err != nil {
			return mark, err
		}
		if fill.Timestamp.After(mark) {
			mark = fill.Timestamp
		}
	}
	return mark, nil
}

// markOrderFilled is the order side-effect of a fill: a matching PENDING
// ledger row transitions to FILLED.
func (t *Tracker) markOrderFilled(ctx context.Context, fill exchange.Fill) {
	row, err := t.ledger.GetOrderByExternalID(ctx, fill.OrderID)
	if err != nil {
		row, err = t.ledger.GetOrderByClientID(ctx, fill.ClientID)
	}
	if err != nil || row.Status != database.OrderStatusPending {
		return
	}
	if row.ExternalOrderID == "" && fill.OrderID != "" {
		if err := t.ledger.SetOrderAccepted(ctx, row.ClientOrderID, fill.OrderID, fill.Timestamp); err != nil {
			t.logger.Warn().Err(err).Str("client_order_id", row.ClientOrderID).Msg("Failed to backfill exchange id")
			return
		}
		row.ExternalOrderID = fill.OrderID
	}
	if err := t.ledger.SetOrderFilled(ctx, row.ExternalOrderID, fill.Timestamp); err != nil {
		t.logger.Warn().Err(err).Str("external_order_id", row.ExternalOrderID).Msg("Failed to mark order filled")
	}
}

// scalePosition blends the entry price on a same-side fill.
func (t *Tracker) scalePosition(pos *database.BotPosition, fill exchange.Fill) {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	curQty := decimal.NewFromFloat(pos.CurrentQuantity)
	fillPrice := decimal.NewFromFloat(fill.Price)
	fillQty := decimal.NewFromFloat(fill.Quantity)

	newQty := curQty.Add(fillQty)
	blended := entry.Mul(curQty).Add(fillPrice.Mul(fillQty)).Div(newQty)

	pos.EntryPrice, _ = blended.Float64()
	pos.InitialQuantity += fill.Quantity
	pos.CurrentQuantity, _ = newQty.Float64()

	t.logger.Info().
		Int64("bot_id", pos.BotID).
		Str("symbol", pos.Symbol).
		Float64("entry", pos.EntryPrice).
		Float64("quantity", pos.CurrentQuantity).
		Msg("Position scaled")
}

// reducePosition realizes pnl on an opposite-side fill, clamping the close
// quantity to what the position still holds.
func (t *Tracker) reducePosition(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, fill exchange.Fill) {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	curQty := decimal.NewFromFloat(pos.CurrentQuantity)
	closePrice := decimal.NewFromFloat(fill.Price)
	fillQty := decimal.NewFromFloat(fill.Quantity)

	closeQty := decimal.Min(fillQty, curQty)
	delta := closePrice.Sub(entry).Mul(closeQty)
	if pos.Side == database.PositionSideShort {
		delta = entry.Sub(closePrice).Mul(closeQty)
	}

	newPnl := decimal.NewFromFloat(pos.PnL).Add(delta)
	remaining := curQty.Sub(closeQty)

	pos.PnL, _ = newPnl.Float64()
	pos.CurrentQuantity, _ = remaining.Float64()
	if remaining.IsZero() {
		pos.Status = database.PositionStatusClosed
		t.closeEntryOrders(ctx, bot, pos, fill)
	} else {
		pos.Status = database.PositionStatusPartiallyClosed
	}

	t.logger.Info().
		Int64("bot_id", pos.BotID).
		Str("symbol", pos.Symbol).
		Float64("pnl", pos.PnL).
		Str("status", pos.Status).
		Msg("Position reduced")
}

// closeEntryOrders marks the position's filled entry rows CLOSED once the
// position itself reaches zero.
func (t *Tracker) closeEntryOrders(ctx context.Context, bot *database.BotConfig, pos *database.BotPosition, fill exchange.Fill) {
	rows, err := t.ledger.ListOrdersForBot(ctx, bot.ID)
	if err != nil {
		t.logger.Warn().Err(err).Int64("bot_id", bot.ID).Msg("Failed to list orders for close-out")
		return
	}
	for _, row := range rows {
		if row.Symbol != pos.Symbol || row.Status != database.OrderStatusFilled || !row.IsEntryType() {
			continue
		}
		pnlPct := 0.0
		if row.Price > 0 {
			sign := 1.0
			if pos.Side == database.PositionSideShort {
				sign = -1.0
			}
			pnlPct = sign * (fill.Price - row.Price) / row.Price * 100
		}
		if err := t.ledger.SetOrderClosed(ctx, row.ExternalOrderID, fill.Price, row.Quantity, fill.Timestamp, database.CloseTypeAuto, pos.PnL, pnlPct); err != nil {
			t.logger.Warn().Err(err).Str("external_order_id", row.ExternalOrderID).Msg("Failed to close entry order")
		}
	}
}

// GetBotOpenPositions returns the bot's open positions from local records
// only. The account-wide exchange view is never consulted here, which is
// what lets bots share an account with manual trading.
func (t *Tracker) GetBotOpenPositions(ctx context.Context, botID int64) ([]*database.BotPosition, error) {
	return t.store.ListOpenPositionsForBot(ctx, botID)
}

// Trade is one fully closed position lifecycle reconstructed by the sweep.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	ExitPrice  float64   `json:"exit_price"`
	Pnl        float64   `json:"pnl"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// PnLStats is the metric set computed over reconstructed trades.
type PnLStats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgPnl       float64 `json:"avg_pnl"`
	MaxWin       float64 `json:"max_win"`
	MaxLoss      float64 `json:"max_loss"`
	TotalPnl     float64 `json:"total_pnl"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	TotalVolume  float64 `json:"total_volume"`
}

// TrackBotPositions reconstructs the bot's trades from 7 days of fills on
// the symbols it has entry orders for, then computes the metric set.
func (t *Tracker) TrackBotPositions(ctx context.Context, bot *database.BotConfig) (*PnLStats, []Trade, error) {
	rows, err := t.ledger.ListOrdersForBot(ctx, bot.ID)
	if err != nil {
		return nil, nil, err
	}

	symbols := make(map[string]struct{})
	for _, row := range rows {
		if row.IsEntryType() {
			symbols[row.Symbol] = struct{}{}
		}
	}

	creds := exchange.Credentials{APIKey: bot.APIKey, APISecret: bot.APISecret}
	now := time.Now()

	var trades []Trade
	for symbol := range symbols {
		fills, err := t.exchange.GetFillHistory(ctx, creds, symbol, now.Add(-sweepLookback), now, 100, exchange.MarketTypePerp)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch fills for %s: %w", symbol, err)
		}

		var owned []exchange.Fill
		for _, f := range fills {
			if orders.BelongsToBot(f.ClientID, bot.ID, bot.BotClientOrderID) && !f.Timestamp.Before(bot.CreatedAt) {
				owned = append(owned, f)
			}
		}
		sort.Slice(owned, func(i, j int) bool {
			return owned[i].Timestamp.Before(owned[j].Timestamp)
		})
		trades = append(trades, reconstructTrades(symbol, owned)...)
	}

	return computeStats(trades), trades, nil
}

// GetBotPnLStats computes the metric set for the dashboard.
func (t *Tracker) GetBotPnLStats(ctx context.Context, bot *database.BotConfig) (*PnLStats, error) {
	stats, _, err := t.TrackBotPositions(ctx, bot)
	return stats, err
}

// reconstructTrades replays the fill algorithm over one symbol's fills and
// emits a Trade for every position that fully closes.
func reconstructTrades(symbol string, fills []exchange.Fill) []Trade {
	var trades []Trade

	var (
		open      bool
		side      string
		entry     decimal.Decimal
		qty       decimal.Decimal
		pnl       decimal.Decimal
		exitPrice decimal.Decimal
		initQty   decimal.Decimal
		openedAt  time.Time
	)

	for _, f := range fills {
		price := decimal.NewFromFloat(f.Price)
		fq := decimal.NewFromFloat(f.Quantity)

		if !open {
			open = true
			side = positionSideForFill(f.Side)
			entry = price
			qty = fq
			initQty = fq
			pnl = decimal.Zero
			openedAt = f.Timestamp
			continue
		}

		if positionSideForFill(f.Side) == side {
			newQty := qty.Add(fq)
			entry = entry.Mul(qty).Add(price.Mul(fq)).Div(newQty)
			qty = newQty
			initQty = initQty.Add(fq)
			continue
		}

		closeQty := decimal.Min(fq, qty)
		delta := price.Sub(entry).Mul(closeQty)
		if side == database.PositionSideShort {
			delta = entry.Sub(price).Mul(closeQty)
		}
		pnl = pnl.Add(delta)
		qty = qty.Sub(closeQty)
		exitPrice = price

		if qty.IsZero() {
			entryF, _ := entry.Float64()
			initF, _ := initQty.Float64()
			exitF, _ := exitPrice.Float64()
			pnlF, _ := pnl.Float64()
			trades = append(trades, Trade{
				Symbol:     symbol,
				Side:       side,
				EntryPrice: entryF,
				Quantity:   initF,
				ExitPrice:  exitF,
				Pnl:        pnlF,
				OpenedAt:   openedAt,
				ClosedAt:   f.Timestamp,
			})
			open = false
		}
	}
	return trades
}

func computeStats(trades []Trade) *PnLStats {
	stats := &PnLStats{}
	if len(trades) == 0 {
		return stats
	}

	winsPnl := decimal.Zero
	lossesPnl := decimal.Zero
	totalPnl := decimal.Zero
	volume := decimal.Zero
	equity := decimal.Zero
	peak := decimal.Zero
	maxDD := decimal.Zero

	for _, tr := range trades {
		p := decimal.NewFromFloat(tr.Pnl)
		totalPnl = totalPnl.Add(p)
		volume = volume.Add(decimal.NewFromFloat(tr.Quantity).Mul(decimal.NewFromFloat(tr.EntryPrice)))

		if p.IsPositive() {
			stats.Wins++
			winsPnl = winsPnl.Add(p)
			if tr.Pnl > stats.MaxWin {
				stats.MaxWin = tr.Pnl
			}
		} else {
			stats.Losses++
			lossesPnl = lossesPnl.Add(p)
			if tr.Pnl < stats.MaxLoss {
				stats.MaxLoss = tr.Pnl
			}
		}

		equity = equity.Add(p)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}

	stats.TotalTrades = len(trades)
	stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades) * 100
	stats.TotalPnl, _ = totalPnl.Float64()
	stats.AvgPnl = stats.TotalPnl / float64(stats.TotalTrades)
	stats.TotalVolume, _ = volume.Float64()
	stats.MaxDrawdown, _ = maxDD.Float64()

	switch {
	case stats.Wins > 0 && lossesPnl.IsZero():
		stats.ProfitFactor = profitFactorCap
	case stats.Wins == 0:
		stats.ProfitFactor = 0
	default:
		pf, _ := winsPnl.Div(lossesPnl.Abs()).Float64()
		stats.ProfitFactor = pf
	}
	return stats
}

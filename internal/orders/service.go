// Package orders maintains the durable ledger of every order a bot has
// submitted and reconciles it against the exchange's view.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/exchange"
)

const (
	// ghostTTL is how long a PENDING order the exchange does not know
	// about may live before it is cancelled locally.
	ghostTTL = 10 * time.Minute

	// pendingOrderTTL bounds how long an entry LIMIT may rest unfilled.
	pendingOrderTTL = 10 * time.Minute

	fillLookback = 7 * 24 * time.Hour
	fillPageSize = 100

	qtyEpsilon = 1e-9
)

// Store is the ledger persistence the service needs.
type Store interface {
	CreateBotOrder(ctx context.Context, o *database.BotOrder) error
	SetOrderAccepted(ctx context.Context, clientOrderID, externalOrderID string, exchangeCreatedAt time.Time) error
	SetOrderFilled(ctx context.Context, externalOrderID string, at time.Time) error
	SetOrderStatus(ctx context.Context, externalOrderID, status string) error
	SetOrderStatusByClientID(ctx context.Context, clientOrderID, status string) error
	SetOrderClosed(ctx context.Context, externalOrderID string, closePrice, closeQty float64, closeTime time.Time, closeType string, pnl, pnlPct float64) error
	GetOrderByExternalID(ctx context.Context, externalOrderID string) (*database.BotOrder, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*database.BotOrder, error)
	ListOrdersForBot(ctx context.Context, botID int64) ([]*database.BotOrder, error)
	ListOrdersForBotByStatus(ctx context.Context, botID int64, statuses []string) ([]*database.BotOrder, error)
	DeleteOrdersByBot(ctx context.Context, botID int64) error
}

// ConfigStore issues fresh client order ids.
type ConfigStore interface {
	NextOrderID(ctx context.Context, botID int64) (string, error)
}

// ExchangeAPI is the slice of the exchange client the service uses.
type ExchangeAPI interface {
	GetOpenOrders(ctx context.Context, creds exchange.Credentials, symbol, marketType string) ([]exchange.OpenOrder, error)
	GetFillHistory(ctx context.Context, creds exchange.Credentials, symbol string, from, to time.Time, limit int, marketType string) ([]exchange.Fill, error)
	GetTickers(ctx context.Context, window string) ([]exchange.Ticker, error)
	PlaceOrder(ctx context.Context, creds exchange.Credentials, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, creds exchange.Credentials, symbol, orderID string) error
}

// PositionReader exposes the locally derived position records.
type PositionReader interface {
	GetLatestOpenPosition(ctx context.Context, botID int64, symbol string) (*database.BotPosition, error)
	ListOpenPositionsForBot(ctx context.Context, botID int64) ([]*database.BotPosition, error)
}

// Submission describes an order about to be sent to the exchange.
type Submission struct {
	Symbol    string
	Side      string // Bid | Ask
	OrderType string
	Quantity  float64
	Price     float64
}

// Service is the order ledger plus reconciliation.
type Service struct {
	store     Store
	configs   ConfigStore
	exchange  ExchangeAPI
	positions PositionReader
	bus       *events.Bus
	logger    zerolog.Logger
}

// NewService wires the order service.
func NewService(store Store, configs ConfigStore, ex ExchangeAPI, positions PositionReader, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		configs:   configs,
		exchange:  ex,
		positions: positions,
		bus:       bus,
		logger:    logger.With().Str("component", "OrderService").Logger(),
	}
}

func credsFor(bot *database.BotConfig) exchange.Credentials {
	return exchange.Credentials{APIKey: bot.APIKey, APISecret: bot.APISecret}
}

// RegisterSubmission obtains a fresh client order id and records a PENDING
// ledger row. The exchange id is filled later by ConfirmAccepted.
func (s *Service) RegisterSubmission(ctx context.Context, bot *database.BotConfig, sub Submission) (string, error) {
	clientOrderID, err := s.configs.NextOrderID(ctx, bot.ID)
	if err != nil {
		return "", fmt.Errorf("failed to allocate client order id: %w", err)
	}

	order := &database.BotOrder{
		BotID:         bot.ID,
		ClientOrderID: clientOrderID,
		Symbol:        sub.Symbol,
		Side:          sub.Side,
		OrderType:     sub.OrderType,
		Quantity:      sub.Quantity,
		Price:         sub.Price,
		Status:        database.OrderStatusPending,
		Timestamp:     time.Now(),
	}
	if err := s.store.CreateBotOrder(ctx, order); err != nil {
		return "", err
	}

	s.logger.Debug().
		Int64("bot_id", bot.ID).
		Str("client_order_id", clientOrderID).
		Str("symbol", sub.Symbol).
		Msg("Order submission registered")
	return clientOrderID, nil
}

// ConfirmAccepted records the exchange id on the PENDING row.
func (s *Service) ConfirmAccepted(ctx context.Context, clientOrderID, externalOrderID string, exchangeCreatedAt time.Time) error {
	return s.store.SetOrderAccepted(ctx, clientOrderID, externalOrderID, exchangeCreatedAt)
}

// MarkFilled transitions PENDING to FILLED.
func (s *Service) MarkFilled(ctx context.Context, externalOrderID string, at time.Time) error {
	return s.store.SetOrderFilled(ctx, externalOrderID, at)
}

// MarkClosed records the exit leg of a filled order. Invoked by the
// position tracker when a position reaches zero, or by reconciliation.
func (s *Service) MarkClosed(ctx context.Context, externalOrderID string, closePrice, closeQty float64, closeTime time.Time, closeType string, pnl, pnlPct float64) error {
	return s.store.SetOrderClosed(ctx, externalOrderID, closePrice, closeQty, closeTime, closeType, pnl, pnlPct)
}

// ListOpenForBot returns rows still live on either side: awaiting
// execution or filled with the position not yet closed.
func (s *Service) ListOpenForBot(ctx context.Context, botID int64) ([]*database.BotOrder, error) {
	return s.store.ListOrdersForBotByStatus(ctx, botID,
		[]string{database.OrderStatusPending, database.OrderStatusFilled})
}

// ListAllForBot returns the bot's full ledger.
func (s *Service) ListAllForBot(ctx context.Context, botID int64) ([]*database.BotOrder, error) {
	return s.store.ListOrdersForBot(ctx, botID)
}

// GetByExternalID looks up one ledger row by exchange id.
func (s *Service) GetByExternalID(ctx context.Context, externalOrderID string) (*database.BotOrder, error) {
	return s.store.GetOrderByExternalID(ctx, externalOrderID)
}

// ClearOrdersByBotID hard-deletes the ledger on bot removal.
func (s *Service) ClearOrdersByBotID(ctx context.Context, botID int64) error {
	return s.store.DeleteOrdersByBot(ctx, botID)
}

// SyncWithExchange reconciles the local ledger with the exchange. It
// applies ghost cleanup, status correction and missed-fill patching, one
// symbol at a time; a failure on one symbol does not abort the sweep.
func (s *Service) SyncWithExchange(ctx context.Context, bot *database.BotConfig) (int, error) {
	creds := credsFor(bot)

	open, err := s.exchange.GetOpenOrders(ctx, creds, "", exchange.MarketTypePerp)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	openByExternal := make(map[string]struct{}, len(open))
	openByClient := make(map[string]struct{}, len(open))
	for _, o := range open {
		openByExternal[o.ID] = struct{}{}
		if o.ClientID != "" {
			openByClient[o.ClientID] = struct{}{}
		}
	}

	local, err := s.ListOpenForBot(ctx, bot.ID)
	if err != nil {
		return 0, err
	}

	bySymbol := make(map[string][]*database.BotOrder)
	for _, row := range local {
		bySymbol[row.Symbol] = append(bySymbol[row.Symbol], row)
	}

	synced := 0
	for symbol, rows := range bySymbol {
		n, err := s.syncSymbol(ctx, bot, creds, symbol, rows, openByExternal, openByClient)
		synced += n
		if err != nil {
			s.logger.Warn().Err(err).
				Int64("bot_id", bot.ID).
				Str("symbol", symbol).
				Msg("Symbol reconciliation failed, continuing sweep")
		}
	}
	return synced, nil
}

func (s *Service) syncSymbol(ctx context.Context, bot *database.BotConfig, creds exchange.Credentials, symbol string, rows []*database.BotOrder, openByExternal, openByClient map[string]struct{}) (int, error) {
	now := time.Now()
	fills, err := s.exchange.GetFillHistory(ctx, creds, symbol, now.Add(-fillLookback), now, fillPageSize, exchange.MarketTypePerp)
	if err != nil {
		return 0, err
	}

	fillsByExternal := make(map[string][]exchange.Fill)
	fillsByClient := make(map[string][]exchange.Fill)
	for _, f := range fills {
		if f.OrderID != "" {
			fillsByExternal[f.OrderID] = append(fillsByExternal[f.OrderID], f)
		}
		if f.ClientID != "" {
			fillsByClient[f.ClientID] = append(fillsByClient[f.ClientID], f)
		}
	}

	synced := 0
	for _, row := range rows {
		switch row.Status {
		case database.OrderStatusPending:
			n, err := s.syncPendingRow(ctx, row, now, openByExternal, openByClient, fillsByExternal, fillsByClient)
			synced += n
			if err != nil {
				return synced, err
			}
		case database.OrderStatusFilled:
			n, err := s.patchMissedExit(ctx, bot, row, fills)
			synced += n
			if err != nil {
				return synced, err
			}
		}
	}
	return synced, nil
}

func (s *Service) syncPendingRow(ctx context.Context, row *database.BotOrder, now time.Time, openByExternal, openByClient map[string]struct{}, fillsByExternal, fillsByClient map[string][]exchange.Fill) (int, error) {
	// Status correction: the exchange filled it while we still show PENDING.
	matched := fillsByExternal[row.ExternalOrderID]
	if len(matched) == 0 {
		matched = fillsByClient[row.ClientOrderID]
	}
	if len(matched) > 0 {
		f := matched[0]
		if row.ExternalOrderID == "" && f.OrderID != "" {
			if err := s.store.SetOrderAccepted(ctx, row.ClientOrderID, f.OrderID, f.Timestamp); err != nil {
				return 0, err
			}
			row.ExternalOrderID = f.OrderID
		}
		if err := s.store.SetOrderFilled(ctx, row.ExternalOrderID, f.Timestamp); err != nil {
			return 0, err
		}
		s.logger.Info().
			Str("client_order_id", row.ClientOrderID).
			Msg("Corrected local PENDING to FILLED from exchange fills")
		return 1, nil
	}

	_, onExchange := openByExternal[row.ExternalOrderID]
	if !onExchange {
		_, onExchange = openByClient[row.ClientOrderID]
	}
	if onExchange {
		return 0, nil
	}

	// Ghost cleanup: never acknowledged, never filled, past the TTL.
	if now.Sub(row.Timestamp) > ghostTTL {
		if err := s.store.SetOrderStatusByClientID(ctx, row.ClientOrderID, database.OrderStatusCancelled); err != nil {
			return 0, err
		}
		s.logger.Info().
			Str("client_order_id", row.ClientOrderID).
			Msg("Ghost order cancelled after TTL")
		return 1, nil
	}
	return 0, nil
}

// patchMissedExit closes a FILLED entry whose exit fills happened on the
// exchange without being recorded locally.
func (s *Service) patchMissedExit(ctx context.Context, bot *database.BotConfig, row *database.BotOrder, fills []exchange.Fill) (int, error) {
	if !row.IsEntryType() {
		return 0, nil
	}

	// Only patch once the position really is gone; otherwise the position
	// tracker will close the order itself.
	if _, err := s.positions.GetLatestOpenPosition(ctx, bot.ID, row.Symbol); err == nil {
		return 0, nil
	} else if !errors.Is(err, database.ErrPositionNotFound) {
		return 0, err
	}

	entryTime := row.Timestamp
	if row.ExchangeCreatedAt != nil {
		entryTime = *row.ExchangeCreatedAt
	}

	var exitQty, exitNotional float64
	var lastExit time.Time
	for _, f := range fills {
		if f.Side == row.Side || f.Timestamp.Before(entryTime) {
			continue
		}
		if !BelongsToBot(f.ClientID, bot.ID, bot.BotClientOrderID) {
			continue
		}
		exitQty += f.Quantity
		exitNotional += f.Quantity * f.Price
		if f.Timestamp.After(lastExit) {
			lastExit = f.Timestamp
		}
	}
	if exitQty+qtyEpsilon < row.Quantity || exitQty <= 0 {
		return 0, nil
	}

	exitPrice := exitNotional / exitQty
	closeQty := math.Min(exitQty, row.Quantity)
	sign := 1.0
	if row.Side == exchange.SideAsk {
		sign = -1.0
	}
	pnl := sign * (exitPrice - row.Price) * closeQty
	pnlPct := 0.0
	if row.Price > 0 {
		pnlPct = sign * (exitPrice - row.Price) / row.Price * 100
	}

	if err := s.store.SetOrderClosed(ctx, row.ExternalOrderID, exitPrice, closeQty, lastExit, database.CloseTypeAuto, pnl, pnlPct); err != nil {
		return 0, err
	}
	s.logger.Info().
		Str("external_order_id", row.ExternalOrderID).
		Float64("pnl", pnl).
		Msg("Patched missed exit from exchange fills")
	return 1, nil
}

// ScanAndCleanupOrphans cancels reduce-only open orders whose position no
// longer exists. The full variant scans every symbol the exchange reports;
// otherwise only symbols present in the local ledger are considered.
func (s *Service) ScanAndCleanupOrphans(ctx context.Context, bot *database.BotConfig, fullScan bool) (int, error) {
	creds := credsFor(bot)

	open, err := s.exchange.GetOpenOrders(ctx, creds, "", exchange.MarketTypePerp)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	var localSymbols map[string]struct{}
	if !fullScan {
		rows, err := s.store.ListOrdersForBot(ctx, bot.ID)
		if err != nil {
			return 0, err
		}
		localSymbols = make(map[string]struct{}, len(rows))
		for _, row := range rows {
			localSymbols[row.Symbol] = struct{}{}
		}
	}

	cancelled := 0
	for _, o := range open {
		if !o.ReduceOnly {
			continue
		}
		if !BelongsToBot(o.ClientID, bot.ID, bot.BotClientOrderID) {
			continue
		}
		if !fullScan {
			if _, ok := localSymbols[o.Symbol]; !ok {
				continue
			}
		}

		_, err := s.positions.GetLatestOpenPosition(ctx, bot.ID, o.Symbol)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrPositionNotFound) {
			s.logger.Warn().Err(err).Str("symbol", o.Symbol).Msg("Position lookup failed during orphan scan")
			continue
		}

		if err := s.exchange.CancelOrder(ctx, creds, o.Symbol, o.ID); err != nil && !exchange.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to cancel orphan order")
			continue
		}
		if err := s.store.SetOrderStatus(ctx, o.ID, database.OrderStatusCancelled); err != nil && !errors.Is(err, database.ErrOrderNotFound) {
			s.logger.Warn().Err(err).Str("order_id", o.ID).Msg("Failed to record orphan cancellation")
		}
		cancelled++
		s.logger.Info().
			Int64("bot_id", bot.ID).
			Str("symbol", o.Symbol).
			Str("order_id", o.ID).
			Msg("Cancelled orphan reduce-only order")
	}

	if cancelled > 0 {
		s.bus.PublishBot(events.EventOrphanOrdersCleanup, bot.ID, map[string]interface{}{
			"cancelled": cancelled,
			"full_scan": fullScan,
		})
	}
	return cancelled, nil
}

// CancelStalePending cancels resting entry LIMIT orders that exceeded
// their TTL or drifted past the configured slippage from the last price.
func (s *Service) CancelStalePending(ctx context.Context, bot *database.BotConfig) (int, error) {
	rows, err := s.store.ListOrdersForBotByStatus(ctx, bot.ID, []string{database.OrderStatusPending})
	if err != nil {
		return 0, err
	}
	var limits []*database.BotOrder
	for _, row := range rows {
		if row.OrderType == database.OrderTypeLimit {
			limits = append(limits, row)
		}
	}
	if len(limits) == 0 {
		return 0, nil
	}

	creds := credsFor(bot)
	lastPrice := make(map[string]float64)
	if tickers, err := s.exchange.GetTickers(ctx, "1d"); err == nil {
		for _, t := range tickers {
			lastPrice[t.Symbol] = t.LastPrice
		}
	} else {
		s.logger.Warn().Err(err).Msg("Ticker fetch failed, slippage check skipped this cycle")
	}

	now := time.Now()
	cancelled := 0
	for _, row := range limits {
		stale := now.Sub(row.Timestamp) > pendingOrderTTL
		slipped := false
		if last, ok := lastPrice[row.Symbol]; ok && row.Price > 0 && bot.MaxSlippagePct > 0 {
			drift := math.Abs(last-row.Price) / row.Price * 100
			slipped = drift > bot.MaxSlippagePct
		}
		if !stale && !slipped {
			continue
		}

		if row.ExternalOrderID != "" {
			if err := s.exchange.CancelOrder(ctx, creds, row.Symbol, row.ExternalOrderID); err != nil && !exchange.IsNotFound(err) {
				s.logger.Warn().Err(err).Str("order_id", row.ExternalOrderID).Msg("Failed to cancel stale pending order")
				continue
			}
		}
		if err := s.store.SetOrderStatusByClientID(ctx, row.ClientOrderID, database.OrderStatusCancelled); err != nil {
			return cancelled, err
		}
		cancelled++
		s.logger.Info().
			Int64("bot_id", bot.ID).
			Str("client_order_id", row.ClientOrderID).
			Bool("slipped", slipped).
			Msg("Cancelled stale pending order")
	}

	if cancelled > 0 {
		s.bus.PublishBot(events.EventPendingOrdersUpdate, bot.ID, map[string]interface{}{
			"cancelled": cancelled,
		})
	}
	return cancelled, nil
}

// EnsureTakeProfits places a reduce-only limit for every open position
// that does not already have one.
func (s *Service) EnsureTakeProfits(ctx context.Context, bot *database.BotConfig) (int, error) {
	positions, err := s.positions.ListOpenPositionsForBot(ctx, bot.ID)
	if err != nil {
		return 0, err
	}
	if len(positions) == 0 {
		return 0, nil
	}

	creds := credsFor(bot)
	open, err := s.exchange.GetOpenOrders(ctx, creds, "", exchange.MarketTypePerp)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	covered := make(map[string]bool)
	for _, o := range open {
		if o.ReduceOnly && o.TriggerPrice == 0 && BelongsToBot(o.ClientID, bot.ID, bot.BotClientOrderID) {
			covered[o.Symbol] = true
		}
	}

	placed := 0
	for _, pos := range positions {
		if covered[pos.Symbol] {
			continue
		}

		side := exchange.SideAsk
		target := pos.EntryPrice * (1 + bot.MinProfitPercentage/100)
		if pos.Side == database.PositionSideShort {
			side = exchange.SideBid
			target = pos.EntryPrice * (1 - bot.MinProfitPercentage/100)
		}

		clientOrderID, err := s.RegisterSubmission(ctx, bot, Submission{
			Symbol:    pos.Symbol,
			Side:      side,
			OrderType: database.OrderTypeTakeProfit,
			Quantity:  pos.CurrentQuantity,
			Price:     target,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Failed to register take-profit submission")
			continue
		}

		ack, err := s.exchange.PlaceOrder(ctx, creds, exchange.PlaceOrderRequest{
			Symbol:     pos.Symbol,
			Side:       side,
			OrderType:  exchange.OrderTypeLimit,
			Quantity:   pos.CurrentQuantity,
			Price:      target,
			ReduceOnly: true,
			PostOnly:   bot.EnablePostOnly,
			ClientID:   clientOrderID,
		})
		if err != nil {
			_ = s.store.SetOrderStatusByClientID(ctx, clientOrderID, database.OrderStatusCancelled)
			s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Take-profit placement failed")
			continue
		}
		if err := s.ConfirmAccepted(ctx, clientOrderID, ack.ID, ack.CreatedAt); err != nil {
			s.logger.Warn().Err(err).Str("client_order_id", clientOrderID).Msg("Failed to record take-profit acceptance")
		}
		placed++
		s.logger.Info().
			Int64("bot_id", bot.ID).
			Str("symbol", pos.Symbol).
			Float64("price", target).
			Msg("Placed take-profit order")
	}

	if placed > 0 {
		s.bus.PublishBot(events.EventTakeProfitUpdate, bot.ID, map[string]interface{}{
			"placed": placed,
		})
	}
	return placed, nil
}

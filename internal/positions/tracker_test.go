package positions

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
)

type mockPosStore struct {
	positions []*database.BotPosition
	nextID    int64
}

func (m *mockPosStore) CreateBotPosition(_ context.Context, p *database.BotPosition) error {
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	m.positions = append(m.positions, p)
	return nil
}

func (m *mockPosStore) UpdateBotPosition(_ context.Context, p *database.BotPosition) error {
	for i, existing := range m.positions {
		if existing.ID == p.ID {
			m.positions[i] = p
			return nil
		}
	}
	return database.ErrPositionNotFound
}

func (m *mockPosStore) GetLatestOpenPosition(_ context.Context, botID int64, symbol string) (*database.BotPosition, error) {
	for i := len(m.positions) - 1; i >= 0; i-- {
		p := m.positions[i]
		if p.BotID == botID && p.Symbol == symbol && p.Status != database.PositionStatusClosed {
			return p, nil
		}
	}
	return nil, database.ErrPositionNotFound
}

func (m *mockPosStore) ListOpenPositionsForBot(_ context.Context, botID int64) ([]*database.BotPosition, error) {
	var out []*database.BotPosition
	for _, p := range m.positions {
		if p.BotID == botID && p.Status != database.PositionStatusClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPosStore) ListPositionsForBot(_ context.Context, botID int64) ([]*database.BotPosition, error) {
	var out []*database.BotPosition
	for _, p := range m.positions {
		if p.BotID == botID {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockLedger struct {
	rows []*database.BotOrder
}

func (m *mockLedger) GetOrderByExternalID(_ context.Context, id string) (*database.BotOrder, error) {
	for _, o := range m.rows {
		if o.ExternalOrderID == id && id != "" {
			return o, nil
		}
	}
	return nil, database.ErrOrderNotFound
}

func (m *mockLedger) GetOrderByClientID(_ context.Context, id string) (*database.BotOrder, error) {
	for _, o := range m.rows {
		if o.ClientOrderID == id {
			return o, nil
		}
	}
	return nil, database.ErrOrderNotFound
}

func (m *mockLedger) SetOrderAccepted(_ context.Context, clientOrderID, externalOrderID string, at time.Time) error {
	o, err := m.GetOrderByClientID(context.Background(), clientOrderID)
	if err != nil {
		return err
	}
	o.ExternalOrderID = externalOrderID
	o.ExchangeCreatedAt = &at
	return nil
}

func (m *mockLedger) SetOrderFilled(_ context.Context, externalOrderID string, at time.Time) error {
	o, err := m.GetOrderByExternalID(context.Background(), externalOrderID)
	if err != nil {
		return err
	}
	o.Status = database.OrderStatusFilled
	if o.ExchangeCreatedAt == nil {
		o.ExchangeCreatedAt = &at
	}
	return nil
}

func (m *mockLedger) SetOrderClosed(_ context.Context, externalOrderID string, closePrice, closeQty float64, closeTime time.Time, closeType string, pnl, pnlPct float64) error {
	o, err := m.GetOrderByExternalID(context.Background(), externalOrderID)
	if err != nil {
		return err
	}
	o.Status = database.OrderStatusClosed
	o.ClosePrice = &closePrice
	o.PnL = &pnl
	return nil
}

func (m *mockLedger) ListOrdersForBot(_ context.Context, botID int64) ([]*database.BotOrder, error) {
	var out []*database.BotOrder
	for _, o := range m.rows {
		if o.BotID == botID {
			out = append(out, o)
		}
	}
	return out, nil
}

type mockFillSource struct {
	fills map[string][]exchange.Fill
}

func (m *mockFillSource) GetFillHistory(_ context.Context, _ exchange.Credentials, symbol string, _, _ time.Time, _ int, _ string) ([]exchange.Fill, error) {
	return m.fills[symbol], nil
}

func trackerBot() *database.BotConfig {
	return &database.BotConfig{
		ID:               1,
		BotClientOrderID: 7,
		APIKey:           "k",
		APISecret:        "s",
		CreatedAt:        time.Now().Add(-time.Hour),
	}
}

func approx(t *testing.T, got, want, tol float64, label string) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

func TestFillDrivenPositionLifecycle(t *testing.T) {
	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, &mockFillSource{}, zerolog.Nop())
	bot := trackerBot()
	ctx := context.Background()
	t0 := time.Now()

	// Open LONG with 2 @ 100.
	if err := tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 2, Price: 100,
		ClientID: "1_7_1", Timestamp: t0,
	}); err != nil {
		t.Fatalf("OnFill 1: %v", err)
	}
	pos, err := store.GetLatestOpenPosition(ctx, 1, "SOL-PERP")
	if err != nil {
		t.Fatalf("no position after first fill: %v", err)
	}
	if pos.Side != database.PositionSideLong || pos.EntryPrice != 100 ||
		pos.InitialQuantity != 2 || pos.CurrentQuantity != 2 || pos.PnL != 0 {
		t.Errorf("opened position = %+v", pos)
	}

	// Scale with 1 @ 110: entry blends to 103.333...
	if err := tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 110,
		ClientID: "1_7_2", Timestamp: t0.Add(time.Second),
	}); err != nil {
		t.Fatalf("OnFill 2: %v", err)
	}
	pos, _ = store.GetLatestOpenPosition(ctx, 1, "SOL-PERP")
	approx(t, pos.EntryPrice, 310.0/3.0, 1e-9, "blended entry")
	if pos.InitialQuantity != 3 || pos.CurrentQuantity != 3 {
		t.Errorf("scaled quantities = %v/%v", pos.InitialQuantity, pos.CurrentQuantity)
	}

	// Close 3 @ 120: pnl = (120 - 103.333...) * 3 = 50.
	if err := tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideAsk, Quantity: 3, Price: 120,
		ClientID: "1_7_3", Timestamp: t0.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("OnFill 3: %v", err)
	}
	closed := store.positions[len(store.positions)-1]
	if closed.Status != database.PositionStatusClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
	if closed.CurrentQuantity != 0 {
		t.Errorf("currentQuantity = %v, want 0", closed.CurrentQuantity)
	}
	approx(t, closed.PnL, 50.0, 1e-9, "realized pnl")
}

func TestReduceClampsToCurrentQuantity(t *testing.T) {
	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, &mockFillSource{}, zerolog.Nop())
	bot := trackerBot()
	ctx := context.Background()

	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 100,
		ClientID: "1_7_1", Timestamp: time.Now(),
	})
	// Oversized opposite fill closes exactly what the position holds.
	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideAsk, Quantity: 5, Price: 105,
		ClientID: "1_7_2", Timestamp: time.Now(),
	})

	pos := store.positions[0]
	if pos.Status != database.PositionStatusClosed || pos.CurrentQuantity != 0 {
		t.Errorf("position = %+v", pos)
	}
	approx(t, pos.PnL, 5.0, 1e-9, "clamped pnl")
}

func TestPartialCloseKeepsPositionPartiallyClosed(t *testing.T) {
	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, &mockFillSource{}, zerolog.Nop())
	bot := trackerBot()
	ctx := context.Background()

	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 4, Price: 100,
		ClientID: "1_7_1", Timestamp: time.Now(),
	})
	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideAsk, Quantity: 1, Price: 110,
		ClientID: "1_7_2", Timestamp: time.Now(),
	})

	pos := store.positions[0]
	if pos.Status != database.PositionStatusPartiallyClosed {
		t.Errorf("status = %s", pos.Status)
	}
	if pos.CurrentQuantity != 3 || pos.InitialQuantity != 4 {
		t.Errorf("quantities = %v/%v", pos.CurrentQuantity, pos.InitialQuantity)
	}
	approx(t, pos.PnL, 10.0, 1e-9, "partial pnl")
}

func TestForeignAndLegacyFillsIgnored(t *testing.T) {
	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, &mockFillSource{}, zerolog.Nop())
	bot := trackerBot()
	ctx := context.Background()

	// Wrong owner prefix.
	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 100,
		ClientID: "2_9_1", Timestamp: time.Now(),
	})
	// Manual order with no tag.
	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 100,
		ClientID: "", Timestamp: time.Now(),
	})
	// Owned tag but predates the bot.
	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 100,
		ClientID: "1_7_1", Timestamp: bot.CreatedAt.Add(-time.Minute),
	})

	if len(store.positions) != 0 {
		t.Errorf("ignored fills created %d positions", len(store.positions))
	}
}

func TestShortPositionPnl(t *testing.T) {
	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, &mockFillSource{}, zerolog.Nop())
	bot := trackerBot()
	ctx := context.Background()

	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "ETH-PERP", Side: exchange.SideAsk, Quantity: 2, Price: 2500,
		ClientID: "1_7_1", Timestamp: time.Now(),
	})
	pos := store.positions[0]
	if pos.Side != database.PositionSideShort {
		t.Fatalf("side = %s", pos.Side)
	}

	_ = tr.OnFill(ctx, bot, exchange.Fill{
		Symbol: "ETH-PERP", Side: exchange.SideBid, Quantity: 2, Price: 2400,
		ClientID: "1_7_2", Timestamp: time.Now(),
	})
	approx(t, store.positions[0].PnL, 200.0, 1e-9, "short pnl")
}

func TestFillMarksPendingOrderFilled(t *testing.T) {
	ledger := &mockLedger{rows: []*database.BotOrder{{
		ID: 1, BotID: 1, ClientOrderID: "1_7_1", Symbol: "SOL-PERP",
		Side: exchange.SideBid, OrderType: database.OrderTypeMarket,
		Quantity: 2, Status: database.OrderStatusPending,
	}}}
	store := &mockPosStore{}
	tr := NewTracker(store, ledger, &mockFillSource{}, zerolog.Nop())

	_ = tr.OnFill(context.Background(), trackerBot(), exchange.Fill{
		Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 2, Price: 100,
		OrderID: "ex-1", ClientID: "1_7_1", Timestamp: time.Now(),
	})

	row := ledger.rows[0]
	if row.Status != database.OrderStatusFilled {
		t.Errorf("order status = %s, want FILLED", row.Status)
	}
	if row.ExternalOrderID != "ex-1" {
		t.Errorf("external id = %q", row.ExternalOrderID)
	}
}

func TestSweepReconstructsTradesAndStats(t *testing.T) {
	t0 := time.Now().Add(-time.Minute)
	fills := &mockFillSource{fills: map[string][]exchange.Fill{
		"SOL-PERP": {
			// Winning trade: +50.
			{Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 2, Price: 100, ClientID: "1_7_1", Timestamp: t0},
			{Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 110, ClientID: "1_7_2", Timestamp: t0.Add(time.Second)},
			{Symbol: "SOL-PERP", Side: exchange.SideAsk, Quantity: 3, Price: 120, ClientID: "1_7_3", Timestamp: t0.Add(2 * time.Second)},
			// Losing trade: -10.
			{Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 1, Price: 120, ClientID: "1_7_4", Timestamp: t0.Add(3 * time.Second)},
			{Symbol: "SOL-PERP", Side: exchange.SideAsk, Quantity: 1, Price: 110, ClientID: "1_7_5", Timestamp: t0.Add(4 * time.Second)},
			// A foreign fill in between must not disturb reconstruction.
			{Symbol: "SOL-PERP", Side: exchange.SideBid, Quantity: 9, Price: 50, ClientID: "manual", Timestamp: t0.Add(3 * time.Second)},
		},
	}}
	ledger := &mockLedger{rows: []*database.BotOrder{{
		BotID: 1, Symbol: "SOL-PERP", OrderType: database.OrderTypeMarket,
		Status: database.OrderStatusClosed, ClientOrderID: "1_7_1",
	}}}
	tr := NewTracker(&mockPosStore{}, ledger, fills, zerolog.Nop())

	stats, trades, err := tr.TrackBotPositions(context.Background(), trackerBot())
	if err != nil {
		t.Fatalf("TrackBotPositions: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if stats.TotalTrades != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("counts = %+v", stats)
	}
	approx(t, stats.WinRate, 50, 1e-9, "winRate")
	approx(t, stats.TotalPnl, 40, 1e-9, "totalPnl")
	approx(t, stats.AvgPnl, 20, 1e-9, "avgPnl")
	approx(t, stats.ProfitFactor, 5, 1e-9, "profitFactor")
	approx(t, stats.MaxWin, 50, 1e-9, "maxWin")
	approx(t, stats.MaxLoss, -10, 1e-9, "maxLoss")
	approx(t, stats.MaxDrawdown, 10, 1e-9, "maxDrawdown")
	// Volume: 3 * 103.333... + 1 * 120 = 430.
	approx(t, stats.TotalVolume, 430, 1e-6, "totalVolume")
}

func TestProfitFactorConventions(t *testing.T) {
	onlyWins := computeStats([]Trade{{Pnl: 10}, {Pnl: 5}})
	if onlyWins.ProfitFactor != 999 {
		t.Errorf("wins-only profitFactor = %v, want 999", onlyWins.ProfitFactor)
	}

	onlyLosses := computeStats([]Trade{{Pnl: -10}})
	if onlyLosses.ProfitFactor != 0 {
		t.Errorf("losses-only profitFactor = %v, want 0", onlyLosses.ProfitFactor)
	}

	empty := computeStats(nil)
	if empty.ProfitFactor != 0 || empty.TotalTrades != 0 || empty.WinRate != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestApplyRecentFillsDispatchesInOrderAndAdvancesMark(t *testing.T) {
	bot := trackerBot()
	t0 := time.Now().Add(-10 * time.Minute)
	fills := &mockFillSource{fills: map[string][]exchange.Fill{
		"": {
			// Out of retrieval order on purpose; application must sort.
			{Symbol: "SOL_USDC_PERP", Side: exchange.SideAsk, Quantity: 2, Price: 110, OrderID: "x2", ClientID: "1_7_2", Timestamp: t0.Add(2 * time.Minute)},
			{Symbol: "SOL_USDC_PERP", Side: exchange.SideBid, Quantity: 2, Price: 100, OrderID: "x1", ClientID: "1_7_1", Timestamp: t0.Add(time.Minute)},
			// Before the mark: already applied on a previous cycle.
			{Symbol: "SOL_USDC_PERP", Side: exchange.SideBid, Quantity: 9, Price: 50, OrderID: "x0", ClientID: "1_7_0", Timestamp: t0.Add(-time.Minute)},
			// Foreign bot: never applied.
			{Symbol: "SOL_USDC_PERP", Side: exchange.SideBid, Quantity: 5, Price: 60, OrderID: "x9", ClientID: "2_9_1", Timestamp: t0.Add(3 * time.Minute)},
		},
	}}

	store := &mockPosStore{}
	tr := NewTracker(store, &mockLedger{}, fills, zerolog.Nop())

	mark, err := tr.ApplyRecentFills(context.Background(), bot, t0)
	if err != nil {
		t.Fatalf("ApplyRecentFills: %v", err)
	}
	if !mark.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("mark = %v, want %v", mark, t0.Add(3*time.Minute))
	}

	if len(store.positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(store.positions))
	}
	pos := store.positions[0]
	if pos.Status != database.PositionStatusClosed {
		t.Errorf("status = %s, want closed", pos.Status)
	}
	approx(t, pos.PnL, 20, 1e-9, "pnl")

	// Resuming from the returned mark re-applies nothing.
	before := len(store.positions)
	if _, err := tr.ApplyRecentFills(context.Background(), bot, mark); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(store.positions) != before {
		t.Errorf("second pass created positions")
	}
}

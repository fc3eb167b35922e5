package database

import "time"

// Bot lifecycle states persisted in bot_configs.status.
const (
	BotStatusStopped  = "stopped"
	BotStatusStarting = "starting"
	BotStatusRunning  = "running"
	BotStatusError    = "error"
)

// Execution modes for the decision loop.
const (
	ExecutionModeRealtime      = "REALTIME"
	ExecutionModeOnCandleClose = "ON_CANDLE_CLOSE"
)

// Order statuses in the local ledger.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusFilled    = "FILLED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusClosed    = "CLOSED"
	OrderStatusExpired   = "EXPIRED"
)

// Order types.
const (
	OrderTypeMarket          = "MARKET"
	OrderTypeLimit           = "LIMIT"
	OrderTypeStopLoss        = "STOP_LOSS"
	OrderTypeTakeProfit      = "TAKE_PROFIT"
	OrderTypeReduceOnlyStop  = "REDUCE_ONLY_STOP"
	OrderTypeReduceOnlyLimit = "REDUCE_ONLY_LIMIT"
)

// Close types for the order ledger.
const (
	CloseTypeAuto   = "AUTO"
	CloseTypeManual = "MANUAL"
)

// Position sides and statuses.
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"

	PositionStatusOpen            = "OPEN"
	PositionStatusPartiallyClosed = "PARTIALLY_CLOSED"
	PositionStatusClosed          = "CLOSED"
)

// BotConfig is one bot's durable configuration record.
type BotConfig struct {
	ID           int64  `json:"id"`
	BotName      string `json:"bot_name"`
	StrategyName string `json:"strategy_name"`
	APIKey       string `json:"api_key"`
	APISecret    string `json:"-"`

	Timeframe             string  `json:"timeframe"`      // 1m 5m 15m 30m 1h 4h 1d
	ExecutionMode         string  `json:"execution_mode"` // REALTIME | ON_CANDLE_CLOSE
	CapitalPercentage     float64 `json:"capital_percentage"`
	MaxOpenOrders         int     `json:"max_open_orders"`
	MaxNegativePnlStopPct float64 `json:"max_negative_pnl_stop_pct"`
	MinProfitPercentage   float64 `json:"min_profit_percentage"`
	MaxSlippagePct        float64 `json:"max_slippage_pct"`

	TrailingStopEnabled            bool    `json:"trailing_stop_enabled"`
	TrailingStopActivationPct      float64 `json:"trailing_stop_activation_pct"`
	TrailingStopDistancePct        float64 `json:"trailing_stop_distance_pct"`
	EnableHybridStopStrategy       bool    `json:"enable_hybrid_stop_strategy"`
	InitialStopAtrMultiplier       float64 `json:"initial_stop_atr_multiplier"`
	TrailingStopAtrMultiplier      float64 `json:"trailing_stop_atr_multiplier"`
	PartialTakeProfitAtrMultiplier float64 `json:"partial_take_profit_atr_multiplier"`
	PartialTakeProfitPercentage    float64 `json:"partial_take_profit_percentage"`

	EnablePostOnly       bool `json:"enable_post_only"`
	EnableMarketFallback bool `json:"enable_market_fallback"`
	EnableOrphanMonitor  bool `json:"enable_orphan_monitor"`
	EnablePendingMonitor bool `json:"enable_pending_monitor"`
	EnableHeikinAshi     bool `json:"enable_heikin_ashi"`

	AuthorizedTokens []string `json:"authorized_tokens"` // empty = all

	Enabled          bool       `json:"enabled"`
	Status           string     `json:"status"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	NextValidationAt *time.Time `json:"next_validation_at,omitempty"`
	BotClientOrderID int64      `json:"bot_client_order_id"`
	OrderCounter     int64      `json:"order_counter"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BotOrder is one row of the local order ledger.
type BotOrder struct {
	ID              int64  `json:"id"`
	BotID           int64  `json:"bot_id"`
	ExternalOrderID string `json:"external_order_id"`
	ClientOrderID   string `json:"client_order_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"` // BUY | SELL
	OrderType       string `json:"order_type"`

	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`

	Timestamp         time.Time  `json:"timestamp"`
	ExchangeCreatedAt *time.Time `json:"exchange_created_at,omitempty"`

	ClosePrice    *float64   `json:"close_price,omitempty"`
	CloseQuantity *float64   `json:"close_quantity,omitempty"`
	CloseTime     *time.Time `json:"close_time,omitempty"`
	CloseType     *string    `json:"close_type,omitempty"`
	PnL           *float64   `json:"pnl,omitempty"`
	PnLPct        *float64   `json:"pnl_pct,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEntryType reports whether the order opens exposure rather than
// protecting it.
func (o *BotOrder) IsEntryType() bool {
	return o.OrderType == OrderTypeMarket || o.OrderType == OrderTypeLimit
}

// BotPosition is the derived open-interval record per (bot, symbol).
type BotPosition struct {
	ID              int64     `json:"id"`
	BotID           int64     `json:"bot_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"` // LONG | SHORT
	EntryPrice      float64   `json:"entry_price"`
	InitialQuantity float64   `json:"initial_quantity"`
	CurrentQuantity float64   `json:"current_quantity"`
	PnL             float64   `json:"pnl"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TrailingState is the per-(bot, symbol) record of an armed trailing stop.
type TrailingState struct {
	ID                int64     `json:"id"`
	BotID             int64     `json:"bot_id"`
	Symbol            string    `json:"symbol"`
	ActiveStopOrderID string    `json:"active_stop_order_id"`
	HighestPrice      float64   `json:"highest_price"` // most favorable price seen
	LastTriggerPrice  float64   `json:"last_trigger_price"`
	PartialTaken      bool      `json:"partial_taken"` // partial take-profit already placed
	ArmedAt           time.Time `json:"armed_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FeatureToggle is an auxiliary process-level switch.
type FeatureToggle struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package exchange

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Fill sides as the exchange reports them.
const (
	SideBid = "Bid"
	SideAsk = "Ask"
)

// Order types accepted by PlaceOrder.
const (
	OrderTypeMarket = "Market"
	OrderTypeLimit  = "Limit"
)

// Market type filter for order queries.
const (
	MarketTypePerp = "PERP"
	MarketTypeSpot = "SPOT"
)

// Credentials carries one bot's API key pair. The secret is only ever
// handed to the Signer.
type Credentials struct {
	APIKey    string
	APISecret string
}

// ID returns an opaque identifier safe to use as a cache key without
// exposing the key itself.
func (c Credentials) ID() string {
	sum := sha256.Sum256([]byte(c.APIKey))
	return hex.EncodeToString(sum[:8])
}

// Empty reports whether either half of the pair is missing.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.APISecret == ""
}

// Market describes one tradable instrument.
type Market struct {
	Symbol      string `json:"symbol"`
	BaseSymbol  string `json:"baseSymbol"`
	QuoteSymbol string `json:"quoteSymbol"`
	MarketType  string `json:"marketType"`
}

// Ticker is a 24h rolling window snapshot for one symbol.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	High               float64 `json:"high"`
	Low                float64 `json:"low"`
	Volume             float64 `json:"volume"`
	QuoteVolume        float64 `json:"quoteVolume"`
}

// Kline is one candle.
type Kline struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Balance is one asset entry from the account endpoint.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// Account holds balances plus the per-account limits the exchange applies.
type Account struct {
	Balances      []Balance `json:"balances"`
	MakerFeeBps   float64   `json:"makerFeeBps"`
	TakerFeeBps   float64   `json:"takerFeeBps"`
	LeverageLimit float64   `json:"leverageLimit"`
}

// Collateral summarises margin headroom.
type Collateral struct {
	NetEquity          float64 `json:"netEquity"`
	NetEquityAvailable float64 `json:"netEquityAvailable"`
	MarginFraction     float64 `json:"marginFraction"`
}

// OpenOrder is one resting order on the exchange.
type OpenOrder struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // Bid | Ask
	OrderType    string    `json:"orderType"`
	Price        float64   `json:"price"`
	TriggerPrice float64   `json:"triggerPrice"`
	Quantity     float64   `json:"quantity"`
	Status       string    `json:"status"`
	ReduceOnly   bool      `json:"reduceOnly"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PositionView is the exchange's view of one open perp position.
type PositionView struct {
	Symbol           string  `json:"symbol"`
	NetQuantity      float64 `json:"netQuantity"` // signed: >0 long, <0 short
	AvgEntryPrice    float64 `json:"avgEntryPrice"`
	MarkPrice        float64 `json:"markPrice"`
	UnrealizedPnl    float64 `json:"unrealizedPnl"`
	LiquidationPrice float64 `json:"liquidationPrice"`
}

// Fill is one execution report.
type Fill struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // Bid | Ask
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	OrderID   string    `json:"orderId"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaceOrderRequest is the payload for PlaceOrder.
type PlaceOrderRequest struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // Bid | Ask
	OrderType    string  `json:"orderType"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"triggerPrice,omitempty"`
	ReduceOnly   bool    `json:"reduceOnly,omitempty"`
	PostOnly     bool    `json:"postOnly,omitempty"`
	ClientID     string  `json:"clientId,omitempty"`
}

// OrderAck is the exchange's acknowledgement of a placed order.
type OrderAck struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId"`
	Symbol    string    `json:"symbol"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

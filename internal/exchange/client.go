// Package exchange implements the authenticated Backpack REST client the
// bot runtime talks to. All methods take explicit credentials; the client
// holds no ambient key.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	retryTimeout   = 20 * time.Second
	signingWindow  = 5000 // ms
)

// Client is the process-wide exchange gateway. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
	limiter    *rate.Limiter
	reqMgr     *RequestManager
	posCache   *positionsCache
	logger     zerolog.Logger
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string, signer Signer, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		reqMgr:     NewRequestManager(),
		posCache:   newPositionsCache(10 * time.Second),
		logger:     logger.With().Str("component", "ExchangeClient").Logger(),
	}
}

// RequestManager exposes the coalescer so a bot cycle can ForceReset it.
func (c *Client) RequestManager() *RequestManager { return c.reqMgr }

// ==================== PUBLIC MARKET DATA ====================

// GetMarkets lists tradable instruments.
func (c *Client) GetMarkets(ctx context.Context) ([]Market, error) {
	result, err := c.reqMgr.Do("markets", func() (interface{}, error) {
		var out []Market
		if err := c.do(ctx, http.MethodGet, "/api/v1/markets", nil, nil, nil, "", &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Market), nil
}

type tickerWire struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	High               string `json:"high"`
	Low                string `json:"low"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

// GetTickers returns 24h rolling stats for every symbol.
func (c *Client) GetTickers(ctx context.Context, window string) ([]Ticker, error) {
	params := url.Values{}
	if window != "" {
		params.Set("interval", window)
	}
	key := "tickers:" + window
	result, err := c.reqMgr.Do(key, func() (interface{}, error) {
		var wire []tickerWire
		if err := c.do(ctx, http.MethodGet, "/api/v1/tickers", params, nil, nil, "", &wire); err != nil {
			return nil, err
		}
		out := make([]Ticker, 0, len(wire))
		for _, t := range wire {
			out = append(out, Ticker{
				Symbol:             t.Symbol,
				LastPrice:          parseFloat(t.LastPrice),
				PriceChangePercent: parseFloat(t.PriceChangePercent),
				High:               parseFloat(t.High),
				Low:                parseFloat(t.Low),
				Volume:             parseFloat(t.Volume),
				QuoteVolume:        parseFloat(t.QuoteVolume),
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Ticker), nil
}

type klineWire struct {
	Start  string `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetKlines fetches up to limit candles for symbol at the given interval.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		// The endpoint is time-bounded; derive the start from the
		// requested depth.
		dur := IntervalDuration(interval)
		start := time.Now().Add(-time.Duration(limit) * dur)
		params.Set("startTime", strconv.FormatInt(start.Unix(), 10))
	}

	key := fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit)
	result, err := c.reqMgr.Do(key, func() (interface{}, error) {
		var wire []klineWire
		if err := c.do(ctx, http.MethodGet, "/api/v1/klines", params, nil, nil, "", &wire); err != nil {
			return nil, err
		}
		out := make([]Kline, 0, len(wire))
		for _, k := range wire {
			start, _ := time.Parse("2006-01-02 15:04:05", k.Start)
			out = append(out, Kline{
				Start:  start,
				Open:   parseFloat(k.Open),
				High:   parseFloat(k.High),
				Low:    parseFloat(k.Low),
				Close:  parseFloat(k.Close),
				Volume: parseFloat(k.Volume),
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Kline), nil
}

// ==================== AUTHENTICATED ====================

type balanceWire struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// GetAccount returns balances plus account limits.
func (c *Client) GetAccount(ctx context.Context, creds Credentials) (*Account, error) {
	var wire map[string]balanceWire
	if err := c.do(ctx, http.MethodGet, "/api/v1/capital", nil, nil, &creds, "balanceQuery", &wire); err != nil {
		return nil, err
	}
	acct := &Account{}
	for asset, b := range wire {
		acct.Balances = append(acct.Balances, Balance{
			Asset:     asset,
			Available: parseFloat(b.Available),
			Locked:    parseFloat(b.Locked),
		})
	}
	return acct, nil
}

type collateralWire struct {
	NetEquity          string `json:"netEquity"`
	NetEquityAvailable string `json:"netEquityAvailable"`
	MarginFraction     string `json:"marginFraction"`
}

// GetCollateral returns margin headroom for the account.
func (c *Client) GetCollateral(ctx context.Context, creds Credentials) (*Collateral, error) {
	var wire collateralWire
	if err := c.do(ctx, http.MethodGet, "/api/v1/capital/collateral", nil, nil, &creds, "collateralQuery", &wire); err != nil {
		return nil, err
	}
	return &Collateral{
		NetEquity:          parseFloat(wire.NetEquity),
		NetEquityAvailable: parseFloat(wire.NetEquityAvailable),
		MarginFraction:     parseFloat(wire.MarginFraction),
	}, nil
}

type openOrderWire struct {
	ID           string      `json:"id"`
	ClientID     json.Number `json:"clientId"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	OrderType    string      `json:"orderType"`
	Price        string      `json:"price"`
	TriggerPrice string      `json:"triggerPrice"`
	Quantity     string      `json:"quantity"`
	Status       string      `json:"status"`
	ReduceOnly   bool        `json:"reduceOnly"`
	CreatedAt    int64       `json:"createdAt"`
}

func (w openOrderWire) toOpenOrder() OpenOrder {
	return OpenOrder{
		ID:           w.ID,
		ClientID:     w.ClientID.String(),
		Symbol:       w.Symbol,
		Side:         w.Side,
		OrderType:    w.OrderType,
		Price:        parseFloat(w.Price),
		TriggerPrice: parseFloat(w.TriggerPrice),
		Quantity:     parseFloat(w.Quantity),
		Status:       w.Status,
		ReduceOnly:   w.ReduceOnly,
		CreatedAt:    time.UnixMilli(w.CreatedAt),
	}
}

// GetOpenOrders lists resting orders; symbol may be empty for all symbols.
func (c *Client) GetOpenOrders(ctx context.Context, creds Credentials, symbol, marketType string) ([]OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if marketType != "" {
		params.Set("marketType", marketType)
	}
	var wire []openOrderWire
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", params, nil, &creds, "orderQueryAll", &wire); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toOpenOrder())
	}
	return out, nil
}

type positionWire struct {
	Symbol           string `json:"symbol"`
	NetQuantity      string `json:"netQuantity"`
	AvgEntryPrice    string `json:"avgEntryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedPnl    string `json:"pnlUnrealized"`
	LiquidationPrice string `json:"estLiquidationPrice"`
}

// GetOpenPositions returns the account's open perp positions. A response
// shaped like an order book (asks/bids present, no symbol/netQuantity) is
// rejected as InvalidResponse so it cannot poison caches.
func (c *Client) GetOpenPositions(ctx context.Context, creds Credentials) ([]PositionView, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/v1/position", nil, nil, &creds, "positionQuery", &raw); err != nil {
		return nil, err
	}

	if looksLikeOrderBook(raw) {
		c.logger.Warn().
			Str("endpoint", "/api/v1/position").
			Msg("Discarding order-book shaped payload from positions endpoint")
		return nil, &APIError{
			Kind:     KindInvalidResponse,
			Endpoint: "/api/v1/position",
			Message:  "order-book payload where positions expected",
		}
	}

	var wire []positionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &APIError{Kind: KindInvalidResponse, Endpoint: "/api/v1/position", Err: err}
	}
	out := make([]PositionView, 0, len(wire))
	for _, p := range wire {
		out = append(out, PositionView{
			Symbol:           p.Symbol,
			NetQuantity:      parseFloat(p.NetQuantity),
			AvgEntryPrice:    parseFloat(p.AvgEntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			UnrealizedPnl:    parseFloat(p.UnrealizedPnl),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
		})
	}
	return out, nil
}

// GetPositionsCached returns the last successful positions result for up to
// 10s per credential. On a rate-limit error the stale cached value, when
// present, is served instead.
func (c *Client) GetPositionsCached(ctx context.Context, creds Credentials) ([]PositionView, error) {
	credID := creds.ID()
	if cached, ok := c.posCache.getFresh(credID); ok {
		return cached, nil
	}

	positions, err := c.GetOpenPositions(ctx, creds)
	if err != nil {
		if IsRateLimited(err) {
			if stale, ok := c.posCache.getStale(credID); ok {
				c.logger.Warn().
					Str("credential", credID).
					Msg("Rate limited fetching positions, serving stale cache")
				return stale, nil
			}
		}
		return nil, err
	}

	c.posCache.put(credID, positions)
	return positions, nil
}

type fillWire struct {
	Symbol    string      `json:"symbol"`
	Side      string      `json:"side"`
	Quantity  string      `json:"quantity"`
	Price     string      `json:"price"`
	OrderID   string      `json:"orderId"`
	ClientID  json.Number `json:"clientId"`
	Timestamp string      `json:"timestamp"`
}

// GetFillHistory returns executions, newest first, paginated by limit and
// offset under the hood until the window [from, to] is covered.
func (c *Client) GetFillHistory(ctx context.Context, creds Credentials, symbol string, from, to time.Time, limit int, marketType string) ([]Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	const pageSize = 100

	var fills []Fill
	for offset := 0; len(fills) < limit; offset += pageSize {
		params := url.Values{}
		if symbol != "" {
			params.Set("symbol", symbol)
		}
		if marketType != "" {
			params.Set("marketType", marketType)
		}
		if !from.IsZero() {
			params.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
		}
		if !to.IsZero() {
			params.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
		}
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("offset", strconv.Itoa(offset))

		var wire []fillWire
		if err := c.do(ctx, http.MethodGet, "/wapi/v1/history/fills", params, nil, &creds, "fillHistoryQueryAll", &wire); err != nil {
			return nil, err
		}
		for _, f := range wire {
			ts, _ := time.Parse(time.RFC3339Nano, f.Timestamp)
			fills = append(fills, Fill{
				Symbol:    f.Symbol,
				Side:      f.Side,
				Quantity:  parseFloat(f.Quantity),
				Price:     parseFloat(f.Price),
				OrderID:   f.OrderID,
				ClientID:  f.ClientID.String(),
				Timestamp: ts,
			})
		}
		if len(wire) < pageSize {
			break
		}
	}
	if len(fills) > limit {
		fills = fills[:limit]
	}
	return fills, nil
}

type orderAckWire struct {
	ID        string      `json:"id"`
	ClientID  json.Number `json:"clientId"`
	Symbol    string      `json:"symbol"`
	Status    string      `json:"status"`
	CreatedAt int64       `json:"createdAt"`
}

// PlaceOrder submits one order.
func (c *Client) PlaceOrder(ctx context.Context, creds Credentials, req PlaceOrderRequest) (*OrderAck, error) {
	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"side":      req.Side,
		"orderType": req.OrderType,
		"quantity":  formatQty(req.Quantity),
	}
	if req.Price > 0 {
		body["price"] = formatQty(req.Price)
	}
	if req.TriggerPrice > 0 {
		body["triggerPrice"] = formatQty(req.TriggerPrice)
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.PostOnly {
		body["postOnly"] = true
	}
	if req.ClientID != "" {
		body["clientId"] = req.ClientID
	}

	// The signing payload carries the body fields as params.
	params := url.Values{}
	for k, v := range body {
		params.Set(k, fmt.Sprintf("%v", v))
	}

	var wire orderAckWire
	if err := c.do(ctx, http.MethodPost, "/api/v1/order", params, body, &creds, "orderExecute", &wire); err != nil {
		return nil, err
	}
	return &OrderAck{
		ID:        wire.ID,
		ClientID:  wire.ClientID.String(),
		Symbol:    wire.Symbol,
		Status:    wire.Status,
		CreatedAt: time.UnixMilli(wire.CreatedAt),
	}, nil
}

// CancelOrder cancels one resting order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":  symbol,
		"orderId": orderID,
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var wire json.RawMessage
	return c.do(ctx, http.MethodDelete, "/api/v1/order", params, body, &creds, "orderCancel", &wire)
}

// ==================== REQUEST PLUMBING ====================

// do performs one HTTP exchange with classification and a single retry on
// timeout. Each attempt is signed independently with a fresh timestamp.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}, creds *Credentials, instruction string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: KindTransient, Endpoint: path, Err: err}
	}

	err := c.attempt(ctx, method, path, params, body, creds, instruction, defaultTimeout, out)
	if err != nil && isTimeout(err) {
		c.logger.Debug().Str("endpoint", path).Msg("Request timed out, retrying with larger timeout")
		err = c.attempt(ctx, method, path, params, body, creds, instruction, retryTimeout, out)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, body interface{}, creds *Credentials, instruction string, timeout time.Duration, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if method == http.MethodGet && len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if creds != nil {
		headers, err := c.signer.Sign(*creds, instruction, params, time.Now().UnixMilli(), signingWindow)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := KindTransient
		return &APIError{Kind: kind, Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Endpoint: path, Err: err}
	}

	if resp.StatusCode >= 400 {
		return classifyHTTPError(path, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &APIError{Kind: KindInvalidResponse, Endpoint: path, Err: err}
		}
	}
	return nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func classifyHTTPError(path string, status int, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}

	kind := KindRejected
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 500:
		kind = KindTransient
	case isRateLimitBody(eb.Code, msg):
		kind = KindRateLimited
	case isNotFoundBody(eb.Code, msg):
		kind = KindNotFound
	}

	return &APIError{Kind: kind, StatusCode: status, Endpoint: path, Message: msg}
}

func isRateLimitBody(code, msg string) bool {
	lower := strings.ToLower(code + " " + msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")
}

func isNotFoundBody(code, msg string) bool {
	lower := strings.ToLower(code + " " + msg)
	return strings.Contains(lower, "not found") || strings.Contains(lower, "resource_not_found")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Err != nil {
		return isTimeout(apiErr.Err)
	}
	return false
}

// looksLikeOrderBook detects the defensive case of a depth payload being
// returned by the positions endpoint.
func looksLikeOrderBook(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	_, hasAsks := obj["asks"]
	_, hasBids := obj["bids"]
	_, hasSymbol := obj["symbol"]
	_, hasNetQty := obj["netQuantity"]
	return (hasAsks || hasBids) && !hasSymbol && !hasNetQty
}

func formatQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// IntervalDuration maps a timeframe string to its duration.
func IntervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

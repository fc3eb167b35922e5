package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"backpack-trading-bot/internal/bot"
	"backpack-trading-bot/internal/cache"
	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/exchange"
)

func parseBotID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, errors.New("invalid bot id"))
		return 0, false
	}
	return id, true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, database.ErrBotNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrDuplicateBotName),
		errors.Is(err, bot.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, bot.ErrBotDisabled),
		errors.Is(err, bot.ErrMissingCredentials),
		errors.Is(err, bot.ErrUnknownStrategy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListBots(c *gin.Context) {
	configs, err := s.db.ListBotConfigs(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	out := make([]gin.H, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, gin.H{
			"config":  cfg,
			"running": s.supervisor.IsRunning(cfg.ID),
		})
	}
	respondOK(c, out)
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var cfg database.BotConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if cfg.BotName == "" || cfg.StrategyName == "" || cfg.Timeframe == "" {
		respondError(c, http.StatusBadRequest, errors.New("bot_name, strategy_name and timeframe are required"))
		return
	}
	if _, ok := s.registry.Get(cfg.StrategyName); !ok && !s.registry.IsExternallyManaged(cfg.StrategyName) {
		respondError(c, http.StatusBadRequest, bot.ErrUnknownStrategy)
		return
	}
	if cfg.ExecutionMode == "" {
		cfg.ExecutionMode = database.ExecutionModeRealtime
	}

	if err := s.db.CreateBotConfig(c.Request.Context(), &cfg); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	s.logger.Info().Int64("bot_id", cfg.ID).Str("bot_name", cfg.BotName).Msg("Bot created")
	respondOK(c, &cfg)
}

func (s *Server) handleGetBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	cfg, err := s.db.GetBotConfig(c.Request.Context(), botID)
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	respondOK(c, gin.H{
		"config":  cfg,
		"running": s.supervisor.IsRunning(cfg.ID),
	})
}

func (s *Server) handleUpdateBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	existing, err := s.db.GetBotConfig(c.Request.Context(), botID)
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}

	// Bind over the loaded row so omitted fields keep their values, then
	// pin the fields that are not client-writable.
	updated := *existing
	if err := c.ShouldBindJSON(&updated); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	updated.ID = existing.ID
	updated.Status = existing.Status
	updated.BotClientOrderID = existing.BotClientOrderID
	updated.OrderCounter = existing.OrderCounter

	if err := s.db.UpdateBotConfig(c.Request.Context(), &updated); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	respondOK(c, &updated)
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	if s.supervisor.IsRunning(botID) {
		if err := s.supervisor.StopBot(c.Request.Context(), botID, true); err != nil {
			respondError(c, statusForError(err), err)
			return
		}
	}
	if err := s.db.DeleteBotConfig(c.Request.Context(), botID); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	s.logger.Info().Int64("bot_id", botID).Msg("Bot deleted")
	respondOK(c, gin.H{"deleted": botID})
}

func (s *Server) handleStartBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	if err := s.supervisor.StartBot(c.Request.Context(), botID, force); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	respondOK(c, gin.H{"bot_id": botID, "status": database.BotStatusStarting})
}

func (s *Server) handleStopBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	if err := s.supervisor.StopBot(c.Request.Context(), botID, true); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	respondOK(c, gin.H{"bot_id": botID, "status": database.BotStatusStopped})
}

func (s *Server) handleRestartBot(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	if err := s.supervisor.RestartBot(c.Request.Context(), botID); err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	respondOK(c, gin.H{"bot_id": botID, "status": database.BotStatusStarting})
}

// handleForceSync runs one reconciliation pass on demand, outside the
// monitor cadence.
func (s *Server) handleForceSync(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	cfg, err := s.db.GetBotConfig(c.Request.Context(), botID)
	if err != nil {
		respondError(c, statusForError(err), err)
		return
	}
	corrected, err := s.orders.SyncWithExchange(c.Request.Context(), cfg)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	respondOK(c, gin.H{"bot_id": botID, "corrected": corrected})
}

func (s *Server) handleListBotOrders(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	rows, err := s.db.ListOrdersForBot(c.Request.Context(), botID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, rows)
}

func (s *Server) handleListBotPositions(c *gin.Context) {
	botID, ok := parseBotID(c)
	if !ok {
		return
	}
	rows, err := s.db.ListPositionsForBot(c.Request.Context(), botID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, rows)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	respondOK(c, gin.H{
		"strategies":         s.registry.Names(),
		"externally_managed": s.registry.ExternallyManaged(),
	})
}

// availableToken is one tradable symbol with its latest window snapshot.
type availableToken struct {
	Symbol             string  `json:"symbol"`
	BaseSymbol         string  `json:"base_symbol"`
	MarketType         string  `json:"market_type"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	Volume             float64 `json:"volume"`
}

func (s *Server) handleAvailableTokens(c *gin.Context) {
	ctx := c.Request.Context()

	var markets []exchange.Market
	if err := s.cache.GetJSON(ctx, cache.MarketsKey(), &markets); err != nil {
		fetched, err := s.exchange.GetMarkets(ctx)
		if err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		markets = fetched
		_ = s.cache.SetJSON(ctx, cache.MarketsKey(), markets, cache.DefaultMarketTTL)
	}

	var tickers []exchange.Ticker
	if err := s.cache.GetJSON(ctx, cache.TickersKey(), &tickers); err != nil {
		fetched, err := s.exchange.GetTickers(ctx, "1d")
		if err != nil {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		tickers = fetched
		_ = s.cache.SetJSON(ctx, cache.TickersKey(), tickers, cache.DefaultTickerTTL)
	}

	tickerBySymbol := make(map[string]exchange.Ticker, len(tickers))
	for _, t := range tickers {
		tickerBySymbol[t.Symbol] = t
	}

	tokens := make([]availableToken, 0, len(markets))
	for _, m := range markets {
		t := tickerBySymbol[m.Symbol]
		tokens = append(tokens, availableToken{
			Symbol:             m.Symbol,
			BaseSymbol:         m.BaseSymbol,
			MarketType:         m.MarketType,
			LastPrice:          t.LastPrice,
			PriceChangePercent: t.PriceChangePercent,
			Volume:             t.Volume,
		})
	}
	respondOK(c, tokens)
}

func (s *Server) handleKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	interval := c.DefaultQuery("interval", "5m")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if symbol == "" || err != nil || limit <= 0 || limit > 1000 {
		respondError(c, http.StatusBadRequest, errors.New("symbol required, limit in 1..1000"))
		return
	}

	ctx := c.Request.Context()
	key := cache.KlinesKey(symbol, interval)

	var klines []exchange.Kline
	if err := s.cache.GetJSON(ctx, key, &klines); err == nil && len(klines) >= limit {
		respondOK(c, klines[len(klines)-limit:])
		return
	}

	klines, err = s.exchange.GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		respondError(c, http.StatusBadGateway, err)
		return
	}
	_ = s.cache.SetJSON(ctx, key, klines, cache.DefaultKlineTTL)
	respondOK(c, klines)
}

type credentialsRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret"`
}

// handleValidateCredentials probes an authenticated endpoint with the
// submitted pair. A definitive rejection comes back as valid=false rather
// than an HTTP error so the dashboard form can show it inline.
func (s *Server) handleValidateCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	creds := exchange.Credentials{APIKey: req.APIKey, APISecret: req.APISecret}
	if creds.Empty() {
		respondError(c, http.StatusBadRequest, errors.New("api_key and api_secret are required"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if _, err := s.exchange.GetAccount(ctx, creds); err != nil {
		if exchange.IsTransient(err) || exchange.IsRateLimited(err) {
			respondError(c, http.StatusBadGateway, err)
			return
		}
		respondOK(c, gin.H{"valid": false, "error": err.Error()})
		return
	}
	respondOK(c, gin.H{"valid": true})
}

func (s *Server) handleGetFeatureToggle(c *gin.Context) {
	name := c.Param("name")
	enabled, err := s.db.GetFeatureToggle(c.Request.Context(), name)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{"name": name, "enabled": enabled})
}

func (s *Server) handleSetFeatureToggle(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	name := c.Param("name")
	if err := s.db.SetFeatureToggle(c.Request.Context(), name, *req.Enabled); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{"name": name, "enabled": *req.Enabled})
}

func (s *Server) handleCheckDuplicateCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	ids, err := s.db.FindBotsByAPIKey(c.Request.Context(), req.APIKey)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondOK(c, gin.H{
		"duplicate": len(ids) > 0,
		"bot_ids":   ids,
	})
}

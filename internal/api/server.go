// Package api exposes the dashboard HTTP surface: bot CRUD and lifecycle
// control, market-data passthrough and the websocket event feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"backpack-trading-bot/internal/bot"
	"backpack-trading-bot/internal/cache"
	"backpack-trading-bot/internal/config"
	"backpack-trading-bot/internal/database"
	"backpack-trading-bot/internal/events"
	"backpack-trading-bot/internal/exchange"
	"backpack-trading-bot/internal/orders"
	"backpack-trading-bot/internal/strategy"
)

// Server hosts the dashboard API and the websocket hub.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	cfg        config.ServerConfig
	db         *database.DB
	exchange   *exchange.Client
	cache      *cache.Service
	supervisor *bot.Supervisor
	orders     *orders.Service
	registry   *strategy.Registry
	bus        *events.Bus
	hub        *Hub
}

// Deps bundles the collaborators the server exposes.
type Deps struct {
	Config     config.ServerConfig
	DB         *database.DB
	Exchange   *exchange.Client
	Cache      *cache.Service
	Supervisor *bot.Supervisor
	Orders     *orders.Service
	Registry   *strategy.Registry
	Bus        *events.Bus
	Logger     zerolog.Logger
}

// NewServer builds the router and wires the websocket hub to the bus.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{deps.Config.CORSOrigin}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	logger := deps.Logger.With().Str("component", "APIServer").Logger()

	s := &Server{
		router:     router,
		logger:     logger,
		cfg:        deps.Config,
		db:         deps.DB,
		exchange:   deps.Exchange,
		cache:      deps.Cache,
		supervisor: deps.Supervisor,
		orders:     deps.Orders,
		registry:   deps.Registry,
		bus:        deps.Bus,
		hub:        NewHub(deps.Bus, logger),
	}
	s.setupRoutes()
	s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/bots", s.handleListBots)
		api.POST("/bots", s.handleCreateBot)
		api.GET("/bots/:id", s.handleGetBot)
		api.PUT("/bots/:id", s.handleUpdateBot)
		api.DELETE("/bots/:id", s.handleDeleteBot)

		api.POST("/bots/:id/start", s.handleStartBot)
		api.POST("/bots/:id/stop", s.handleStopBot)
		api.POST("/bots/:id/restart", s.handleRestartBot)
		api.POST("/bots/:id/force-sync", s.handleForceSync)

		api.GET("/bots/:id/orders", s.handleListBotOrders)
		api.GET("/bots/:id/positions", s.handleListBotPositions)

		api.GET("/strategies", s.handleListStrategies)
		api.GET("/tokens", s.handleAvailableTokens)
		api.GET("/klines", s.handleKlines)

		api.POST("/credentials/validate", s.handleValidateCredentials)
		api.POST("/credentials/check-duplicate", s.handleCheckDuplicateCredentials)

		api.GET("/toggles/:name", s.handleGetFeatureToggle)
		api.PUT("/toggles/:name", s.handleSetFeatureToggle)
	}

	s.router.GET("/ws", s.hub.HandleConnection)
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Int("port", s.cfg.Port).Msg("Dashboard API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown closes the listener and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, statusCode int, err error) {
	c.JSON(statusCode, gin.H{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbReachable := s.db.HealthCheck(ctx) == nil
	status := http.StatusOK
	if !dbReachable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":       map[bool]string{true: "healthy", false: "unhealthy"}[dbReachable],
		"database":     dbReachable,
		"initialized":  s.db.Initialized(),
		"running_bots": s.supervisor.RunningCount(),
		"cache":        s.cache.GetStats(),
	})
}

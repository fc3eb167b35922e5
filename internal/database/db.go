package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool. All repository methods hang off
// this type.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger

	initialized atomic.Bool
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{
		Pool:   pool,
		logger: logger.With().Str("component", "Database").Logger(),
	}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// Initialized reports whether migrations have completed; the health
// endpoint surfaces this.
func (db *DB) Initialized() bool {
	return db.initialized.Load()
}

// HealthCheck performs a database ping.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id BIGINT PRIMARY KEY,
			bot_name VARCHAR(100) NOT NULL UNIQUE,
			strategy_name VARCHAR(100) NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			timeframe VARCHAR(10) NOT NULL DEFAULT '5m',
			execution_mode VARCHAR(20) NOT NULL DEFAULT 'REALTIME',
			capital_percentage DECIMAL(10, 4) NOT NULL DEFAULT 10,
			max_open_orders INT NOT NULL DEFAULT 1,
			max_negative_pnl_stop_pct DECIMAL(10, 4) NOT NULL DEFAULT -5,
			min_profit_percentage DECIMAL(10, 4) NOT NULL DEFAULT 0.5,
			max_slippage_pct DECIMAL(10, 4) NOT NULL DEFAULT 0.5,
			trailing_stop_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_stop_activation_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			trailing_stop_distance_pct DECIMAL(10, 4) NOT NULL DEFAULT 1,
			enable_hybrid_stop_strategy BOOLEAN NOT NULL DEFAULT FALSE,
			initial_stop_atr_multiplier DECIMAL(10, 4) NOT NULL DEFAULT 2,
			trailing_stop_atr_multiplier DECIMAL(10, 4) NOT NULL DEFAULT 1.5,
			partial_take_profit_atr_multiplier DECIMAL(10, 4) NOT NULL DEFAULT 1,
			partial_take_profit_percentage DECIMAL(10, 4) NOT NULL DEFAULT 50,
			enable_post_only BOOLEAN NOT NULL DEFAULT FALSE,
			enable_market_fallback BOOLEAN NOT NULL DEFAULT TRUE,
			enable_orphan_monitor BOOLEAN NOT NULL DEFAULT TRUE,
			enable_pending_monitor BOOLEAN NOT NULL DEFAULT TRUE,
			enable_heikin_ashi BOOLEAN NOT NULL DEFAULT FALSE,
			authorized_tokens TEXT[] NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			status VARCHAR(20) NOT NULL DEFAULT 'stopped',
			start_time TIMESTAMPTZ,
			next_validation_at TIMESTAMPTZ,
			bot_client_order_id BIGINT NOT NULL,
			order_counter BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_configs_status ON bot_configs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_configs_enabled ON bot_configs(enabled)`,

		`CREATE TABLE IF NOT EXISTS bot_orders (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bot_configs(id) ON DELETE CASCADE,
			external_order_id VARCHAR(64) NOT NULL DEFAULT '',
			client_order_id VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			ts TIMESTAMPTZ NOT NULL,
			exchange_created_at TIMESTAMPTZ,
			close_price DECIMAL(20, 8),
			close_quantity DECIMAL(20, 8),
			close_time TIMESTAMPTZ,
			close_type VARCHAR(10),
			pnl DECIMAL(20, 8),
			pnl_pct DECIMAL(10, 4),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_orders_bot ON bot_orders(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_orders_status ON bot_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_orders_external ON bot_orders(external_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_orders_symbol ON bot_orders(bot_id, symbol)`,

		`CREATE TABLE IF NOT EXISTS bot_positions (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bot_configs(id) ON DELETE CASCADE,
			symbol VARCHAR(30) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			initial_quantity DECIMAL(20, 8) NOT NULL,
			current_quantity DECIMAL(20, 8) NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_positions_bot_symbol ON bot_positions(bot_id, symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_positions_status ON bot_positions(status)`,

		`CREATE TABLE IF NOT EXISTS trailing_states (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bot_configs(id) ON DELETE CASCADE,
			symbol VARCHAR(30) NOT NULL,
			active_stop_order_id VARCHAR(64) NOT NULL DEFAULT '',
			highest_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_trigger_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			partial_taken BOOLEAN NOT NULL DEFAULT FALSE,
			armed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (bot_id, symbol)
		)`,

		`CREATE TABLE IF NOT EXISTS feature_toggles (
			name VARCHAR(100) PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.initialized.Store(true)
	db.logger.Info().Msg("Database migrations completed")
	return nil
}

package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Errors for bot configuration operations.
var (
	ErrBotNotFound      = errors.New("bot not found")
	ErrDuplicateBotName = errors.New("bot name already exists")
)

const botConfigColumns = `
	id, bot_name, strategy_name, api_key, api_secret, timeframe,
	execution_mode, capital_percentage, max_open_orders,
	max_negative_pnl_stop_pct, min_profit_percentage, max_slippage_pct,
	trailing_stop_enabled, trailing_stop_activation_pct,
	trailing_stop_distance_pct, enable_hybrid_stop_strategy,
	initial_stop_atr_multiplier, trailing_stop_atr_multiplier,
	partial_take_profit_atr_multiplier, partial_take_profit_percentage,
	enable_post_only, enable_market_fallback, enable_orphan_monitor,
	enable_pending_monitor, enable_heikin_ashi, authorized_tokens,
	enabled, status, start_time, next_validation_at,
	bot_client_order_id, order_counter, created_at, updated_at`

func scanBotConfig(row pgx.Row) (*BotConfig, error) {
	cfg := &BotConfig{}
	err := row.Scan(
		&cfg.ID, &cfg.BotName, &cfg.StrategyName, &cfg.APIKey, &cfg.APISecret,
		&cfg.Timeframe, &cfg.ExecutionMode, &cfg.CapitalPercentage,
		&cfg.MaxOpenOrders, &cfg.MaxNegativePnlStopPct, &cfg.MinProfitPercentage,
		&cfg.MaxSlippagePct, &cfg.TrailingStopEnabled, &cfg.TrailingStopActivationPct,
		&cfg.TrailingStopDistancePct, &cfg.EnableHybridStopStrategy,
		&cfg.InitialStopAtrMultiplier, &cfg.TrailingStopAtrMultiplier,
		&cfg.PartialTakeProfitAtrMultiplier, &cfg.PartialTakeProfitPercentage,
		&cfg.EnablePostOnly, &cfg.EnableMarketFallback, &cfg.EnableOrphanMonitor,
		&cfg.EnablePendingMonitor, &cfg.EnableHeikinAshi, &cfg.AuthorizedTokens,
		&cfg.Enabled, &cfg.Status, &cfg.StartTime, &cfg.NextValidationAt,
		&cfg.BotClientOrderID, &cfg.OrderCounter, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBotNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// CreateBotConfig inserts a new bot. The id is assigned as max+1, the
// botClientOrderId is a fresh random prefix unused by any existing bot and
// the counters and status get their initial values.
func (db *DB) CreateBotConfig(ctx context.Context, cfg *BotConfig) error {
	bcoid, err := db.unusedBotClientOrderID(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	nextValidation := now.Add(60 * time.Second)

	query := `
		INSERT INTO bot_configs (
			id, bot_name, strategy_name, api_key, api_secret, timeframe,
			execution_mode, capital_percentage, max_open_orders,
			max_negative_pnl_stop_pct, min_profit_percentage, max_slippage_pct,
			trailing_stop_enabled, trailing_stop_activation_pct,
			trailing_stop_distance_pct, enable_hybrid_stop_strategy,
			initial_stop_atr_multiplier, trailing_stop_atr_multiplier,
			partial_take_profit_atr_multiplier, partial_take_profit_percentage,
			enable_post_only, enable_market_fallback, enable_orphan_monitor,
			enable_pending_monitor, enable_heikin_ashi, authorized_tokens,
			enabled, status, next_validation_at, bot_client_order_id,
			order_counter, created_at, updated_at
		) VALUES (
			(SELECT COALESCE(MAX(id), 0) + 1 FROM bot_configs),
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28,
			0, $29, $29
		) RETURNING id`

	err = db.Pool.QueryRow(ctx, query,
		cfg.BotName, cfg.StrategyName, cfg.APIKey, cfg.APISecret, cfg.Timeframe,
		cfg.ExecutionMode, cfg.CapitalPercentage, cfg.MaxOpenOrders,
		cfg.MaxNegativePnlStopPct, cfg.MinProfitPercentage, cfg.MaxSlippagePct,
		cfg.TrailingStopEnabled, cfg.TrailingStopActivationPct,
		cfg.TrailingStopDistancePct, cfg.EnableHybridStopStrategy,
		cfg.InitialStopAtrMultiplier, cfg.TrailingStopAtrMultiplier,
		cfg.PartialTakeProfitAtrMultiplier, cfg.PartialTakeProfitPercentage,
		cfg.EnablePostOnly, cfg.EnableMarketFallback, cfg.EnableOrphanMonitor,
		cfg.EnablePendingMonitor, cfg.EnableHeikinAshi, cfg.AuthorizedTokens,
		cfg.Enabled, BotStatusStopped, nextValidation, bcoid,
		now,
	).Scan(&cfg.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "bot_name") {
			return ErrDuplicateBotName
		}
		return fmt.Errorf("failed to create bot config: %w", err)
	}

	cfg.Status = BotStatusStopped
	cfg.BotClientOrderID = bcoid
	cfg.OrderCounter = 0
	cfg.NextValidationAt = &nextValidation
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

// unusedBotClientOrderID picks a random stable order-tag prefix not held by
// any existing bot.
func (db *DB) unusedBotClientOrderID(ctx context.Context) (int64, error) {
	for i := 0; i < 50; i++ {
		candidate := int64(rand.Intn(90000) + 10000)
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM bot_configs WHERE bot_client_order_id = $1)`,
			candidate,
		).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("failed to probe bot client order id: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return 0, errors.New("could not find an unused bot client order id")
}

// UpdateBotConfig writes the mutable configuration fields. Status,
// startTime, botClientOrderId and orderCounter are never touched here;
// status transitions go through SetBotStatus.
func (db *DB) UpdateBotConfig(ctx context.Context, cfg *BotConfig) error {
	query := `
		UPDATE bot_configs SET
			bot_name = $2, strategy_name = $3, api_key = $4, api_secret = $5,
			timeframe = $6, execution_mode = $7, capital_percentage = $8,
			max_open_orders = $9, max_negative_pnl_stop_pct = $10,
			min_profit_percentage = $11, max_slippage_pct = $12,
			trailing_stop_enabled = $13, trailing_stop_activation_pct = $14,
			trailing_stop_distance_pct = $15, enable_hybrid_stop_strategy = $16,
			initial_stop_atr_multiplier = $17, trailing_stop_atr_multiplier = $18,
			partial_take_profit_atr_multiplier = $19,
			partial_take_profit_percentage = $20, enable_post_only = $21,
			enable_market_fallback = $22, enable_orphan_monitor = $23,
			enable_pending_monitor = $24, enable_heikin_ashi = $25,
			authorized_tokens = $26, enabled = $27, next_validation_at = $28,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query,
		cfg.ID, cfg.BotName, cfg.StrategyName, cfg.APIKey, cfg.APISecret,
		cfg.Timeframe, cfg.ExecutionMode, cfg.CapitalPercentage,
		cfg.MaxOpenOrders, cfg.MaxNegativePnlStopPct, cfg.MinProfitPercentage,
		cfg.MaxSlippagePct, cfg.TrailingStopEnabled, cfg.TrailingStopActivationPct,
		cfg.TrailingStopDistancePct, cfg.EnableHybridStopStrategy,
		cfg.InitialStopAtrMultiplier, cfg.TrailingStopAtrMultiplier,
		cfg.PartialTakeProfitAtrMultiplier, cfg.PartialTakeProfitPercentage,
		cfg.EnablePostOnly, cfg.EnableMarketFallback, cfg.EnableOrphanMonitor,
		cfg.EnablePendingMonitor, cfg.EnableHeikinAshi, cfg.AuthorizedTokens,
		cfg.Enabled, cfg.NextValidationAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "bot_name") {
			return ErrDuplicateBotName
		}
		return fmt.Errorf("failed to update bot config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// SetBotStatus writes status and startTime in one statement.
func (db *DB) SetBotStatus(ctx context.Context, botID int64, status string, startTime *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if startTime != nil {
		tag, err = db.Pool.Exec(ctx,
			`UPDATE bot_configs SET status = $2, start_time = $3, updated_at = NOW() WHERE id = $1`,
			botID, status, *startTime)
	} else {
		tag, err = db.Pool.Exec(ctx,
			`UPDATE bot_configs SET status = $2, updated_at = NOW() WHERE id = $1`,
			botID, status)
	}
	if err != nil {
		return fmt.Errorf("failed to set bot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// SetNextValidationAt stamps the next expected decision-tick time.
func (db *DB) SetNextValidationAt(ctx context.Context, botID int64, at time.Time) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE bot_configs SET next_validation_at = $2, updated_at = NOW() WHERE id = $1`,
		botID, at)
	if err != nil {
		return fmt.Errorf("failed to set next validation time: %w", err)
	}
	return nil
}

// CanStart evaluates the launch preconditions in one round trip: the row
// exists, is enabled, names one of the given strategies, holds credentials
// and its persisted status is not already running. A missing bot yields
// false without an error.
func (db *DB) CanStart(ctx context.Context, botID int64, validStrategies []string) (bool, error) {
	var ok bool
	err := db.Pool.QueryRow(ctx, `
		SELECT enabled
			AND api_key <> '' AND api_secret <> ''
			AND strategy_name = ANY($2)
			AND status = ANY($3)
		FROM bot_configs WHERE id = $1`,
		botID, validStrategies,
		[]string{BotStatusStopped, BotStatusStarting, BotStatusError},
	).Scan(&ok)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to evaluate start preconditions: %w", err)
	}
	return ok, nil
}

// NextOrderID atomically increments the bot's order counter and returns the
// full client order id `${botId}_${botClientOrderId}_${counter}`.
func (db *DB) NextOrderID(ctx context.Context, botID int64) (string, error) {
	var counter, bcoid int64
	err := db.Pool.QueryRow(ctx, `
		UPDATE bot_configs
		SET order_counter = order_counter + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING order_counter, bot_client_order_id`,
		botID,
	).Scan(&counter, &bcoid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrBotNotFound
		}
		return "", fmt.Errorf("failed to advance order counter: %w", err)
	}
	return fmt.Sprintf("%d_%d_%d", botID, bcoid, counter), nil
}

// GetBotConfig loads one bot by id.
func (db *DB) GetBotConfig(ctx context.Context, botID int64) (*BotConfig, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs WHERE id = $1`, botID)
	return scanBotConfig(row)
}

// GetBotConfigByName loads one bot by its unique name.
func (db *DB) GetBotConfigByName(ctx context.Context, botName string) (*BotConfig, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs WHERE bot_name = $1`, botName)
	return scanBotConfig(row)
}

// GetBotConfigByClientOrderID resolves the owning bot of a client order id
// by its leading botId segment.
func (db *DB) GetBotConfigByClientOrderID(ctx context.Context, clientOrderID string) (*BotConfig, error) {
	segments := strings.SplitN(clientOrderID, "_", 2)
	if len(segments) < 2 {
		return nil, ErrBotNotFound
	}
	botID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		return nil, ErrBotNotFound
	}
	return db.GetBotConfig(ctx, botID)
}

// ListBotConfigs returns every bot ordered by id.
func (db *DB) ListBotConfigs(ctx context.Context) ([]*BotConfig, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot configs: %w", err)
	}
	defer rows.Close()
	return collectBotConfigs(rows)
}

// ListTraditionalBotConfigs returns every bot whose strategy is not in the
// externally-managed set.
func (db *DB) ListTraditionalBotConfigs(ctx context.Context, externallyManaged []string) ([]*BotConfig, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botConfigColumns+` FROM bot_configs WHERE NOT (strategy_name = ANY($1)) ORDER BY id`,
		externallyManaged)
	if err != nil {
		return nil, fmt.Errorf("failed to list traditional bot configs: %w", err)
	}
	defer rows.Close()
	return collectBotConfigs(rows)
}

func collectBotConfigs(rows pgx.Rows) ([]*BotConfig, error) {
	var configs []*BotConfig
	for rows.Next() {
		cfg, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteBotConfig removes the bot. Orders, positions and trailing states
// cascade at the schema level.
func (db *DB) DeleteBotConfig(ctx context.Context, botID int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM bot_configs WHERE id = $1`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete bot config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBotNotFound
	}
	return nil
}

// FindBotsByAPIKey returns the ids of bots holding the given key; the
// dashboard uses this for duplicate-credential checks.
func (db *DB) FindBotsByAPIKey(ctx context.Context, apiKey string) ([]int64, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id FROM bot_configs WHERE api_key = $1`, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for duplicate credentials: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

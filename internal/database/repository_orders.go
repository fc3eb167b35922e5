package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrOrderNotFound is returned when no ledger row matches the lookup.
var ErrOrderNotFound = errors.New("order not found")

const botOrderColumns = `
	id, bot_id, external_order_id, client_order_id, symbol, side, order_type,
	quantity, price, status, ts, exchange_created_at, close_price,
	close_quantity, close_time, close_type, pnl, pnl_pct, created_at, updated_at`

func scanBotOrder(row pgx.Row) (*BotOrder, error) {
	o := &BotOrder{}
	err := row.Scan(
		&o.ID, &o.BotID, &o.ExternalOrderID, &o.ClientOrderID, &o.Symbol,
		&o.Side, &o.OrderType, &o.Quantity, &o.Price, &o.Status, &o.Timestamp,
		&o.ExchangeCreatedAt, &o.ClosePrice, &o.CloseQuantity, &o.CloseTime,
		&o.CloseType, &o.PnL, &o.PnLPct, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// CreateBotOrder records a new ledger row.
func (db *DB) CreateBotOrder(ctx context.Context, o *BotOrder) error {
	now := time.Now()
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO bot_orders (
			bot_id, external_order_id, client_order_id, symbol, side,
			order_type, quantity, price, status, ts, exchange_created_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		o.BotID, o.ExternalOrderID, o.ClientOrderID, o.Symbol, o.Side,
		o.OrderType, o.Quantity, o.Price, o.Status, o.Timestamp,
		o.ExchangeCreatedAt, now,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("failed to create bot order: %w", err)
	}
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// SetOrderAccepted fills in the exchange id once the submission is
// acknowledged.
func (db *DB) SetOrderAccepted(ctx context.Context, clientOrderID, externalOrderID string, exchangeCreatedAt time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_orders
		SET external_order_id = $2, exchange_created_at = $3, updated_at = NOW()
		WHERE client_order_id = $1`,
		clientOrderID, externalOrderID, exchangeCreatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark order accepted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderStatus transitions a row's status by exchange id.
func (db *DB) SetOrderStatus(ctx context.Context, externalOrderID, status string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_orders SET status = $2, updated_at = NOW()
		WHERE external_order_id = $1`,
		externalOrderID, status)
	if err != nil {
		return fmt.Errorf("failed to set order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderStatusByClientID transitions a row's status by client order id.
func (db *DB) SetOrderStatusByClientID(ctx context.Context, clientOrderID, status string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_orders SET status = $2, updated_at = NOW()
		WHERE client_order_id = $1`,
		clientOrderID, status)
	if err != nil {
		return fmt.Errorf("failed to set order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderFilled transitions PENDING -> FILLED and stamps the exchange
// creation time when it is still empty.
func (db *DB) SetOrderFilled(ctx context.Context, externalOrderID string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_orders
		SET status = $2,
			exchange_created_at = COALESCE(exchange_created_at, $3),
			updated_at = NOW()
		WHERE external_order_id = $1 AND status = $4`,
		externalOrderID, OrderStatusFilled, at, OrderStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark order filled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SetOrderClosed records the closure leg of an entry order.
func (db *DB) SetOrderClosed(ctx context.Context, externalOrderID string, closePrice, closeQty float64, closeTime time.Time, closeType string, pnl, pnlPct float64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_orders
		SET status = $2, close_price = $3, close_quantity = $4,
			close_time = $5, close_type = $6, pnl = $7, pnl_pct = $8,
			updated_at = NOW()
		WHERE external_order_id = $1`,
		externalOrderID, OrderStatusClosed, closePrice, closeQty,
		closeTime, closeType, pnl, pnlPct)
	if err != nil {
		return fmt.Errorf("failed to mark order closed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrderByExternalID loads one ledger row by exchange id.
func (db *DB) GetOrderByExternalID(ctx context.Context, externalOrderID string) (*BotOrder, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+botOrderColumns+` FROM bot_orders WHERE external_order_id = $1`,
		externalOrderID)
	return scanBotOrder(row)
}

// GetOrderByClientID loads one ledger row by client order id.
func (db *DB) GetOrderByClientID(ctx context.Context, clientOrderID string) (*BotOrder, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+botOrderColumns+` FROM bot_orders WHERE client_order_id = $1`,
		clientOrderID)
	return scanBotOrder(row)
}

// ListOrdersForBot returns the bot's full ledger, oldest first.
func (db *DB) ListOrdersForBot(ctx context.Context, botID int64) ([]*BotOrder, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botOrderColumns+` FROM bot_orders WHERE bot_id = $1 ORDER BY ts`,
		botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return collectBotOrders(rows)
}

// ListOrdersForBotByStatus returns the bot's ledger rows in any of the
// given statuses, oldest first.
func (db *DB) ListOrdersForBotByStatus(ctx context.Context, botID int64, statuses []string) ([]*BotOrder, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botOrderColumns+` FROM bot_orders
		 WHERE bot_id = $1 AND status = ANY($2) ORDER BY ts`,
		botID, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}
	defer rows.Close()
	return collectBotOrders(rows)
}

func collectBotOrders(rows pgx.Rows) ([]*BotOrder, error) {
	var orders []*BotOrder
	for rows.Next() {
		o, err := scanBotOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeleteOrdersByBot hard-deletes the bot's ledger on bot removal.
func (db *DB) DeleteOrdersByBot(ctx context.Context, botID int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM bot_orders WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete orders: %w", err)
	}
	return nil
}

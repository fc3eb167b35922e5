package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrPositionNotFound is returned when no position row matches the lookup.
var ErrPositionNotFound = errors.New("position not found")

const botPositionColumns = `
	id, bot_id, symbol, side, entry_price, initial_quantity,
	current_quantity, pnl, status, created_at, updated_at`

func scanBotPosition(row pgx.Row) (*BotPosition, error) {
	p := &BotPosition{}
	err := row.Scan(
		&p.ID, &p.BotID, &p.Symbol, &p.Side, &p.EntryPrice,
		&p.InitialQuantity, &p.CurrentQuantity, &p.PnL, &p.Status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// CreateBotPosition opens a new derived position interval.
func (db *DB) CreateBotPosition(ctx context.Context, p *BotPosition) error {
	now := time.Now()
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO bot_positions (
			bot_id, symbol, side, entry_price, initial_quantity,
			current_quantity, pnl, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`,
		p.BotID, p.Symbol, p.Side, p.EntryPrice, p.InitialQuantity,
		p.CurrentQuantity, p.PnL, p.Status, now,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create bot position: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateBotPosition persists the mutable fields of a position interval.
func (db *DB) UpdateBotPosition(ctx context.Context, p *BotPosition) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE bot_positions
		SET entry_price = $2, current_quantity = $3, pnl = $4, status = $5,
			updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.EntryPrice, p.CurrentQuantity, p.PnL, p.Status)
	if err != nil {
		return fmt.Errorf("failed to update bot position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// GetLatestOpenPosition returns the newest non-closed interval for the
// (bot, symbol) pair.
func (db *DB) GetLatestOpenPosition(ctx context.Context, botID int64, symbol string) (*BotPosition, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+botPositionColumns+` FROM bot_positions
		 WHERE bot_id = $1 AND symbol = $2 AND status = ANY($3)
		 ORDER BY created_at DESC LIMIT 1`,
		botID, symbol, []string{PositionStatusOpen, PositionStatusPartiallyClosed})
	return scanBotPosition(row)
}

// ListOpenPositionsForBot returns every non-closed interval for the bot.
func (db *DB) ListOpenPositionsForBot(ctx context.Context, botID int64) ([]*BotPosition, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botPositionColumns+` FROM bot_positions
		 WHERE bot_id = $1 AND status = ANY($2) ORDER BY created_at`,
		botID, []string{PositionStatusOpen, PositionStatusPartiallyClosed})
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()
	return collectBotPositions(rows)
}

// ListPositionsForBot returns the bot's full position history, oldest first.
func (db *DB) ListPositionsForBot(ctx context.Context, botID int64) ([]*BotPosition, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+botPositionColumns+` FROM bot_positions
		 WHERE bot_id = $1 ORDER BY created_at`,
		botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()
	return collectBotPositions(rows)
}

func collectBotPositions(rows pgx.Rows) ([]*BotPosition, error) {
	var positions []*BotPosition
	for rows.Next() {
		p, err := scanBotPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeletePositionsByBot hard-deletes the bot's position history.
func (db *DB) DeletePositionsByBot(ctx context.Context, botID int64) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM bot_positions WHERE bot_id = $1`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete positions: %w", err)
	}
	return nil
}

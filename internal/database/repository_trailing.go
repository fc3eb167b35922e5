package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrTrailingStateNotFound is returned when no trailing record exists for
// the (bot, symbol) pair.
var ErrTrailingStateNotFound = errors.New("trailing state not found")

const trailingStateColumns = `
	id, bot_id, symbol, active_stop_order_id, highest_price,
	last_trigger_price, partial_taken, armed_at, created_at, updated_at`

func scanTrailingState(row pgx.Row) (*TrailingState, error) {
	s := &TrailingState{}
	err := row.Scan(
		&s.ID, &s.BotID, &s.Symbol, &s.ActiveStopOrderID, &s.HighestPrice,
		&s.LastTriggerPrice, &s.PartialTaken, &s.ArmedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTrailingStateNotFound
		}
		return nil, err
	}
	return s, nil
}

// UpsertTrailingState creates or refreshes the record for (bot, symbol).
func (db *DB) UpsertTrailingState(ctx context.Context, s *TrailingState) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO trailing_states (
			bot_id, symbol, active_stop_order_id, highest_price,
			last_trigger_price, partial_taken, armed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bot_id, symbol) DO UPDATE SET
			active_stop_order_id = EXCLUDED.active_stop_order_id,
			highest_price = EXCLUDED.highest_price,
			last_trigger_price = EXCLUDED.last_trigger_price,
			partial_taken = EXCLUDED.partial_taken,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		s.BotID, s.Symbol, s.ActiveStopOrderID, s.HighestPrice,
		s.LastTriggerPrice, s.PartialTaken, s.ArmedAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trailing state: %w", err)
	}
	return nil
}

// GetTrailingState loads the record for (bot, symbol).
func (db *DB) GetTrailingState(ctx context.Context, botID int64, symbol string) (*TrailingState, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+trailingStateColumns+` FROM trailing_states
		 WHERE bot_id = $1 AND symbol = $2`,
		botID, symbol)
	return scanTrailingState(row)
}

// ListTrailingStatesForBot returns every trailing record for the bot.
func (db *DB) ListTrailingStatesForBot(ctx context.Context, botID int64) ([]*TrailingState, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+trailingStateColumns+` FROM trailing_states WHERE bot_id = $1`,
		botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trailing states: %w", err)
	}
	defer rows.Close()

	var states []*TrailingState
	for rows.Next() {
		s, err := scanTrailingState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// ClearActiveStopOrder drops the exchange order reference but keeps the
// high-water mark so the trail can be re-armed.
func (db *DB) ClearActiveStopOrder(ctx context.Context, botID int64, symbol string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE trailing_states SET active_stop_order_id = '', updated_at = NOW()
		WHERE bot_id = $1 AND symbol = $2`,
		botID, symbol)
	if err != nil {
		return fmt.Errorf("failed to clear active stop order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTrailingStateNotFound
	}
	return nil
}

// DeleteTrailingState removes the record for (bot, symbol).
func (db *DB) DeleteTrailingState(ctx context.Context, botID int64, symbol string) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM trailing_states WHERE bot_id = $1 AND symbol = $2`,
		botID, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete trailing state: %w", err)
	}
	return nil
}

// GetFeatureToggle reports whether the named process-level switch is on.
// Unknown toggles default to enabled.
func (db *DB) GetFeatureToggle(ctx context.Context, name string) (bool, error) {
	var enabled bool
	err := db.Pool.QueryRow(ctx,
		`SELECT enabled FROM feature_toggles WHERE name = $1`, name,
	).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read feature toggle: %w", err)
	}
	return enabled, nil
}

// SetFeatureToggle creates or updates the named switch.
func (db *DB) SetFeatureToggle(ctx context.Context, name string, enabled bool) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO feature_toggles (name, enabled) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to set feature toggle: %w", err)
	}
	return nil
}

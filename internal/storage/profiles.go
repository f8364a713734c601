package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fraudcore/engine/internal/model"
)

// GetProfile retrieves a customer's behavioral baseline. Returns
// ErrNotFound if the customer has no profile row yet (new customer).
func (db *DB) GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error) {
	var p model.CustomerProfile
	err := db.pool.QueryRow(ctx,
		`SELECT customer_id, mean_amount, std_amount, typical_categories, typical_countries,
		        active_hour_start, active_hour_end, status, transaction_count, updated_at
		 FROM customer_profiles WHERE customer_id = $1`,
		customerID,
	).Scan(
		&p.CustomerID, &p.MeanAmount, &p.StdAmount, &p.TypicalCategories, &p.TypicalCountries,
		&p.ActiveHourStart, &p.ActiveHourEnd, &p.Status, &p.TransactionCount, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CustomerProfile{}, fmt.Errorf("storage: profile %s: %w", customerID, ErrNotFound)
		}
		return model.CustomerProfile{}, fmt.Errorf("storage: get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile inserts or replaces a customer's behavioral baseline.
func (db *DB) UpsertProfile(ctx context.Context, p model.CustomerProfile) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO customer_profiles
		    (customer_id, mean_amount, std_amount, typical_categories, typical_countries,
		     active_hour_start, active_hour_end, status, transaction_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (customer_id) DO UPDATE SET
		    mean_amount = EXCLUDED.mean_amount,
		    std_amount = EXCLUDED.std_amount,
		    typical_categories = EXCLUDED.typical_categories,
		    typical_countries = EXCLUDED.typical_countries,
		    active_hour_start = EXCLUDED.active_hour_start,
		    active_hour_end = EXCLUDED.active_hour_end,
		    status = EXCLUDED.status,
		    transaction_count = EXCLUDED.transaction_count,
		    updated_at = EXCLUDED.updated_at`,
		p.CustomerID, p.MeanAmount, p.StdAmount, p.TypicalCategories, p.TypicalCountries,
		p.ActiveHourStart, p.ActiveHourEnd, p.Status, p.TransactionCount, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}

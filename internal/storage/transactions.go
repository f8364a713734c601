package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/fraudcore/engine/internal/model"
)

// CreateTransaction inserts a new transaction. The embedding column is
// left NULL; only SetTransactionEmbedding writes it.
func (db *DB) CreateTransaction(ctx context.Context, txn model.Transaction) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO transactions
		    (txn_id, customer_id, ts, amount, currency, merchant_id, merchant_name, merchant_category,
		     country, city, device_id, device_type, txn_type, payment_method, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (txn_id) DO NOTHING`,
		txn.TxnID, txn.CustomerID, txn.Timestamp, txn.Amount, txn.Currency,
		txn.Merchant.ID, txn.Merchant.Name, txn.Merchant.Category,
		txn.Location.Country, txn.Location.City,
		txn.Device.ID, txn.Device.Type, txn.Type, txn.PaymentMethod, txn.Status,
	)
	if err != nil {
		return fmt.Errorf("storage: create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a single transaction by ID.
func (db *DB) GetTransaction(ctx context.Context, txnID string) (model.Transaction, error) {
	var t model.Transaction
	err := db.pool.QueryRow(ctx,
		`SELECT txn_id, customer_id, ts, amount, currency, merchant_id, merchant_name, merchant_category,
		        country, city, device_id, device_type, txn_type, payment_method, status
		 FROM transactions WHERE txn_id = $1`,
		txnID,
	).Scan(
		&t.TxnID, &t.CustomerID, &t.Timestamp, &t.Amount, &t.Currency,
		&t.Merchant.ID, &t.Merchant.Name, &t.Merchant.Category,
		&t.Location.Country, &t.Location.City,
		&t.Device.ID, &t.Device.Type, &t.Type, &t.PaymentMethod, &t.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Transaction{}, fmt.Errorf("storage: transaction %s: %w", txnID, ErrNotFound)
		}
		return model.Transaction{}, fmt.Errorf("storage: get transaction: %w", err)
	}
	return t, nil
}

// RecentTransactions returns a customer's most recent transactions,
// newest first, bounded by limit (default 20, capped at 500). C1 and C2
// do not call it: they score from the transaction and profile alone.
func (db *DB) RecentTransactions(ctx context.Context, customerID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := db.pool.Query(ctx,
		`SELECT txn_id, customer_id, ts, amount, currency, merchant_id, merchant_name, merchant_category,
		        country, city, device_id, device_type, txn_type, payment_method, status
		 FROM transactions
		 WHERE customer_id = $1
		 ORDER BY ts DESC
		 LIMIT $2`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(
			&t.TxnID, &t.CustomerID, &t.Timestamp, &t.Amount, &t.Currency,
			&t.Merchant.ID, &t.Merchant.Name, &t.Merchant.Category,
			&t.Location.Country, &t.Location.City,
			&t.Device.ID, &t.Device.Type, &t.Type, &t.PaymentMethod, &t.Status,
		); err != nil {
			return nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTransactionEmbedding writes the C3-computed embedding for a
// transaction, overwriting any previous value. Nothing in this module
// calls it; the outbox worker embeds transactions for the vector index
// without writing the vector back here.
func (db *DB) SetTransactionEmbedding(ctx context.Context, txnID string, embedding []float32) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE transactions SET embedding = $1 WHERE txn_id = $2`,
		pgvector.NewVector(embedding), txnID,
	)
	if err != nil {
		return fmt.Errorf("storage: set transaction embedding: %w", err)
	}
	return nil
}

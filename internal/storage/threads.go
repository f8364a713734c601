package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fraudcore/engine/internal/model"
)

// CreateThread opens a new observability thread for a transaction's
// Stage-2 analysis, so subscribers can find it by thread_id.
func (db *DB) CreateThread(ctx context.Context, t model.Thread) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (thread_id, txn_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		t.ThreadID, t.TxnID, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, threadID uuid.UUID) (model.Thread, error) {
	var t model.Thread
	err := db.pool.QueryRow(ctx,
		`SELECT thread_id, txn_id, created_at, expires_at FROM threads WHERE thread_id = $1`,
		threadID,
	).Scan(&t.ThreadID, &t.TxnID, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %s: %w", threadID, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fraudcore/engine/internal/model"
)

// CreateDecision inserts the initial Decision row for a transaction,
// in model.StateInit. The caller (arbitrator) advances its state via
// the Update* methods below as Stage-1/Stage-2 complete.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions
		    (txn_id, thread_id, state, verdict, risk_level, risk_score, confidence,
		     stage_completed, reasoning, total_elapsed_ms, stage1, stage2, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.TxnID, d.ThreadID, d.State, d.Verdict, d.RiskLevel, d.RiskScore, d.Confidence,
		d.StageCompleted, d.Reasoning, d.TotalElapsedMS, d.Stage1, d.Stage2, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by transaction ID.
func (db *DB) GetDecision(ctx context.Context, txnID string) (model.Decision, error) {
	var d model.Decision
	err := db.pool.QueryRow(ctx,
		`SELECT txn_id, thread_id, state, verdict, risk_level, risk_score, confidence,
		        stage_completed, reasoning, total_elapsed_ms, stage1, stage2, created_at, updated_at
		 FROM decisions WHERE txn_id = $1`,
		txnID,
	).Scan(
		&d.TxnID, &d.ThreadID, &d.State, &d.Verdict, &d.RiskLevel, &d.RiskScore, &d.Confidence,
		&d.StageCompleted, &d.Reasoning, &d.TotalElapsedMS, &d.Stage1, &d.Stage2, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, fmt.Errorf("storage: decision %s: %w", txnID, ErrNotFound)
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// ErrInvalidTransition is returned when an update would move a decision
// through a state edge not present in model.CanTransition.
var ErrInvalidTransition = errors.New("storage: invalid decision state transition")

// transitionTo reads the current state, checks it against model.CanTransition,
// and only then runs mutate within the same transaction. Guards every
// Update* method below against racing or out-of-order stage completions.
func (db *DB) transitionTo(ctx context.Context, txnID string, to model.DecisionState, mutate func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from model.DecisionState
	if err := tx.QueryRow(ctx, `SELECT state FROM decisions WHERE txn_id = $1 FOR UPDATE`, txnID).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: decision %s: %w", txnID, ErrNotFound)
		}
		return fmt.Errorf("storage: lock decision: %w", err)
	}
	if !model.CanTransition(from, to) {
		return fmt.Errorf("storage: decision %s %s -> %s: %w", txnID, from, to, ErrInvalidTransition)
	}

	if err := mutate(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateStage1 records the Stage-1 result and moves the decision to
// STAGE1_DONE, or directly to FINAL with the given verdict when Stage-2
// is not needed.
func (db *DB) UpdateStage1(ctx context.Context, txnID string, stage1 model.Stage1Result, final *model.Decision) error {
	to := model.StateStage1Done
	if final != nil {
		to = model.StateFinal
	}
	return db.transitionTo(ctx, txnID, to, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if final == nil {
			// Ambiguous band: stage-1 alone never settles this decision, but
			// a reader polling mid-stage-2 must still see the provisional
			// INVESTIGATE verdict arbitrator.go already computed in memory.
			riskLevel := model.RiskLevelFor(stage1.CombinedScore)
			confidence := model.Stage1ConfidenceFor(stage1.CombinedScore)
			_, err := tx.Exec(ctx,
				`UPDATE decisions
				 SET state = $1, stage1 = $2, verdict = $3, risk_level = $4, risk_score = $5,
				     confidence = $6, stage_completed = 1, updated_at = $7
				 WHERE txn_id = $8`,
				model.StateStage1Done, stage1, model.VerdictInvestigate, riskLevel, stage1.CombinedScore,
				confidence, now, txnID,
			)
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE decisions
			 SET state = $1, stage1 = $2, verdict = $3, risk_level = $4, risk_score = $5,
			     confidence = $6, reasoning = $7, stage_completed = 1, total_elapsed_ms = $8, updated_at = $9
			 WHERE txn_id = $10`,
			model.StateFinal, stage1, final.Verdict, final.RiskLevel, final.RiskScore,
			final.Confidence, final.Reasoning, final.TotalElapsedMS, now, txnID,
		)
		return err
	})
}

// MarkStage2Pending moves a decision into STAGE2_PENDING once the
// arbitrator has dispatched the deferred deep analysis. UpdateStage1
// already wrote the provisional verdict and risk fields for this row; this
// re-asserts verdict = INVESTIGATE so the persisted row can never show an
// empty verdict while STAGE2_PENDING, regardless of call order.
func (db *DB) MarkStage2Pending(ctx context.Context, txnID string) error {
	return db.transitionTo(ctx, txnID, model.StateStage2Pending, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE decisions SET state = $1, verdict = $2, updated_at = now() WHERE txn_id = $3`,
			model.StateStage2Pending, model.VerdictInvestigate, txnID,
		)
		return err
	})
}

// FinalizeStage2 records the Stage-2 result, moves the decision to
// FINAL, and enqueues a search_outbox upsert row in the same
// transaction — giving C4's vector index its eventual-consistency
// guarantee without a separate write path.
func (db *DB) FinalizeStage2(ctx context.Context, d model.Decision) error {
	return db.transitionTo(ctx, d.TxnID, model.StateFinal, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE decisions
			 SET state = $1, stage2 = $2, verdict = $3, risk_level = $4, risk_score = $5,
			     confidence = $6, reasoning = $7, stage_completed = 2, total_elapsed_ms = $8, updated_at = $9
			 WHERE txn_id = $10`,
			model.StateFinal, d.Stage2, d.Verdict, d.RiskLevel, d.RiskScore,
			d.Confidence, d.Reasoning, d.TotalElapsedMS, now, d.TxnID,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (txn_id, operation, attempts, created_at)
			 VALUES ($1, 'upsert', 0, $2)`,
			d.TxnID, now,
		)
		return err
	})
}

// ExpireStage2 moves a decision whose Stage-2 deadline elapsed without a
// result into EXPIRED, then FINAL, preserving the Stage-1 provisional
// verdict per spec.md §5's timeout boundary: the row keeps the risk fields
// UpdateStage1 already wrote and is stamped verdict = INVESTIGATE in both
// transitions, so FINAL here always reads as FINAL_INVESTIGATE.
func (db *DB) ExpireStage2(ctx context.Context, txnID string) error {
	if err := db.transitionTo(ctx, txnID, model.StateExpired, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE decisions SET state = $1, verdict = $2, updated_at = now() WHERE txn_id = $3`,
			model.StateExpired, model.VerdictInvestigate, txnID,
		)
		return err
	}); err != nil {
		return err
	}
	return db.transitionTo(ctx, txnID, model.StateFinal, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE decisions SET state = $1, verdict = $2, updated_at = now() WHERE txn_id = $3`,
			model.StateFinal, model.VerdictInvestigate, txnID,
		)
		return err
	})
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/fraudcore/engine/internal/telemetry"
)

// outboxEntry represents a single row from the search_outbox table.
type outboxEntry struct {
	ID        int64
	TxnID     string
	Operation string
	Attempts  int
}

// TransactionForIndex holds the fields needed to build a Qdrant point,
// hydrated from Postgres by the outbox worker.
type TransactionForIndex struct {
	TxnID      string
	CustomerID string
	Category   string
	Verdict    string
	IndexedAt  time.Time
	Embedding  []float32
}

// maxOutboxAttempts bounds retry cycles before an entry becomes a dead
// letter: it stays in the table, is no longer polled, and is deleted by
// cleanupDeadLetters once it is more than 7 days old. Must match the partial index predicate
// in the outbox migration (WHERE attempts < 10).
const maxOutboxAttempts = 10

// OutboxWorker polls the search_outbox table and syncs changes to the
// vector index, giving C4 its "eventually consistent" guarantee (spec.md
// §4.4, §8): a Decision write commits an outbox row in the same Postgres
// transaction, and this worker drains it asynchronously.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        *QdrantIndex
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	drainOnce   sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or ctx expires. Safe to call multiple times; only the
// first call triggers the drain.
func (w *OutboxWorker) Drain(ctx context.Context) {
	w.drainOnce.Do(func() {
		sendCtx, sendCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		select {
		case w.drainCh <- ctx:
		case <-sendCtx.Done():
			w.logger.Warn("search outbox: drain context channel busy, final poll will use fallback timeout")
		}
		sendCancel()
		if w.cancelLoop != nil {
			w.cancelLoop()
		}
	})
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil || w.index == nil {
		w.logger.Warn("search outbox: skipping batch, pool or index is nil")
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("search outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, txn_id, operation, attempts
		 FROM search_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("search outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("search outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE search_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("search outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("search outbox: commit lock", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1
		   AND (locked_until IS NULL OR locked_until < now())
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead letters", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("search outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	txnIDs := make([]string, len(entries))
	for i, e := range entries {
		txnIDs[i] = e.TxnID
	}

	txns, err := w.fetchTransactionsForIndex(ctx, txnIDs)
	if err != nil {
		w.logger.Error("search outbox: fetch transactions", "error", err, "count", len(txnIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	readyEntries, readyTxns, pendingEntries := partitionUpsertEntries(entries, txns)

	if len(readyEntries) > 0 {
		points := make([]Point, 0, len(readyTxns))
		for _, t := range readyTxns {
			points = append(points, Point{
				TxnID:      t.TxnID,
				CustomerID: t.CustomerID,
				Category:   t.Category,
				Verdict:    t.Verdict,
				IndexedAt:  t.IndexedAt,
				Embedding:  t.Embedding,
			})
		}
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("search outbox: qdrant upsert", "error", err, "count", len(points))
			w.failEntries(ctx, readyEntries, err.Error())
		} else {
			w.succeedEntries(ctx, readyEntries)
			w.logger.Info("search outbox: upserted", "count", len(points))
		}
	}

	if len(pendingEntries) > 0 {
		// Decision row not yet visible or embedding not yet computed; defer
		// with a 30-minute backoff and eventually dead-letter.
		var toDefer, toFail []outboxEntry
		for _, e := range pendingEntries {
			if e.Attempts >= maxOutboxAttempts-1 {
				toFail = append(toFail, e)
			} else {
				toDefer = append(toDefer, e)
			}
		}
		if len(toFail) > 0 {
			w.failEntries(ctx, toFail, "transaction not ready after max defer cycles (missing embedding or not found)")
		}
		if len(toDefer) > 0 {
			w.deferPendingEntries(ctx, toDefer, "transaction not ready for indexing")
		}
	}
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.TxnID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("search outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, ids); err != nil {
		w.logger.Error("search outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) deferPendingEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1, last_error = $1, locked_until = now() + interval '30 minutes'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("search outbox: defer pending entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff capped at 5 minutes, uniform per batch since all
	// entries share the same pre-increment attempt count.
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1, last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("search outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter entry", "outbox_id", e.ID, "txn_id", e.TxnID, "operation", e.Operation, "attempts", e.Attempts+1)
		}
	}
}

func (w *OutboxWorker) fetchTransactionsForIndex(ctx context.Context, txnIDs []string) ([]TransactionForIndex, error) {
	if len(txnIDs) == 0 {
		return nil, nil
	}

	rows, err := w.pool.Query(ctx,
		`SELECT t.txn_id, t.customer_id, t.merchant_category, d.verdict, d.updated_at, t.embedding
		 FROM transactions t
		 JOIN decisions d ON d.txn_id = t.txn_id
		 WHERE t.txn_id = ANY($1) AND t.embedding IS NOT NULL AND d.state = 'FINAL'`,
		txnIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: query transactions: %w", err)
	}
	defer rows.Close()

	var results []TransactionForIndex
	for rows.Next() {
		var t TransactionForIndex
		var emb pgvector.Vector
		if err := rows.Scan(&t.TxnID, &t.CustomerID, &t.Category, &t.Verdict, &t.IndexedAt, &emb); err != nil {
			return nil, fmt.Errorf("search outbox: scan transaction: %w", err)
		}
		t.Embedding = emb.Slice()
		results = append(results, t)
	}
	return results, rows.Err()
}

// registerMetrics registers an observable OTEL gauge for outbox backlog depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("fraudcore/outbox")

	_, _ = meter.Int64ObservableGauge("fraudcore.outbox.depth",
		metric.WithDescription("Estimated pending entries in the search outbox (via pg_class.reltuples)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var estimate float64
			err := w.pool.QueryRow(ctx, `SELECT reltuples FROM pg_class WHERE relname = 'search_outbox'`).Scan(&estimate)
			if err != nil {
				return nil
			}
			if estimate < 0 {
				estimate = 0
			}
			o.Observe(int64(estimate))
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.TxnID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("search outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// partitionUpsertEntries splits outbox entries by whether the backing
// transaction row is ready for indexing.
func partitionUpsertEntries(entries []outboxEntry, txns []TransactionForIndex) (ready []outboxEntry, readyTxns []TransactionForIndex, pending []outboxEntry) {
	byID := make(map[string]TransactionForIndex, len(txns))
	for _, t := range txns {
		byID[t.TxnID] = t
	}

	ready = make([]outboxEntry, 0, len(entries))
	readyTxns = make([]TransactionForIndex, 0, len(entries))
	pending = make([]outboxEntry, 0)
	for _, e := range entries {
		t, ok := byID[e.TxnID]
		if !ok {
			pending = append(pending, e)
			continue
		}
		ready = append(ready, e)
		readyTxns = append(readyTxns, t)
	}
	return ready, readyTxns, pending
}

// Package search implements the vector similarity index (C4): an
// eventually-consistent nearest-neighbor store over transaction
// embeddings, kept in sync with Postgres via an outbox worker.
package search

import "context"

// ScoredDoc is a single KNN hit: a transaction ID and its raw cosine
// similarity score from the index. The caller hydrates full Transaction
// records from Postgres (source of truth); the index never stores more
// than it needs to rank and identify.
type ScoredDoc struct {
	TxnID string
	Score float32
}

// Filter narrows a KNN query. All fields are optional; a nil field means
// "unconstrained" for that dimension.
type Filter struct {
	Category     *string
	ExcludeTxnID string
	MinScore     *float32
}

// Index is the C4 contract: KNN(ctx, queryVec, k, filter) -> []ScoredDoc.
// Implementations must be safe for concurrent use.
type Index interface {
	KNN(ctx context.Context, queryVec []float32, k int, filter Filter) ([]ScoredDoc, error)
	Healthy(ctx context.Context) error
}

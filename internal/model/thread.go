package model

import (
	"time"

	"github.com/google/uuid"
)

// Thread is the ephemeral correlation context for one transaction
// analysis. Its lifetime is bounded; after ExpiresAt the observability
// history for it may be reaped.
type Thread struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	TxnID     string    `json:"txn_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the thread has passed its TTL as of now.
func (t Thread) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

package observability

import (
	"github.com/google/uuid"

	"github.com/fraudcore/engine/internal/model"
)

// Poll returns events strictly after afterEventID, oldest-first, up to
// limit. afterEventID == 0 means "no cursor", returning from the start of
// retained history. An afterEventID that isn't present in the retained
// ring buffer (because it expired out, or was never valid) returns all
// retained events instead of an empty slice — exact semantics of
// original_source/backend/routes/observability.py's
// get_thread_events_polling, which treats an unmatched last_event_id the
// same as no cursor at all.
func (b *Broker) Poll(threadID uuid.UUID, afterEventID uint64, limit int) []model.ObservabilityEvent {
	b.mu.RLock()
	all := b.history[threadID]
	b.mu.RUnlock()

	var result []model.ObservabilityEvent
	if afterEventID == 0 {
		result = append(result, all...)
	} else {
		idx := -1
		for i, e := range all {
			if e.EventID == afterEventID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			result = append(result, all[idx+1:]...)
		} else {
			result = append(result, all...)
		}
	}

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// History returns the most recent limit events for a thread, oldest-first.
// A non-positive limit returns everything retained.
func (b *Broker) History(threadID uuid.UUID, limit int) []model.ObservabilityEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	all := b.history[threadID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]model.ObservabilityEvent, len(all))
	copy(out, all)
	return out
}

// Clear drops a thread's retained history and disconnects every live
// subscriber of it.
func (b *Broker) Clear(threadID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.history, threadID)
	for ch := range b.subscribers[threadID] {
		close(ch)
	}
	delete(b.subscribers, threadID)
}

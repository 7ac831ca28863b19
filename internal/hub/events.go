package hub

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/emberchat/emberhub/internal/model"
	"github.com/emberchat/emberhub/internal/monitoring"
)

// InsertEvent appends one encrypted group event. The timestamp is assigned
// here in unix milliseconds, a missing event_id gets a fresh UUID, and
// duplicate identifiers are first-wins. The stored event is returned so the
// caller can echo the assigned fields.
func (h *Hub) InsertEvent(ctx context.Context, e model.HouseEvent) (model.HouseEvent, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.Timestamp = h.now().UnixMilli()

	if h.sql != nil {
		stored, err := h.sql.InsertEvent(ctx, e)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return model.HouseEvent{}, err
		}
		return stored, nil
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if prior, dup := h.events.byID[e.EventID]; dup {
		return prior, nil
	}
	h.events.byID[e.EventID] = e
	queue := h.events.byGroup[e.SigningPubkey]
	// Insert keeping (timestamp, event_id) order; appends are the common case.
	i := sort.Search(len(queue), func(i int) bool {
		return eventAfter(queue[i], e)
	})
	queue = append(queue, model.HouseEvent{})
	copy(queue[i+1:], queue[i:])
	queue[i] = e
	h.events.byGroup[e.SigningPubkey] = queue
	return e, nil
}

// GetEvents replays a group's events in (timestamp, event_id) order. With a
// since cursor only events strictly after the cursor's tuple are returned;
// an unknown cursor yields an empty slice.
func (h *Hub) GetEvents(ctx context.Context, signingPubkey, since string) ([]model.HouseEvent, error) {
	if h.sql != nil {
		events, err := h.sql.GetEvents(ctx, signingPubkey, since)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return nil, err
		}
		return events, nil
	}

	h.events.mu.RLock()
	defer h.events.mu.RUnlock()

	queue := h.events.byGroup[signingPubkey]
	if since == "" {
		out := make([]model.HouseEvent, len(queue))
		copy(out, queue)
		return out, nil
	}

	cursor, ok := h.events.byID[since]
	if !ok || cursor.SigningPubkey != signingPubkey {
		return []model.HouseEvent{}, nil
	}
	out := []model.HouseEvent{}
	for _, e := range queue {
		if eventAfter(e, cursor) {
			out = append(out, e)
		}
	}
	return out, nil
}

// AckEvent records the soft per-user replay bookmark.
func (h *Hub) AckEvent(ctx context.Context, signingPubkey, userID, lastEventID string) error {
	if h.sql != nil {
		if err := h.sql.UpsertAck(ctx, signingPubkey, userID, lastEventID); err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return err
		}
		return nil
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if h.events.acks[signingPubkey] == nil {
		h.events.acks[signingPubkey] = make(map[string]string)
	}
	h.events.acks[signingPubkey][userID] = lastEventID
	return nil
}

// gcEvents drops events past the retention window.
func (h *Hub) gcEvents(ctx context.Context) {
	cutoff := h.now().Add(-model.EventRetention).UnixMilli()

	if h.sql != nil {
		removed, err := h.sql.GCEvents(ctx, cutoff)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			h.logger.Warn().Err(err).Msg("Event GC failed")
		} else if removed > 0 {
			h.logger.Info().Int64("removed", removed).Msg("Expired house events removed")
		}
		return
	}

	h.events.mu.Lock()
	removed := 0
	for key, queue := range h.events.byGroup {
		kept := queue[:0]
		for _, e := range queue {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			} else {
				delete(h.events.byID, e.EventID)
				removed++
			}
		}
		if len(kept) == 0 {
			delete(h.events.byGroup, key)
		} else {
			h.events.byGroup[key] = kept
		}
	}
	h.events.mu.Unlock()
	if removed > 0 {
		h.logger.Info().Int("removed", removed).Msg("Expired house events removed")
	}
}

// eventAfter reports whether a orders strictly after b.
func eventAfter(a, b model.HouseEvent) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.EventID > b.EventID
}

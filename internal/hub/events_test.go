package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/model"
)

func insertEvent(t *testing.T, h *Hub, id, group string) model.HouseEvent {
	t.Helper()
	e, err := h.InsertEvent(context.Background(), model.HouseEvent{
		EventID:          id,
		SigningPubkey:    group,
		EventType:        "message",
		EncryptedPayload: "ciphertext",
		Signature:        "sig",
	})
	require.NoError(t, err)
	return e
}

func TestInsertEventAssignsTimestampAndID(t *testing.T) {
	h, clock := newTestHub(t)

	e := insertEvent(t, h, "", "H1")
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, clock.Now().UnixMilli(), e.Timestamp)
}

func TestInsertEventDedupIsFirstWins(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()

	first := insertEvent(t, h, "E1", "H1")
	clock.Advance(time.Second)
	dup, err := h.InsertEvent(ctx, model.HouseEvent{
		EventID:       "E1",
		SigningPubkey: "H1",
		EventType:     "edited",
	})
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, dup.Timestamp)

	events, err := h.GetEvents(ctx, "H1", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "message", events[0].EventType)
}

func TestCursorReplayThroughTimestampCollision(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	// Clock pinned: E1 and E2 share a wall-clock timestamp.
	insertEvent(t, h, "E1", "H1")
	insertEvent(t, h, "E2", "H1")

	events, err := h.GetEvents(ctx, "H1", "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "E1", events[0].EventID)
	assert.Equal(t, "E2", events[1].EventID)

	after, err := h.GetEvents(ctx, "H1", "E1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "E2", after[0].EventID)

	tail, err := h.GetEvents(ctx, "H1", "E2")
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestUnknownCursorYieldsEmpty(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	insertEvent(t, h, "E1", "H1")

	events, err := h.GetEvents(ctx, "H1", "never-seen")
	require.NoError(t, err)
	assert.Empty(t, events)

	// A cursor from another group is just as unknown.
	insertEvent(t, h, "EX", "H2")
	events, err = h.GetEvents(ctx, "H1", "EX")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsOrderedAcrossTimestamps(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()

	insertEvent(t, h, "B", "H1")
	clock.Advance(time.Millisecond)
	insertEvent(t, h, "A", "H1")

	events, err := h.GetEvents(ctx, "H1", "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Timestamp dominates the event id tiebreak.
	assert.Equal(t, "B", events[0].EventID)
	assert.Equal(t, "A", events[1].EventID)
}

func TestGCEventsHonorsRetention(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()

	insertEvent(t, h, "old", "H1")
	clock.Advance(model.EventRetention + time.Hour)
	insertEvent(t, h, "fresh", "H1")

	h.gcEvents(ctx)

	events, err := h.GetEvents(ctx, "H1", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].EventID)
}

func TestAckEventStoresBookmark(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.AckEvent(ctx, "H1", "U1", "E1"))
	require.NoError(t, h.AckEvent(ctx, "H1", "U1", "E2"))

	h.events.mu.RLock()
	defer h.events.mu.RUnlock()
	assert.Equal(t, "E2", h.events.acks["H1"]["U1"])
}

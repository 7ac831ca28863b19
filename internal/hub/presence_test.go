package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/protocol"
)

func TestPresenceHelloSnapshotAndFanOut(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	c2 := newTestConn(t, h, "c2")

	h.Register(c1, protocol.Register{GroupID: "g1", PeerID: "p1", SigningPubkey: "H1"})
	h.Register(c2, protocol.Register{GroupID: "g1", PeerID: "p2", SigningPubkey: "H1"})
	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	drainFrames(t, c1)
	drainFrames(t, c2)

	h.PresenceHello(ctx, c2, protocol.PresenceHello{UserID: "U2", SigningPubkeys: []string{"H1"}})

	// C2's snapshot for H1 contains U1.
	snaps := framesOfType(drainFrames(t, c2), protocol.TypePresenceSnapshot)
	var h1Users []any
	for _, snap := range snaps {
		if snap["signing_pubkey"] == "H1" {
			h1Users = snap["users"].([]any)
		}
	}
	require.NotNil(t, h1Users)
	seen := map[string]bool{}
	for _, u := range h1Users {
		seen[u.(map[string]any)["user_id"].(string)] = true
	}
	assert.True(t, seen["U1"])

	// C1 receives the online delta for U2.
	updates := framesOfType(drainFrames(t, c1), protocol.TypePresenceUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, "U2", updates[0]["user_id"])
	assert.Equal(t, true, updates[0]["online"])
}

func TestPresenceHelloDeliversFriendSnapshotAndMailbox(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	c2 := newTestConn(t, h, "c2")

	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	drainFrames(t, c1)

	h.PresenceHello(ctx, c2, protocol.PresenceHello{
		UserID:         "U2",
		SigningPubkeys: []string{"H2"},
		FriendUserIDs:  []string{"U1", "U2", ""},
	})

	frames := drainFrames(t, c2)
	snaps := framesOfType(frames, protocol.TypePresenceSnapshot)
	var friendUsers []any
	for _, snap := range snaps {
		if snap["signing_pubkey"] == protocol.FriendsGroupKey {
			friendUsers = snap["users"].([]any)
		}
	}
	require.NotNil(t, friendUsers)
	require.Len(t, friendUsers, 1)
	assert.Equal(t, "U1", friendUsers[0].(map[string]any)["user_id"])

	require.Len(t, framesOfType(frames, protocol.TypeFriendPendingSnapshot), 1)
}

func TestPresenceActiveRequiresMatchingUser(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")

	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	drainFrames(t, c1)

	h.PresenceActive(ctx, c1, protocol.PresenceActive{UserID: "U2", ActiveSigningPubkey: "H1"})

	errs := framesOfType(drainFrames(t, c1), protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Invalid peer identity", errs[0]["message"])
}

func TestPresenceActiveBroadcastsToFriendSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	c2 := newTestConn(t, h, "c2")

	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	h.PresenceHello(ctx, c2, protocol.PresenceHello{
		UserID:         "U2",
		SigningPubkeys: []string{"H2"},
		FriendUserIDs:  []string{"U1"},
	})
	drainFrames(t, c1)
	drainFrames(t, c2)

	h.PresenceActive(ctx, c1, protocol.PresenceActive{UserID: "U1", ActiveSigningPubkey: "H1"})

	updates := framesOfType(drainFrames(t, c2), protocol.TypePresenceUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, protocol.FriendsGroupKey, updates[0]["signing_pubkey"])
	assert.Equal(t, "U1", updates[0]["user_id"])
	assert.Equal(t, "H1", updates[0]["active_signing_pubkey"])
}

func TestDisconnectBroadcastsOfflineOnLastConnection(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	c1b := newTestConn(t, h, "c1b")
	c2 := newTestConn(t, h, "c2")

	h.Register(c2, protocol.Register{GroupID: "g1", PeerID: "p2", SigningPubkey: "H1"})
	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	h.PresenceHello(ctx, c1b, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})
	h.PresenceHello(ctx, c2, protocol.PresenceHello{UserID: "U2", SigningPubkeys: []string{"H1"}})
	drainFrames(t, c2)

	// First connection down: U1 still online via c1b, no offline delta.
	h.Disconnect(ctx, c1)
	for _, f := range framesOfType(drainFrames(t, c2), protocol.TypePresenceUpdate) {
		if f["user_id"] == "U1" {
			assert.Equal(t, true, f["online"])
		}
	}

	// Last connection down: offline delta reaches the group.
	h.Disconnect(ctx, c1b)
	updates := framesOfType(drainFrames(t, c2), protocol.TypePresenceUpdate)
	var sawOffline bool
	for _, f := range updates {
		if f["user_id"] == "U1" && f["online"] == false {
			sawOffline = true
		}
	}
	assert.True(t, sawOffline)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	h.PresenceHello(ctx, c1, protocol.PresenceHello{UserID: "U1", SigningPubkeys: []string{"H1"}})

	h.Disconnect(ctx, c1)
	h.Disconnect(ctx, c1)

	h.presence.mu.RLock()
	_, userKnown := h.presence.byUser["U1"]
	h.presence.mu.RUnlock()
	assert.False(t, userKnown)
}

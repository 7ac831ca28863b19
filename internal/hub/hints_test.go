package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/protocol"
)

func TestPutHintBroadcastsToSubscribers(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	c1 := newTestConn(t, h, "c1")
	c2 := newTestConn(t, h, "c2")

	h.Register(c1, protocol.Register{GroupID: "g1", PeerID: "p1", SigningPubkey: "H1"})
	h.Register(c2, protocol.Register{GroupID: "g2", PeerID: "p2", SigningPubkey: "H2"})
	drainFrames(t, c1)
	drainFrames(t, c2)

	require.NoError(t, h.PutHint(ctx, "H1", "ciphertext", "sig"))

	updated := framesOfType(drainFrames(t, c1), protocol.TypeServerHintUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "H1", updated[0]["signing_pubkey"])

	// Other groups hear nothing.
	assert.Empty(t, drainFrames(t, c2))
}

func TestGetHintReturnsLatestUpsert(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	hint, err := h.GetHint(ctx, "H1")
	require.NoError(t, err)
	assert.Nil(t, hint)

	require.NoError(t, h.PutHint(ctx, "H1", "v1", "sig1"))
	require.NoError(t, h.PutHint(ctx, "H1", "v2", "sig2"))

	hint, err = h.GetHint(ctx, "H1")
	require.NoError(t, err)
	require.NotNil(t, hint)
	assert.Equal(t, "v2", hint.EncryptedPayload)
	assert.Equal(t, "sig2", hint.Signature)
}

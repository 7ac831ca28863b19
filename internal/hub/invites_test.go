package hub

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/emberhub/internal/model"
)

func putInvite(t *testing.T, h *Hub, code string, maxUses int) *model.InviteToken {
	t.Helper()
	token, err := h.PutInvite(context.Background(), "H1", code, "ciphertext", "sig", maxUses)
	require.NoError(t, err)
	return token
}

func TestPutInviteValidatesCodeLength(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	for _, code := range []string{"short9chr", strings.Repeat("x", 65)} {
		_, err := h.PutInvite(ctx, "H1", code, "", "", 1)
		assert.ErrorIs(t, err, ErrInviteCodeLength)
	}
	for _, code := range []string{"exactly10c", strings.Repeat("x", 64)} {
		_, err := h.PutInvite(ctx, "H1", code, "", "", 1)
		assert.NoError(t, err)
	}
}

func TestPutInviteSetsLifetimeAndUses(t *testing.T) {
	h, clock := newTestHub(t)

	token := putInvite(t, h, "invitecode", 5)
	assert.Equal(t, clock.Now(), token.CreatedAt)
	assert.Equal(t, clock.Now().Add(model.InviteLifetime), token.ExpiresAt)
	assert.Equal(t, 5, token.RemainingUses)
}

func TestGetInviteExpiresWithClock(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()

	putInvite(t, h, "invitecode", 1)

	token, err := h.GetInvite(ctx, "invitecode")
	require.NoError(t, err)
	require.NotNil(t, token)

	clock.Advance(model.InviteLifetime + time.Minute)
	token, err = h.GetInvite(ctx, "invitecode")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRedeemInviteDecrementsToExhaustion(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	putInvite(t, h, "invitecode", 2)

	token, err := h.RedeemInvite(ctx, "invitecode")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, 1, token.RemainingUses)

	token, err = h.RedeemInvite(ctx, "invitecode")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, 0, token.RemainingUses)

	token, err = h.RedeemInvite(ctx, "invitecode")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestRedeemUnlimitedInviteNeverMutates(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	putInvite(t, h, "invitecode", 0)

	for i := 0; i < 25; i++ {
		token, err := h.RedeemInvite(ctx, "invitecode")
		require.NoError(t, err)
		require.NotNil(t, token)
		assert.Equal(t, 0, token.RemainingUses)
	}
}

func TestConcurrentRedeemsNeverExceedMaxUses(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	const maxUses = 5
	const contenders = 50
	putInvite(t, h, "invitecode", maxUses)

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			token, err := h.RedeemInvite(ctx, "invitecode")
			if err == nil && token != nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(maxUses), successes.Load())
}

func TestRevokeInvite(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	putInvite(t, h, "invitecode", 1)

	ok, err := h.RevokeInvite(ctx, "invitecode")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.RevokeInvite(ctx, "invitecode")
	require.NoError(t, err)
	assert.False(t, ok)

	token, err := h.GetInvite(ctx, "invitecode")
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestGCInvitesDropsExpired(t *testing.T) {
	h, clock := newTestHub(t)
	ctx := context.Background()

	putInvite(t, h, "oldinvite1", 1)
	clock.Advance(model.InviteLifetime + time.Minute)
	putInvite(t, h, "newinvite1", 1)

	h.gcInvites(ctx)

	h.invites.mu.Lock()
	defer h.invites.mu.Unlock()
	assert.NotContains(t, h.invites.byCode, "oldinvite1")
	assert.Contains(t, h.invites.byCode, "newinvite1")
}

package hub

import (
	"context"
	"errors"

	"github.com/emberchat/emberhub/internal/model"
	"github.com/emberchat/emberhub/internal/monitoring"
)

// Invite validation failures the HTTP layer maps to 400.
var ErrInviteCodeLength = errors.New("invite code must be 10 to 64 characters")

const (
	inviteCodeMinLen = 10
	inviteCodeMaxLen = 64
)

// PutInvite mints or replaces an invite token. remaining_uses starts at
// max_uses; zero means unlimited.
func (h *Hub) PutInvite(ctx context.Context, signingPubkey, code, encryptedPayload, signature string, maxUses int) (*model.InviteToken, error) {
	if len(code) < inviteCodeMinLen || len(code) > inviteCodeMaxLen {
		return nil, ErrInviteCodeLength
	}
	now := h.now()
	t := model.InviteToken{
		Code:             code,
		SigningPubkey:    signingPubkey,
		EncryptedPayload: encryptedPayload,
		Signature:        signature,
		CreatedAt:        now,
		ExpiresAt:        now.Add(model.InviteLifetime),
		MaxUses:          maxUses,
		RemainingUses:    maxUses,
	}

	if h.sql != nil {
		if err := h.sql.PutInvite(ctx, t); err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return nil, err
		}
		return &t, nil
	}

	h.invites.mu.Lock()
	stored := t
	h.invites.byCode[code] = &stored
	h.invites.mu.Unlock()
	return &t, nil
}

// GetInvite returns the token, or nil when unknown or expired.
func (h *Hub) GetInvite(ctx context.Context, code string) (*model.InviteToken, error) {
	now := h.now()

	if h.sql != nil {
		t, err := h.sql.GetInvite(ctx, code, now)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return nil, err
		}
		return t, nil
	}

	h.invites.mu.Lock()
	defer h.invites.mu.Unlock()
	t, ok := h.invites.byCode[code]
	if !ok {
		return nil, nil
	}
	if t.Expired(now) {
		delete(h.invites.byCode, code)
		return nil, nil
	}
	out := *t
	return &out, nil
}

// RedeemInvite atomically consumes one use. Unlimited tokens pass through
// unchanged; unknown, expired and exhausted tokens all return nil.
func (h *Hub) RedeemInvite(ctx context.Context, code string) (*model.InviteToken, error) {
	now := h.now()

	if h.sql != nil {
		t, err := h.sql.RedeemInvite(ctx, code, now)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return nil, err
		}
		return t, nil
	}

	h.invites.mu.Lock()
	defer h.invites.mu.Unlock()
	t, ok := h.invites.byCode[code]
	if !ok || t.Expired(now) {
		return nil, nil
	}
	if t.MaxUses != 0 {
		if t.RemainingUses <= 0 {
			return nil, nil
		}
		t.RemainingUses--
	}
	out := *t
	return &out, nil
}

// RevokeInvite deletes the token; reports whether it existed.
func (h *Hub) RevokeInvite(ctx context.Context, code string) (bool, error) {
	if h.sql != nil {
		ok, err := h.sql.RevokeInvite(ctx, code)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return false, err
		}
		return ok, nil
	}

	h.invites.mu.Lock()
	defer h.invites.mu.Unlock()
	if _, ok := h.invites.byCode[code]; !ok {
		return false, nil
	}
	delete(h.invites.byCode, code)
	return true, nil
}

// gcInvites drops expired tokens.
func (h *Hub) gcInvites(ctx context.Context) {
	now := h.now()

	if h.sql != nil {
		removed, err := h.sql.GCInvites(ctx, now)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			h.logger.Warn().Err(err).Msg("Invite GC failed")
		} else if removed > 0 {
			h.logger.Info().Int64("removed", removed).Msg("Expired invite tokens removed")
		}
		return
	}

	h.invites.mu.Lock()
	removed := 0
	for code, t := range h.invites.byCode {
		if t.Expired(now) {
			delete(h.invites.byCode, code)
			removed++
		}
	}
	h.invites.mu.Unlock()
	if removed > 0 {
		h.logger.Info().Int("removed", removed).Msg("Expired invite tokens removed")
	}
}

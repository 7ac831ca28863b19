package hub

import (
	"context"

	"github.com/emberchat/emberhub/internal/model"
	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/protocol"
)

// PutHint upserts a group's encrypted hint and tells the group's subscribers
// a fresh one is available.
func (h *Hub) PutHint(ctx context.Context, signingPubkey, encryptedPayload, signature string) error {
	hint := model.ServerHint{
		SigningPubkey:    signingPubkey,
		EncryptedPayload: encryptedPayload,
		Signature:        signature,
		UpdatedAt:        h.now(),
	}

	if h.sql != nil {
		if err := h.sql.UpsertHint(ctx, hint); err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return err
		}
	} else {
		h.hints.mu.Lock()
		h.hints.byKey[signingPubkey] = hint
		h.hints.mu.Unlock()
	}

	payload := protocol.Marshal(protocol.ServerHintUpdated{
		Type:          protocol.TypeServerHintUpdated,
		SigningPubkey: signingPubkey,
	})
	sendToConns(h.connsForSigningSubs(signingPubkey, ""), payload, "hint")
	return nil
}

// GetHint returns the group's hint, or nil when none is stored.
func (h *Hub) GetHint(ctx context.Context, signingPubkey string) (*model.ServerHint, error) {
	if h.sql != nil {
		hint, err := h.sql.GetHint(ctx, signingPubkey)
		if err != nil {
			monitoring.BackendErrors.WithLabelValues("sql").Inc()
			return nil, err
		}
		return hint, nil
	}

	h.hints.mu.RLock()
	defer h.hints.mu.RUnlock()
	hint, ok := h.hints.byKey[signingPubkey]
	if !ok {
		return nil, nil
	}
	out := hint
	return &out, nil
}

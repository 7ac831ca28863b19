// Package model holds the entities shared by the in-memory engine and the
// persistence adapters. All payloads and signatures are opaque strings the
// hub stores without inspecting.
package model

import "time"

// Profile is a user's gossiped profile record. Rev is client-chosen and
// monotone: announces with rev <= stored rev are dropped.
type Profile struct {
	UserID       string
	DisplayName  string
	RealName     string
	ShowRealName bool
	Rev          int64
}

// ServerHint is an encrypted group-metadata snapshot, upserted per group.
type ServerHint struct {
	SigningPubkey    string
	EncryptedPayload string
	Signature        string
	UpdatedAt        time.Time
}

// HouseEvent is one encrypted group event. Timestamp is assigned server-side
// in unix milliseconds; ordering within a group is (Timestamp, EventID).
type HouseEvent struct {
	EventID          string `json:"event_id"`
	SigningPubkey    string `json:"signing_pubkey"`
	EventType        string `json:"event_type"`
	EncryptedPayload string `json:"encrypted_payload"`
	Signature        string `json:"signature"`
	Timestamp        int64  `json:"timestamp"`
}

// InviteToken is a short opaque invite code. MaxUses of zero means unlimited;
// ExpiresAt is CreatedAt plus thirty days.
type InviteToken struct {
	Code             string    `json:"code"`
	SigningPubkey    string    `json:"signing_pubkey"`
	EncryptedPayload string    `json:"encrypted_payload"`
	Signature        string    `json:"signature"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	MaxUses          int       `json:"max_uses"`
	RemainingUses    int       `json:"remaining_uses"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *InviteToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// EventRetention is how long house events are replayable.
const EventRetention = 30 * 24 * time.Hour

// InviteLifetime is how long invite tokens stay redeemable.
const InviteLifetime = 30 * 24 * time.Hour

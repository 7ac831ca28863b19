// Package store provides the two optional persistence backends: a durable
// SQL store (PostgreSQL via pgx) and a presence KV store (Redis). Either may
// be absent; the engine then serves the same contracts from memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/emberchat/emberhub/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id        TEXT PRIMARY KEY,
	display_name   TEXT NOT NULL,
	real_name      TEXT NOT NULL DEFAULT '',
	show_real_name BOOLEAN NOT NULL DEFAULT FALSE,
	rev            BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS server_hints (
	signing_pubkey    TEXT PRIMARY KEY,
	encrypted_payload TEXT NOT NULL,
	signature         TEXT NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS invite_tokens (
	code              TEXT PRIMARY KEY,
	signing_pubkey    TEXT NOT NULL,
	encrypted_payload TEXT NOT NULL,
	signature         TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	max_uses          INTEGER NOT NULL,
	remaining_uses    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS house_events (
	event_id          TEXT PRIMARY KEY,
	signing_pubkey    TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	encrypted_payload TEXT NOT NULL,
	signature         TEXT NOT NULL,
	ts                BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS house_events_group_idx
	ON house_events (signing_pubkey, ts, event_id);
CREATE TABLE IF NOT EXISTS member_acks (
	signing_pubkey TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	last_event_id  TEXT NOT NULL,
	PRIMARY KEY (signing_pubkey, user_id)
);
`

// SQLStore is the durable backend. All writes are upserts keyed by the
// natural primary keys.
type SQLStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// ConnectSQL opens the pool and bootstraps the schema.
func ConnectSQL(ctx context.Context, url string, logger zerolog.Logger) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect sql: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping sql: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &SQLStore{
		pool:   pool,
		logger: logger.With().Str("component", "sql_store").Logger(),
	}, nil
}

// Close releases the pool.
func (s *SQLStore) Close() {
	s.pool.Close()
}

// UpsertProfile stores the profile iff the new rev is strictly greater than
// the stored one. Returns whether the row was written.
func (s *SQLStore) UpsertProfile(ctx context.Context, p model.Profile) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, display_name, real_name, show_real_name, rev)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    real_name = EXCLUDED.real_name,
		    show_real_name = EXCLUDED.show_real_name,
		    rev = EXCLUDED.rev
		WHERE profiles.rev < EXCLUDED.rev`,
		p.UserID, p.DisplayName, p.RealName, p.ShowRealName, p.Rev)
	if err != nil {
		return false, fmt.Errorf("upsert profile: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetProfiles returns the stored records for the requested users; missing
// users are simply absent from the result.
func (s *SQLStore) GetProfiles(ctx context.Context, userIDs []string) ([]model.Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, display_name, real_name, show_real_name, rev
		FROM profiles WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.RealName, &p.ShowRealName, &p.Rev); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertHint stores a server hint keyed by group.
func (s *SQLStore) UpsertHint(ctx context.Context, h model.ServerHint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_hints (signing_pubkey, encrypted_payload, signature, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signing_pubkey) DO UPDATE
		SET encrypted_payload = EXCLUDED.encrypted_payload,
		    signature = EXCLUDED.signature,
		    updated_at = EXCLUDED.updated_at`,
		h.SigningPubkey, h.EncryptedPayload, h.Signature, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert hint: %w", err)
	}
	return nil
}

// GetHint returns the hint for the group, or (nil, nil) when absent.
func (s *SQLStore) GetHint(ctx context.Context, signingPubkey string) (*model.ServerHint, error) {
	var h model.ServerHint
	err := s.pool.QueryRow(ctx, `
		SELECT signing_pubkey, encrypted_payload, signature, updated_at
		FROM server_hints WHERE signing_pubkey = $1`, signingPubkey).
		Scan(&h.SigningPubkey, &h.EncryptedPayload, &h.Signature, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hint: %w", err)
	}
	return &h, nil
}

// PutInvite upserts a token by code.
func (s *SQLStore) PutInvite(ctx context.Context, t model.InviteToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO invite_tokens
			(code, signing_pubkey, encrypted_payload, signature, created_at, expires_at, max_uses, remaining_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE
		SET signing_pubkey = EXCLUDED.signing_pubkey,
		    encrypted_payload = EXCLUDED.encrypted_payload,
		    signature = EXCLUDED.signature,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at,
		    max_uses = EXCLUDED.max_uses,
		    remaining_uses = EXCLUDED.remaining_uses`,
		t.Code, t.SigningPubkey, t.EncryptedPayload, t.Signature,
		t.CreatedAt, t.ExpiresAt, t.MaxUses, t.RemainingUses)
	if err != nil {
		return fmt.Errorf("put invite: %w", err)
	}
	return nil
}

// GetInvite returns the token if present and not expired, else (nil, nil).
func (s *SQLStore) GetInvite(ctx context.Context, code string, now time.Time) (*model.InviteToken, error) {
	var t model.InviteToken
	err := s.pool.QueryRow(ctx, `
		SELECT code, signing_pubkey, encrypted_payload, signature, created_at, expires_at, max_uses, remaining_uses
		FROM invite_tokens WHERE code = $1 AND expires_at > $2`, code, now).
		Scan(&t.Code, &t.SigningPubkey, &t.EncryptedPayload, &t.Signature,
			&t.CreatedAt, &t.ExpiresAt, &t.MaxUses, &t.RemainingUses)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	return &t, nil
}

// RedeemInvite performs the atomic decrement-or-unlimited redemption in a
// single conditional UPDATE. Returns (nil, nil) when the code is unknown,
// expired or exhausted.
func (s *SQLStore) RedeemInvite(ctx context.Context, code string, now time.Time) (*model.InviteToken, error) {
	var t model.InviteToken
	err := s.pool.QueryRow(ctx, `
		UPDATE invite_tokens
		SET remaining_uses = CASE WHEN max_uses = 0 THEN remaining_uses ELSE remaining_uses - 1 END
		WHERE code = $1
		  AND expires_at > $2
		  AND (max_uses = 0 OR remaining_uses > 0)
		RETURNING code, signing_pubkey, encrypted_payload, signature, created_at, expires_at, max_uses, remaining_uses`,
		code, now).
		Scan(&t.Code, &t.SigningPubkey, &t.EncryptedPayload, &t.Signature,
			&t.CreatedAt, &t.ExpiresAt, &t.MaxUses, &t.RemainingUses)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redeem invite: %w", err)
	}
	return &t, nil
}

// RevokeInvite deletes the token. Returns whether a row was removed.
func (s *SQLStore) RevokeInvite(ctx context.Context, code string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM invite_tokens WHERE code = $1`, code)
	if err != nil {
		return false, fmt.Errorf("revoke invite: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GCInvites removes expired tokens.
func (s *SQLStore) GCInvites(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM invite_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("gc invites: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertEvent appends a house event; duplicates on event_id are first-wins.
// On a duplicate the stored original is returned, not the rejected insert.
func (s *SQLStore) InsertEvent(ctx context.Context, e model.HouseEvent) (model.HouseEvent, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO house_events (event_id, signing_pubkey, event_type, encrypted_payload, signature, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.SigningPubkey, e.EventType, e.EncryptedPayload, e.Signature, e.Timestamp)
	if err != nil {
		return model.HouseEvent{}, fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return e, nil
	}
	var stored model.HouseEvent
	err = s.pool.QueryRow(ctx, `
		SELECT event_id, signing_pubkey, event_type, encrypted_payload, signature, ts
		FROM house_events WHERE event_id = $1`, e.EventID).
		Scan(&stored.EventID, &stored.SigningPubkey, &stored.EventType,
			&stored.EncryptedPayload, &stored.Signature, &stored.Timestamp)
	if err != nil {
		return model.HouseEvent{}, fmt.Errorf("read stored event: %w", err)
	}
	return stored, nil
}

// GetEvents replays events for a group in (ts, event_id) order. With a since
// cursor it returns only events strictly after that tuple; an unknown cursor
// yields an empty slice.
func (s *SQLStore) GetEvents(ctx context.Context, signingPubkey, since string) ([]model.HouseEvent, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT event_id, signing_pubkey, event_type, encrypted_payload, signature, ts
			FROM house_events WHERE signing_pubkey = $1
			ORDER BY ts, event_id`, signingPubkey)
	} else {
		var sinceTS int64
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT ts FROM house_events WHERE event_id = $1 AND signing_pubkey = $2`,
			since, signingPubkey).Scan(&sinceTS)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return []model.HouseEvent{}, nil
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("lookup cursor: %w", lookupErr)
		}
		rows, err = s.pool.Query(ctx, `
			SELECT event_id, signing_pubkey, event_type, encrypted_payload, signature, ts
			FROM house_events
			WHERE signing_pubkey = $1 AND (ts, event_id) > ($2, $3)
			ORDER BY ts, event_id`, signingPubkey, sinceTS, since)
	}
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	out := []model.HouseEvent{}
	for rows.Next() {
		var e model.HouseEvent
		if err := rows.Scan(&e.EventID, &e.SigningPubkey, &e.EventType, &e.EncryptedPayload, &e.Signature, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertAck stores the soft per-user replay bookmark.
func (s *SQLStore) UpsertAck(ctx context.Context, signingPubkey, userID, lastEventID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO member_acks (signing_pubkey, user_id, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (signing_pubkey, user_id) DO UPDATE
		SET last_event_id = EXCLUDED.last_event_id`,
		signingPubkey, userID, lastEventID)
	if err != nil {
		return fmt.Errorf("upsert ack: %w", err)
	}
	return nil
}

// GCEvents deletes events older than the retention cutoff (unix ms).
func (s *SQLStore) GCEvents(ctx context.Context, cutoff int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM house_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc events: %w", err)
	}
	return tag.RowsAffected(), nil
}

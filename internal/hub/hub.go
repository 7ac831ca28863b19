// Package hub is the in-memory coordination engine: the peer registry,
// presence fan-out, voice-room scheduler, friend subsystem, profile cache,
// event queue and invite vault, plus the single teardown path that unwinds a
// connection from all of them.
//
// Locking discipline: each subsystem has its own reader-preferring lock.
// Handlers acquire, mutate, compute the outbound data, release, and only then
// perform I/O. When a handler touches several subsystems it takes their locks
// strictly one at a time, in the order signaling, voice, presence, friends,
// profiles, events, invites, backends.
package hub

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/emberchat/emberhub/internal/model"
	"github.com/emberchat/emberhub/internal/store"
)

// Options wires the hub's collaborators. SQL and KV are optional; a nil
// backend switches the corresponding subsystem to its in-memory fallback.
type Options struct {
	Logger zerolog.Logger
	SQL    *store.SQLStore
	KV     *store.KVStore

	// Now is stubbed by tests; defaults to time.Now.
	Now func() time.Time
}

// Hub is the single process-wide instance of every subsystem. Construct one
// in main and pass it explicitly; tests build a fresh hub per case.
type Hub struct {
	logger zerolog.Logger
	sql    *store.SQLStore
	kv     *store.KVStore
	now    func() time.Time

	signaling signalingState
	voice     voiceState
	presence  presenceState
	friends   friendState
	profiles  profileState
	events    eventState
	invites   inviteState
	hints     hintState
}

type signalingState struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	peers map[string]*peerEntry
	// connID -> peer identifiers registered on it
	connPeers map[string]mapset.Set[string]
	// groupID -> peer identifiers (signaling rooms)
	groupPeers map[string]mapset.Set[string]
	// signingPubkey -> peer identifiers subscribed to group fan-out
	signingSubs map[string]mapset.Set[string]
}

type peerEntry struct {
	peerID        string
	groupID       string
	signingPubkey string
	connID        string
}

type voiceState struct {
	mu    sync.RWMutex
	rooms map[roomKey][]*voicePeer
}

type roomKey struct {
	groupID string
	chatID  string
}

type voicePeer struct {
	peerID        string
	userID        string
	connID        string
	signingPubkey string
}

type presenceState struct {
	mu      sync.RWMutex
	byConn  map[string]*presenceConn
	byUser  map[string]*presenceUser
	byKey   map[string]mapset.Set[string] // signingPubkey -> online user ids
	// friend-scoped presence channel: target user -> subscribed conn ids
	friendSubs map[string]mapset.Set[string]
	// reverse index for teardown: connID -> friend user ids it subscribed to
	connFriendSubs map[string]mapset.Set[string]
}

type presenceConn struct {
	userID         string
	signingPubkeys mapset.Set[string]
}

type presenceUser struct {
	conns               mapset.Set[string]
	signingPubkeys      mapset.Set[string]
	activeSigningPubkey string
}

type friendState struct {
	mu sync.RWMutex
	// ordered pair "from|to" -> pending request
	requests map[string]*friendRequest
	// every code ever issued, so revoked redeems answer 410 not 404
	codes map[string]*friendCode
	// ownerUserID -> currently active (non-revoked) code value
	activeCode map[string]string
	// ownerUserID -> pending redemptions
	redemptions map[string][]*codeRedemption
}

type friendRequest struct {
	fromUserID  string
	toUserID    string
	displayName string
	createdAt   time.Time
}

type friendCode struct {
	ownerUserID string
	code        string
	createdAt   time.Time
	revoked     bool
	revokedAt   time.Time
}

type codeRedemption struct {
	ownerUserID    string
	redeemerUserID string
	displayName    string
	code           string
	createdAt      time.Time
}

type profileState struct {
	mu     sync.RWMutex
	byUser map[string]model.Profile
}

type eventState struct {
	mu      sync.RWMutex
	byGroup map[string][]model.HouseEvent
	byID    map[string]model.HouseEvent
	acks    map[string]map[string]string // signingPubkey -> userID -> eventID
}

type inviteState struct {
	mu     sync.Mutex
	byCode map[string]*model.InviteToken
}

type hintState struct {
	mu    sync.RWMutex
	byKey map[string]model.ServerHint
}

// New builds an empty hub.
func New(opts Options) *Hub {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		logger: opts.Logger.With().Str("component", "hub").Logger(),
		sql:    opts.SQL,
		kv:     opts.KV,
		now:    now,
		signaling: signalingState{
			conns:       make(map[string]*Conn),
			peers:       make(map[string]*peerEntry),
			connPeers:   make(map[string]mapset.Set[string]),
			groupPeers:  make(map[string]mapset.Set[string]),
			signingSubs: make(map[string]mapset.Set[string]),
		},
		voice: voiceState{
			rooms: make(map[roomKey][]*voicePeer),
		},
		presence: presenceState{
			byConn:         make(map[string]*presenceConn),
			byUser:         make(map[string]*presenceUser),
			byKey:          make(map[string]mapset.Set[string]),
			friendSubs:     make(map[string]mapset.Set[string]),
			connFriendSubs: make(map[string]mapset.Set[string]),
		},
		friends: friendState{
			requests:    make(map[string]*friendRequest),
			codes:       make(map[string]*friendCode),
			activeCode:  make(map[string]string),
			redemptions: make(map[string][]*codeRedemption),
		},
		profiles: profileState{
			byUser: make(map[string]model.Profile),
		},
		events: eventState{
			byGroup: make(map[string][]model.HouseEvent),
			byID:    make(map[string]model.HouseEvent),
			acks:    make(map[string]map[string]string),
		},
		invites: inviteState{
			byCode: make(map[string]*model.InviteToken),
		},
		hints: hintState{
			byKey: make(map[string]model.ServerHint),
		},
	}
}

// AddConn registers a freshly upgraded connection with the signaling
// registry so broadcasts can reach it.
func (h *Hub) AddConn(c *Conn) {
	h.signaling.mu.Lock()
	h.signaling.conns[c.ID] = c
	h.signaling.mu.Unlock()
}

// RunGC periodically expires house events and invite tokens. It re-runs on
// its own schedule regardless of previous outcome.
func (h *Hub) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.gcEvents(ctx)
			h.gcInvites(ctx)
			h.gcFriendCodes()
		case <-ctx.Done():
			return
		}
	}
}

// Package protocol defines the JSON message envelope spoken over the
// WebSocket. Every frame is an object with a "type" discriminator; the hub
// never inspects the encrypted payloads it relays.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a frame whose type discriminator is not recognized.
var ErrUnknownType = errors.New("invalid message type")

// FriendPeerPrefix is reserved for the hub's synthetic friend peers.
// Clients must never register a peer identifier with this prefix.
const FriendPeerPrefix = "friends:"

// FriendsGroupKey is the pseudo-group key used for friend-scoped presence
// snapshots and updates.
const FriendsGroupKey = "_friends"

// Inbound message types.
const (
	TypeRegister          = "register"
	TypePresenceHello     = "presence_hello"
	TypePresenceActive    = "presence_active"
	TypeProfileAnnounce   = "profile_announce"
	TypeProfileHello      = "profile_hello"
	TypeProfilePush       = "profile_push"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeIceCandidate      = "ice_candidate"
	TypeVoiceRegister     = "voice_register"
	TypeVoiceUnregister   = "voice_unregister"
	TypeVoiceOffer        = "voice_offer"
	TypeVoiceAnswer       = "voice_answer"
	TypeVoiceIceCandidate = "voice_ice_candidate"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Outbound message types.
const (
	TypeRegistered            = "registered"
	TypePresenceSnapshot      = "presence_snapshot"
	TypePresenceUpdate        = "presence_update"
	TypeFriendPendingSnapshot = "friend_pending_snapshot"
	TypeProfileSnapshot       = "profile_snapshot"
	TypeProfileUpdate         = "profile_update"
	TypeProfilePushIncoming   = "profile_push_incoming"
	TypeVoiceRegistered       = "voice_registered"
	TypeVoicePeerJoined       = "voice_peer_joined"
	TypeVoicePeerLeft         = "voice_peer_left"
	TypeVoicePresenceUpdate   = "voice_presence_update"
	TypeServerHintUpdated     = "server_hint_updated"

	TypeFriendRequestIncoming        = "friend_request_incoming"
	TypeFriendRequestAccepted        = "friend_request_accepted"
	TypeFriendRequestDeclined        = "friend_request_declined"
	TypeFriendCodeRedemptionIncoming = "friend_code_redemption_incoming"
	TypeFriendCodeRedemptionAccepted = "friend_code_redemption_accepted"
	TypeFriendCodeRedemptionDeclined = "friend_code_redemption_declined"

	TypeError = "error"
)

// Register claims a peer identifier within a group.
type Register struct {
	GroupID       string `json:"group_id"`
	PeerID        string `json:"peer_id"`
	SigningPubkey string `json:"signing_pubkey,omitempty"`
}

// PresenceHello announces a user on this connection, asserts its groups, and
// subscribes it to friend-scoped presence.
type PresenceHello struct {
	UserID              string   `json:"user_id"`
	SigningPubkeys      []string `json:"signing_pubkeys"`
	ActiveSigningPubkey string   `json:"active_signing_pubkey,omitempty"`
	FriendUserIDs       []string `json:"friend_user_ids,omitempty"`
}

// PresenceActive changes the group the user is focused on.
type PresenceActive struct {
	UserID              string `json:"user_id"`
	ActiveSigningPubkey string `json:"active_signing_pubkey,omitempty"`
}

// ProfileAnnounce gossips the user's profile record.
type ProfileAnnounce struct {
	UserID         string   `json:"user_id"`
	DisplayName    string   `json:"display_name"`
	RealName       string   `json:"real_name,omitempty"`
	ShowRealName   bool     `json:"show_real_name"`
	Rev            int64    `json:"rev"`
	SigningPubkeys []string `json:"signing_pubkeys,omitempty"`
}

// ProfileHello requests current profile records.
type ProfileHello struct {
	SigningPubkey string   `json:"signing_pubkey"`
	UserIDs       []string `json:"user_ids"`
}

// ProfilePush delivers the sender's profile directly to named users.
type ProfilePush struct {
	ToUserIDs        []string `json:"to_user_ids"`
	DisplayName      string   `json:"display_name"`
	RealName         string   `json:"real_name,omitempty"`
	ShowRealName     bool     `json:"show_real_name"`
	Rev              int64    `json:"rev"`
	AvatarDataURL    string   `json:"avatar_data_url,omitempty"`
	AvatarRev        int64    `json:"avatar_rev,omitempty"`
	AccountCreatedAt int64    `json:"account_created_at,omitempty"`
}

// Signal is the shared shape of offer, answer and ice_candidate frames.
// The frame is forwarded verbatim, so only the routing fields are decoded.
type Signal struct {
	Type     string `json:"type"`
	FromPeer string `json:"from_peer"`
	ToPeer   string `json:"to_peer"`
}

// VoiceRegister joins a voice room.
type VoiceRegister struct {
	GroupID       string `json:"group_id"`
	ChatID        string `json:"chat_id"`
	PeerID        string `json:"peer_id"`
	UserID        string `json:"user_id"`
	SigningPubkey string `json:"signing_pubkey"`
}

// VoiceUnregister leaves a voice room.
type VoiceUnregister struct {
	PeerID string `json:"peer_id"`
	ChatID string `json:"chat_id"`
}

// VoiceSignal is the shared shape of voice_offer, voice_answer and
// voice_ice_candidate frames; routing happens by chat and target peer.
type VoiceSignal struct {
	Type     string `json:"type"`
	FromPeer string `json:"from_peer"`
	FromUser string `json:"from_user,omitempty"`
	ToPeer   string `json:"to_peer"`
	ChatID   string `json:"chat_id"`
}

// Ping is answered with a Pong; inbound pongs are ignored.
type Ping struct{}

// --- Outbound payloads ---

// Registered acknowledges a Register with the other peers in the group.
type Registered struct {
	Type   string   `json:"type"`
	PeerID string   `json:"peer_id"`
	Peers  []string `json:"peers"`
}

// PresenceEntry is one user within a presence snapshot.
type PresenceEntry struct {
	UserID              string `json:"user_id"`
	ActiveSigningPubkey string `json:"active_signing_pubkey,omitempty"`
}

// PresenceSnapshot is the per-group reply burst after a hello.
type PresenceSnapshot struct {
	Type          string          `json:"type"`
	SigningPubkey string          `json:"signing_pubkey"`
	Users         []PresenceEntry `json:"users"`
}

// PresenceUpdate is the per-event presence delta.
type PresenceUpdate struct {
	Type                string `json:"type"`
	SigningPubkey       string `json:"signing_pubkey"`
	UserID              string `json:"user_id"`
	Online              bool   `json:"online"`
	ActiveSigningPubkey string `json:"active_signing_pubkey,omitempty"`
}

// PendingFriendRequest is one entry of the mailbox snapshot.
type PendingFriendRequest struct {
	FromUserID  string `json:"from_user_id"`
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// PendingCodeRedemption is one pending redemption addressed to the owner.
type PendingCodeRedemption struct {
	RedeemerUserID string `json:"redeemer_user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Code           string `json:"code"`
	CreatedAt      int64  `json:"created_at"`
}

// FriendPendingSnapshot is the mailbox delivered on presence hello.
type FriendPendingSnapshot struct {
	Type                   string                  `json:"type"`
	PendingIncoming        []PendingFriendRequest  `json:"pending_incoming"`
	PendingOutgoing        []string                `json:"pending_outgoing"`
	PendingCodeRedemptions []PendingCodeRedemption `json:"pending_code_redemptions"`
}

// ProfileRecord is the stored profile shape returned in snapshots.
type ProfileRecord struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	RealName     string `json:"real_name,omitempty"`
	ShowRealName bool   `json:"show_real_name"`
	Rev          int64  `json:"rev"`
}

// ProfileSnapshot answers a ProfileHello.
type ProfileSnapshot struct {
	Type          string          `json:"type"`
	SigningPubkey string          `json:"signing_pubkey"`
	Profiles      []ProfileRecord `json:"profiles"`
}

// ProfileUpdate fans an accepted announce out to subscribers.
type ProfileUpdate struct {
	Type          string `json:"type"`
	SigningPubkey string `json:"signing_pubkey"`
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	RealName      string `json:"real_name,omitempty"`
	ShowRealName  bool   `json:"show_real_name"`
	Rev           int64  `json:"rev"`
}

// ProfilePushIncoming is a ProfilePush as seen by a target user.
type ProfilePushIncoming struct {
	Type             string `json:"type"`
	FromUserID       string `json:"from_user_id"`
	DisplayName      string `json:"display_name"`
	RealName         string `json:"real_name,omitempty"`
	ShowRealName     bool   `json:"show_real_name"`
	Rev              int64  `json:"rev"`
	AvatarDataURL    string `json:"avatar_data_url,omitempty"`
	AvatarRev        int64  `json:"avatar_rev,omitempty"`
	AccountCreatedAt int64  `json:"account_created_at,omitempty"`
}

// VoiceRegistered acknowledges a VoiceRegister.
type VoiceRegistered struct {
	Type   string   `json:"type"`
	PeerID string   `json:"peer_id"`
	ChatID string   `json:"chat_id"`
	Peers  []string `json:"peers"`
}

// VoicePeerEvent is the shared shape of voice_peer_joined and voice_peer_left.
type VoicePeerEvent struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// VoicePresenceUpdate tells group subscribers who is in voice.
type VoicePresenceUpdate struct {
	Type          string `json:"type"`
	SigningPubkey string `json:"signing_pubkey"`
	UserID        string `json:"user_id"`
	ChatID        string `json:"chat_id,omitempty"`
	InVoice       bool   `json:"in_voice"`
}

// ServerHintUpdated tells group subscribers a fresh hint is available.
type ServerHintUpdated struct {
	Type          string `json:"type"`
	SigningPubkey string `json:"signing_pubkey"`
}

// FriendEvent covers the friend-request and code-redemption notifications.
type FriendEvent struct {
	Type        string `json:"type"`
	FromUserID  string `json:"from_user_id,omitempty"`
	ToUserID    string `json:"to_user_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Code        string `json:"code,omitempty"`
	Mutual      bool   `json:"mutual,omitempty"`
}

// ErrorMessage reports an in-band failure; the connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// Decode parses a raw frame into its concrete inbound type. Unknown tags
// yield an error so the dispatcher can reply with Error{"Invalid message type"}.
func Decode(raw []byte) (string, any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", nil, fmt.Errorf("malformed frame: %w", err)
	}

	var (
		msg any
		err error
	)
	switch head.Type {
	case TypeRegister:
		msg, err = decodeAs[Register](raw)
	case TypePresenceHello:
		msg, err = decodeAs[PresenceHello](raw)
	case TypePresenceActive:
		msg, err = decodeAs[PresenceActive](raw)
	case TypeProfileAnnounce:
		msg, err = decodeAs[ProfileAnnounce](raw)
	case TypeProfileHello:
		msg, err = decodeAs[ProfileHello](raw)
	case TypeProfilePush:
		msg, err = decodeAs[ProfilePush](raw)
	case TypeOffer, TypeAnswer, TypeIceCandidate:
		msg, err = decodeAs[Signal](raw)
	case TypeVoiceRegister:
		msg, err = decodeAs[VoiceRegister](raw)
	case TypeVoiceUnregister:
		msg, err = decodeAs[VoiceUnregister](raw)
	case TypeVoiceOffer, TypeVoiceAnswer, TypeVoiceIceCandidate:
		msg, err = decodeAs[VoiceSignal](raw)
	case TypePing:
		msg = Ping{}
	case TypePong:
		msg = nil // ignored
	default:
		return head.Type, nil, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return head.Type, nil, err
	}
	return head.Type, msg, nil
}

func decodeAs[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("malformed %T frame: %w", v, err)
	}
	return v, nil
}

// Marshal serializes an outbound payload, panicking only on programmer error
// (all outbound types are plain structs that cannot fail to encode).
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}

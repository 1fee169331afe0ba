// Package signaling connects peers through a blind WebSocket relay. The relay
// sees room membership and opaque signal payloads, never message plaintext.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"peerlink/models"
)

// Relay frame types.
const (
	TypeRegister   = "register"
	TypeJoinRoom   = "join-room"
	TypeLeaveRoom  = "leave-room"
	TypeSignal     = "signal"
	TypePresence   = "presence"
	TypeAck        = "ack"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
)

// Signal data kinds. The relay forwards them without looking inside.
const (
	KindOffer      = "offer"
	KindAnswer     = "answer"
	KindCandidate  = "candidate"
	KindRelayOpen  = "relay-open"
	KindRelayFrame = "relay-frame"
	KindDirectOpen = "direct-open"
	KindClose      = "close"
)

var (
	// ErrTimeout is returned when the relay does not answer in time.
	ErrTimeout = errors.New("signaling: timeout")
	// ErrNotConnected is returned when no relay link is up.
	ErrNotConnected = errors.New("signaling: not connected")
	// ErrRejected wraps an ack with ok=false.
	ErrRejected = errors.New("signaling: request rejected")
	// ErrPeerOffline is returned when the relay has no link to the target.
	ErrPeerOffline = errors.New("signaling: peer offline")
	// ErrNoRelayLink is returned by SendViaRelay when the peer has no relay session.
	ErrNoRelayLink = errors.New("signaling: no relay link to peer")
)

// PeerInfo describes a registered peer.
type PeerInfo = models.Peer

// Frame is one JSON message on the relay link. Only the fields relevant to
// Type are set.
type Frame struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId,omitempty"`

	// register
	ID          string `json:"id,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	From     string          `json:"from,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// ack
	OK     bool       `json:"ok,omitempty"`
	Error  string     `json:"error,omitempty"`
	Peers  []PeerInfo `json:"peers,omitempty"`
	Online bool       `json:"online,omitempty"`
}

// SignalData is the payload of a signal frame between two clients.
type SignalData struct {
	Kind      string                   `json:"kind"`
	ConnID    string                   `json:"connId,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Payload   []byte                   `json:"payload,omitempty"`
	// Addr is the TCP address a direct-open asks the peer to dial.
	Addr string `json:"addr,omitempty"`
}

func encodeSignal(data SignalData) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal signal data: %w", err)
	}
	return raw, nil
}

func decodeSignal(raw json.RawMessage) (SignalData, error) {
	var data SignalData
	if err := json.Unmarshal(raw, &data); err != nil {
		return SignalData{}, fmt.Errorf("decode signal data: %w", err)
	}
	if data.Kind == "" {
		return SignalData{}, errors.New("signal data without kind")
	}
	return data, nil
}

// Package proto holds the wire-level constants and payload shapes shared by
// the signaling bus, the call coordinator and the presence mesh. It is the
// single source of truth for topic names and signal payload layouts.
package proto

import "time"

const (
	// PresenceTopic is the gossipsub topic carrying presence heartbeats.
	PresenceTopic = "bouwdeck.presence.v1"

	// SignalTopicPrefix + userID is the gossipsub inbox topic on which a user
	// receives call signaling addressed to them.
	SignalTopicPrefix = "bouwdeck.call."

	MdnsTag = "bouwdeck-mdns"
)

// SignalTopic returns the inbox topic for a user id.
func SignalTopic(userID string) string { return SignalTopicPrefix + userID }

// Presence message types.
const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is one presence heartbeat on PresenceTopic.
type PresenceMsg struct {
	Type   string   `json:"type"` // online|update|offline
	PeerID string   `json:"peerId"`
	Label  string   `json:"label,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

// ── Call signal payloads ─────────────────────────────────────────────────────
//
// Every signaling message carries a kind plus a kind-specific payload. The
// SDP and ICE payloads are the standard negotiation objects and are passed
// through opaquely; the coordinator never inspects the SDP text.
//
//   caller                          callee
//   ──────────────────────────────────────────────────────────
//   Offer  ────────────────────────►  (ringing)
//          ◄────────────────────────  Answer   (on accept)
//   IceCandidate ◄────────────────►  IceCandidate  (trickle, both ways)
//   Hangup ────────────────────────►  (or either side, any time)

// SDPPayload carries an SDP offer or answer.
type SDPPayload struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// Hangup reasons carried in HangupPayload. The receiving side uses these to
// distinguish an ordinary hangup from busy rejection and ring timeout.
const (
	HangupReasonHangup  = "hangup"
	HangupReasonBusy    = "busy"
	HangupReasonTimeout = "timeout"
)

// HangupPayload ends a call from either side.
type HangupPayload struct {
	Reason string `json:"reason,omitempty"` // "", "hangup", "busy", "timeout"
}

func NowMillis() int64 { return time.Now().UnixMilli() }

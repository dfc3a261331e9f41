// Package call implements the peer-to-peer call session coordinator: the
// call lifecycle state machine, the offer/answer/ICE signaling engine, the
// connection supervisor and local media handling. It is designed to be
// maximally standalone — coupling to the transport is via the Signaler
// interface only, and the pion types never leak past this package.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

// Kind is the media profile of a call.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// State is the lifecycle state of a call session. A session is created
// directly in Calling (caller) or Ringing (receiver); Idle is simply the
// absence of a session. Terminal states are absorbing.
type State string

const (
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateMissed     State = "missed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether st is an absorbing end state.
func (st State) Terminal() bool {
	switch st {
	case StateCompleted, StateRejected, StateMissed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// EndReason mirrors the terminal state a session ended in.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonRejected  EndReason = "rejected"
	ReasonMissed    EndReason = "missed"
	ReasonFailed    EndReason = "failed"
	ReasonCancelled EndReason = "cancelled"
)

// SignalKind discriminates signaling messages.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
	SignalHangup    SignalKind = "hangup"
)

// SignalMessage is one unit of the signaling handshake. Created by the
// sender, published once, never mutated. Sequence is assigned by the bus
// and is diagnostic only — ordering is a transport property.
type SignalMessage struct {
	CallID   string          `json:"call_id"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Kind     SignalKind      `json:"kind"`
	CallKind Kind            `json:"call_kind,omitempty"` // set on Offer only
	Payload  json.RawMessage `json:"payload,omitempty"`
	Sequence int64           `json:"seq"`
}

// Signaler is the only surface the call package needs from the signaling
// transport. Publish failures must be surfaced, never swallowed — the
// coordinator treats them as negotiation failures.
type Signaler interface {
	Publish(ctx context.Context, msg *SignalMessage) error
	Subscribe() (ch <-chan *SignalMessage, cancel func())
}

// TrackSet is the local media acquired for one session. Close releases the
// capture devices and is idempotent.
type TrackSet interface {
	Tracks() []webrtc.TrackLocal
	// ConfigureEngine registers the codecs the captured tracks are encoded
	// with. Implementations without local tracks register the defaults.
	ConfigureEngine(*webrtc.MediaEngine) error
	SetEnabled(audio, video bool)
	Close()
}

// MediaSource acquires local capture devices for a call kind. Acquisition
// may block on hardware or a permission prompt; it is always invoked off the
// session owner goroutine.
type MediaSource interface {
	Acquire(kind Kind) (TrackSet, error)
}

// Device errors surfaced by MediaSource implementations.
var (
	ErrPermissionDenied  = errors.New("media capture permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// ErrBusy is returned by StartCall while another session is active.
var ErrBusy = errors.New("another call is already active")

// ConnState is the supervisor's condensed view of connection health.
type ConnState string

const (
	ConnConnected ConnState = "connected"
	ConnFailed    ConnState = "failed"
)

// RemoteTrack describes a media track received from the remote peer.
type RemoteTrack struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "audio" | "video"
}

// SupervisorEvent is one event on a Supervisor's outbound channel. Exactly
// one of the value fields is meaningful, selected by Kind.
type SupervisorEvent struct {
	Kind      SupervisorEventKind
	Candidate proto.ICECandidateInit
	Track     RemoteTrack
	ConnState ConnState
}

type SupervisorEventKind int

const (
	SupLocalCandidate SupervisorEventKind = iota
	SupRemoteTrack
	SupConnState
)

// Supervisor wraps exactly one underlying peer connection for a session's
// lifetime. Close is idempotent, safe mid-negotiation, and stops the event
// channel from producing further events.
type Supervisor interface {
	CreateOffer() (proto.SDPPayload, error)
	CreateAnswer() (proto.SDPPayload, error)
	SetRemoteDescription(sdp proto.SDPPayload) error
	AddRemoteCandidate(c proto.ICECandidateInit) error
	Events() <-chan SupervisorEvent
	Close()
}

// SupervisorFactory builds the Supervisor for one session once local media
// is known. set is never nil; a receive-only set has no tracks.
type SupervisorFactory func(callID string, set TrackSet) (Supervisor, error)

// Info is an immutable snapshot of a call session.
type Info struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	Kind       Kind       `json:"kind"`
	State      State      `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"` // set on entering Active
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  EndReason  `json:"end_reason,omitempty"`
	Detail     string     `json:"detail,omitempty"` // e.g. "busy", "ring timeout"
}

// Duration is the active talk time, zero if the call never connected.
func (i Info) Duration() time.Duration {
	if i.StartedAt == nil || i.EndedAt == nil {
		return 0
	}
	return i.EndedAt.Sub(*i.StartedAt)
}

// EventType discriminates lifecycle events emitted to external collaborators.
type EventType string

const (
	EventIncomingCall EventType = "incoming-call"
	EventStateChanged EventType = "state-changed"
	EventRemoteTrack  EventType = "remote-track"
	EventCallEnded    EventType = "call-ended"
)

// Event is one lifecycle milestone. CallEnded is the sole input the
// out-of-scope call-log and notification collaborators need.
type Event struct {
	Type     EventType     `json:"type"`
	Session  Info          `json:"session"`
	OldState State         `json:"old_state,omitempty"`
	NewState State         `json:"new_state,omitempty"`
	Track    RemoteTrack   `json:"track,omitempty"`
	Reason   EndReason     `json:"reason,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

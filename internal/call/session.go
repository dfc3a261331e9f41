package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

type role int

const (
	roleCaller role = iota
	roleReceiver
)

type sessionEventKind int

const (
	evSignal sessionEventKind = iota
	evSupervisor
	evMediaReady
	evAccept
	evReject
	evHangup
	evRingTimeout
	evGlareLoss
	evShutdown
)

// sessionEvent is one unit of work for the session owner loop. Exactly one
// payload field is meaningful, selected by kind.
type sessionEvent struct {
	kind sessionEventKind
	msg  *SignalMessage
	sup  SupervisorEvent
	err  error
}

// Session is one call attempt/conversation between the local user and one
// remote peer. All state mutation happens on the single owner goroutine
// (run); local actions and inbound signaling are posted onto its event
// queue. The mutex guards only the Info snapshot and the toggle flags.
type Session struct {
	mgr      *Manager
	role     role
	remoteID string

	// Receiver side: the inbound offer recorded at Ringing, applied on
	// accept. autoAccept marks a glare-resolved session (no IncomingCall).
	offer      proto.SDPPayload
	autoAccept bool

	mu      sync.Mutex
	info    Info
	audioOn bool
	videoOn bool
	set     TrackSet

	sup Supervisor
	neg *negotiator

	events      chan sessionEvent
	done        chan struct{}
	ringTimeout time.Duration
	ringTimer   *time.Timer

	// Owner-goroutine only.
	finished bool
}

func newSession(mgr *Manager, r role, id, remoteID string, kind Kind) *Session {
	s := &Session{
		mgr:         mgr,
		role:        r,
		remoteID:    remoteID,
		neg:         newNegotiator(id),
		events:      make(chan sessionEvent, 32),
		done:        make(chan struct{}),
		ringTimeout: mgr.ringTimeout,
		audioOn:     true,
		videoOn:     kind != KindAudio,
	}
	s.info = Info{ID: id, Kind: kind}
	if r == roleCaller {
		s.info.CallerID = mgr.selfID
		s.info.ReceiverID = remoteID
		s.info.State = StateCalling
	} else {
		s.info.CallerID = remoteID
		s.info.ReceiverID = mgr.selfID
		s.info.State = StateRinging
	}
	return s
}

// start launches the owner loop and the initial work for the session's role.
func (s *Session) start() {
	go s.run()

	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		s.post(sessionEvent{kind: evRingTimeout})
	})

	s.emitState("", s.State())

	switch s.role {
	case roleCaller:
		go s.acquireMedia()
	case roleReceiver:
		if s.autoAccept {
			s.post(sessionEvent{kind: evAccept})
		}
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.Info().State }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Accept answers an incoming call. No-op unless the session is Ringing.
func (s *Session) Accept() { s.post(sessionEvent{kind: evAccept}) }

// Reject declines an incoming call. No-op unless the session is Ringing.
func (s *Session) Reject() { s.post(sessionEvent{kind: evReject}) }

// Hangup ends the call from the local side. Idempotent — safe to call
// multiple times and against an already-terminal session.
func (s *Session) Hangup() { s.post(sessionEvent{kind: evHangup}) }

// ToggleAudio flips local audio on/off without re-acquiring the device.
// Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioOn = !s.audioOn
	if s.set != nil {
		s.set.SetEnabled(s.audioOn, s.videoOn)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.info.ID, !s.audioOn)
	return !s.audioOn
}

// ToggleVideo flips local video on/off. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOn = !s.videoOn
	if s.set != nil {
		s.set.SetEnabled(s.audioOn, s.videoOn)
	}
	log.Printf("CALL [%s]: video disabled=%v", s.info.ID, !s.videoOn)
	return !s.videoOn
}

// post delivers an event to the owner loop. Returns false when the session
// is already terminal and the event was dropped.
func (s *Session) post(ev sessionEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev sessionEvent) {
	if s.finished {
		return
	}
	switch ev.kind {
	case evMediaReady:
		s.onMediaReady(ev.err)
	case evSignal:
		s.onSignal(ev.msg)
	case evSupervisor:
		s.onSupervisorEvent(ev.sup)
	case evAccept:
		s.onAccept()
	case evReject:
		s.onReject()
	case evHangup:
		s.onLocalHangup()
	case evRingTimeout:
		s.onRingTimeout()
	case evGlareLoss:
		// Our outbound attempt lost the glare tie-break; the inbound offer
		// from the same peer supersedes it.
		s.publishHangup(proto.HangupReasonBusy)
		s.finish(StateRejected, ReasonRejected, "busy")
	case evShutdown:
		s.publishHangup(proto.HangupReasonHangup)
		s.finish(StateCancelled, ReasonCancelled, "shutting down")
	}
}

// acquireMedia runs off the owner loop — capture may block on hardware or a
// permission prompt. The result is handed over under the info mutex rather
// than through the event queue: finish stamps EndedAt in the same critical
// section before it releases s.set, so whichever of the two runs second sees
// the other's mark and the track set is released exactly once even when a
// terminal transition races the acquisition.
func (s *Session) acquireMedia() {
	set, err := s.mgr.media.Acquire(s.Info().Kind)

	s.mu.Lock()
	if s.info.EndedAt != nil {
		s.mu.Unlock()
		if set != nil {
			set.Close()
		}
		return
	}
	s.set = set
	s.mu.Unlock()

	s.post(sessionEvent{kind: evMediaReady, err: err})
}

func (s *Session) onMediaReady(err error) {
	if err != nil {
		// Device failure is local-only: the other party never learns a call
		// was attempted.
		log.Printf("CALL [%s]: media acquisition failed: %v", s.info.ID, err)
		s.finish(StateFailed, ReasonFailed, err.Error())
		return
	}
	s.mu.Lock()
	set := s.set
	s.mu.Unlock()

	sup, err := s.mgr.newSupervisor(s.info.ID, set)
	if err != nil {
		log.Printf("CALL [%s]: peer connection setup failed: %v", s.info.ID, err)
		s.publishHangup(proto.HangupReasonHangup)
		s.finish(StateFailed, ReasonFailed, err.Error())
		return
	}
	s.sup = sup
	go s.forwardSupervisorEvents(sup)

	switch s.role {
	case roleCaller:
		offer, err := sup.CreateOffer()
		if err != nil {
			s.failNegotiation("create offer", err)
			return
		}
		if err := s.publish(SignalOffer, offer); err != nil {
			s.failNegotiation("publish offer", err)
			return
		}
		log.Printf("CALL [%s]: offer sent to %s", s.info.ID, s.remoteID)

	case roleReceiver:
		if err := s.neg.applyRemote(sup, s.offer); err != nil {
			s.failNegotiation("apply offer", err)
			return
		}
		answer, err := sup.CreateAnswer()
		if err != nil {
			s.failNegotiation("create answer", err)
			return
		}
		if err := s.publish(SignalAnswer, answer); err != nil {
			s.failNegotiation("publish answer", err)
			return
		}
		log.Printf("CALL [%s]: answer sent to %s", s.info.ID, s.remoteID)
	}
}

func (s *Session) onSignal(msg *SignalMessage) {
	switch msg.Kind {
	case SignalOffer:
		// The offer slot was filled when the session was created; a second
		// offer for a live session is a stale or duplicated signal.
		log.Printf("CALL [%s]: duplicate offer dropped (state=%s)", s.info.ID, s.State())

	case SignalAnswer:
		if s.role != roleCaller || s.State() != StateCalling || s.neg.answered {
			log.Printf("CALL [%s]: unexpected answer dropped (state=%s)", s.info.ID, s.State())
			return
		}
		if s.sup == nil {
			log.Printf("CALL [%s]: answer before offer was sent, dropped", s.info.ID)
			return
		}
		var sdp proto.SDPPayload
		if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
			log.Printf("CALL [%s]: malformed answer dropped: %v", s.info.ID, err)
			return
		}
		s.neg.answered = true
		s.stopRingTimer()
		if err := s.neg.applyRemote(s.sup, sdp); err != nil {
			s.failNegotiation("apply answer", err)
			return
		}
		s.setState(StateConnecting)

	case SignalCandidate:
		var c proto.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Printf("CALL [%s]: malformed candidate dropped: %v", s.info.ID, err)
			return
		}
		s.neg.candidate(s.sup, c)

	case SignalHangup:
		var p proto.HangupPayload
		_ = json.Unmarshal(msg.Payload, &p)
		s.onRemoteHangup(p.Reason)
	}
}

func (s *Session) onRemoteHangup(reason string) {
	log.Printf("CALL [%s]: remote hangup (reason=%q)", s.info.ID, reason)
	switch reason {
	case proto.HangupReasonBusy:
		if s.role == roleCaller && s.State() == StateCalling {
			s.mgr.noteBusyPeer(s.remoteID)
		}
		s.finish(StateRejected, ReasonRejected, "busy")
	case proto.HangupReasonTimeout:
		s.finish(StateMissed, ReasonMissed, "remote ring timeout")
	default:
		if s.State() == StateActive {
			s.finish(StateCompleted, ReasonCompleted, "")
		} else {
			s.finish(StateRejected, ReasonRejected, "")
		}
	}
}

func (s *Session) onSupervisorEvent(ev SupervisorEvent) {
	switch ev.Kind {
	case SupLocalCandidate:
		if err := s.publish(SignalCandidate, ev.Candidate); err != nil {
			s.failNegotiation("publish candidate", err)
		}
	case SupRemoteTrack:
		s.mgr.emit(Event{Type: EventRemoteTrack, Session: s.Info(), Track: ev.Track})
	case SupConnState:
		switch ev.ConnState {
		case ConnConnected:
			if s.State() == StateConnecting {
				now := time.Now()
				s.mu.Lock()
				s.info.StartedAt = &now
				s.mu.Unlock()
				s.setState(StateActive)
			}
		case ConnFailed:
			s.publishHangup(proto.HangupReasonHangup)
			s.finish(StateFailed, ReasonFailed, "connection failed")
		}
	}
}

func (s *Session) onAccept() {
	if s.role != roleReceiver || s.State() != StateRinging {
		log.Printf("CALL [%s]: accept ignored (state=%s)", s.info.ID, s.State())
		return
	}
	s.stopRingTimer()
	s.setState(StateConnecting)
	go s.acquireMedia()
}

func (s *Session) onReject() {
	if s.role != roleReceiver || s.State() != StateRinging {
		log.Printf("CALL [%s]: reject ignored (state=%s)", s.info.ID, s.State())
		return
	}
	s.publishHangup(proto.HangupReasonHangup)
	s.finish(StateRejected, ReasonRejected, "rejected locally")
}

func (s *Session) onLocalHangup() {
	s.publishHangup(proto.HangupReasonHangup)
	s.finish(StateCompleted, ReasonCompleted, "")
}

func (s *Session) onRingTimeout() {
	switch s.State() {
	case StateCalling:
		log.Printf("CALL [%s]: no answer after %s", s.info.ID, s.ringTimeout)
		s.publishHangup(proto.HangupReasonTimeout)
		s.finish(StateMissed, ReasonMissed, "ring timeout")
	case StateRinging:
		// Caller should have hung us up on its own timeout; this covers a
		// lost Hangup so the receiver cannot ring forever.
		s.finish(StateMissed, ReasonMissed, "ring timeout")
	}
}

// failNegotiation converts a signaling step failure into the Failed terminal
// state with a best-effort Hangup so the peer is not left ringing.
func (s *Session) failNegotiation(step string, err error) {
	log.Printf("CALL [%s]: %s failed: %v", s.info.ID, step, err)
	s.publishHangup(proto.HangupReasonHangup)
	s.finish(StateFailed, ReasonFailed, step+": "+err.Error())
}

func (s *Session) forwardSupervisorEvents(sup Supervisor) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-sup.Events():
			if !ok {
				return
			}
			s.post(sessionEvent{kind: evSupervisor, sup: ev})
		}
	}
}

func (s *Session) publish(kind SignalKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := &SignalMessage{
		CallID:  s.info.ID,
		From:    s.mgr.selfID,
		To:      s.remoteID,
		Kind:    kind,
		Payload: raw,
	}
	if kind == SignalOffer {
		msg.CallKind = s.info.Kind
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return s.mgr.sig.Publish(ctx, msg)
}

// publishHangup is best-effort: cleanup never blocks on its success.
func (s *Session) publishHangup(reason string) {
	if err := s.publish(SignalHangup, proto.HangupPayload{Reason: reason}); err != nil {
		log.Printf("CALL [%s]: hangup publish failed: %v", s.info.ID, err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	old := s.info.State
	s.info.State = st
	s.mu.Unlock()
	if old != st {
		s.emitState(old, st)
	}
}

func (s *Session) emitState(old, st State) {
	log.Printf("CALL [%s]: %s → %s", s.info.ID, old, st)
	s.mgr.emit(Event{Type: EventStateChanged, Session: s.Info(), OldState: old, NewState: st})
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
}

// finish performs the one terminal transition: stop timers, release local
// media, close the supervisor, discard queued candidates, stamp the session
// and emit exactly one CallEnded event. Runs on the owner goroutine only.
func (s *Session) finish(st State, reason EndReason, detail string) {
	if s.finished {
		return
	}
	s.finished = true
	s.stopRingTimer()

	now := time.Now()
	s.mu.Lock()
	old := s.info.State
	s.info.State = st
	s.info.EndedAt = &now
	s.info.EndReason = reason
	s.info.Detail = detail
	set := s.set
	s.set = nil
	s.mu.Unlock()

	if set != nil {
		set.Close()
	}
	if s.sup != nil {
		s.sup.Close()
	}
	s.neg.discard()
	close(s.done)

	info := s.Info()
	s.emitState(old, st)
	s.mgr.emit(Event{
		Type:     EventCallEnded,
		Session:  info,
		Reason:   reason,
		Detail:   detail,
		Duration: info.Duration(),
	})
	s.mgr.sessionEnded(s)
}

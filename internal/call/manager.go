package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

const (
	// publishTimeout bounds one signaling publish; the bus round trip is a
	// suspension point and must never wedge a session owner.
	publishTimeout = 5 * time.Second

	// DefaultRingTimeout is the bounded ring duration after which an
	// unanswered call is marked missed.
	DefaultRingTimeout = 45 * time.Second

	// glareWindow is how long after a busy rejection an offer from the same
	// peer is treated as the surviving half of a mutual-call collision and
	// auto-accepted. Covers the ordering where the peer's busy reply lands
	// before the peer's own offer does.
	glareWindow = 10 * time.Second
)

// Config assembles a Manager's collaborators. Signaler, Media and
// NewSupervisor are required; tests inject fakes for all three.
type Config struct {
	SelfID        string
	RingTimeout   time.Duration
	Signaler      Signaler
	Media         MediaSource
	NewSupervisor SupervisorFactory
}

// Manager owns at most one active call session for the local user at a time
// (no call-waiting) and bridges inbound signaling to it. Lifecycle events
// are fanned out to registered handlers.
type Manager struct {
	selfID        string
	sig           Signaler
	media         MediaSource
	newSupervisor SupervisorFactory
	ringTimeout   time.Duration

	mu     sync.RWMutex
	active *Session

	// Peer that busy-rejected our outbound attempt, for glare resolution.
	busyPeer string
	busyAt   time.Time

	listenerMu sync.RWMutex
	listeners  []func(Event)

	done chan struct{}
}

// New creates a Manager and starts listening for signaling messages
// immediately.
func New(cfg Config) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	m := &Manager{
		selfID:        cfg.SelfID,
		sig:           cfg.Signaler,
		media:         cfg.Media,
		newSupervisor: cfg.NewSupervisor,
		ringTimeout:   cfg.RingTimeout,
		done:          make(chan struct{}),
	}
	ch, cancel := m.sig.Subscribe()
	go m.dispatchLoop(ch, cancel)
	return m
}

// OnEvent registers a handler fired for every lifecycle event. Handlers must
// not block; each viewer connection registers one.
func (m *Manager) OnEvent(fn func(Event)) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

// SetRingTimeout adjusts the ring duration for sessions created afterwards.
func (m *Manager) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.ringTimeout = d
	m.mu.Unlock()
}

// StartCall initiates an outbound call to remoteID. Returns ErrBusy while
// another session is active.
func (m *Manager) StartCall(ctx context.Context, remoteID string, kind Kind) (*Session, error) {
	m.mu.Lock()
	if m.active != nil && !m.active.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	s := newSession(m, roleCaller, uuid.NewString(), remoteID, kind)
	m.active = s
	m.mu.Unlock()

	log.Printf("CALL [%s]: calling %s (%s)", s.info.ID, remoteID, kind)
	s.start()
	return s, nil
}

// Active returns the currently active session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || m.active.State().Terminal() {
		return nil, false
	}
	return m.active, true
}

// Get returns the active session only if it matches callID.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || m.active.Info().ID != callID {
		return nil, false
	}
	return m.active, true
}

// Close shuts the manager down, cancelling the active session if present.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}
	m.mu.RLock()
	act := m.active
	m.mu.RUnlock()
	if act != nil {
		act.post(sessionEvent{kind: evShutdown})
	}
}

// noteBusyPeer records that peerID busy-rejected our outbound attempt.
func (m *Manager) noteBusyPeer(peerID string) {
	m.mu.Lock()
	m.busyPeer = peerID
	m.busyAt = time.Now()
	m.mu.Unlock()
}

// sessionEnded clears the active slot once a session reaches a terminal
// state. The slot may already hold a successor (glare resolution).
func (m *Manager) sessionEnded(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.RLock()
	handlers := make([]func(Event), len(m.listeners))
	copy(handlers, m.listeners)
	m.listenerMu.RUnlock()
	for _, fn := range handlers {
		fn(evt)
	}
}

func (m *Manager) dispatchLoop(ch <-chan *SignalMessage, cancel func()) {
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(msg)
		}
	}
}

// dispatch routes one inbound signaling message: to the active session when
// the call id matches, through offer handling for new calls, dropped (and
// logged) otherwise — a message for an unknown or terminal call id is a
// protocol violation, not an error.
func (m *Manager) dispatch(msg *SignalMessage) {
	if msg.To != m.selfID {
		return
	}

	m.mu.RLock()
	act := m.active
	m.mu.RUnlock()

	if act != nil && act.Info().ID == msg.CallID {
		if !act.post(sessionEvent{kind: evSignal, msg: msg}) {
			log.Printf("CALL: %s for ended call %s dropped", msg.Kind, msg.CallID)
		}
		return
	}

	if msg.Kind == SignalOffer {
		m.handleOffer(msg)
		return
	}
	log.Printf("CALL: %s for unknown call %s dropped", msg.Kind, msg.CallID)
}

// handleOffer establishes a new inbound call, refuses it when busy, or
// resolves glare: when both parties called each other, the participant with
// the lexicographically smaller user id wins and keeps calling; the loser
// terminates its own attempt as rejected-busy and silently accepts the
// winner's offer — mutual intent is already established, so the loser's UI
// is not rung a second time.
func (m *Manager) handleOffer(msg *SignalMessage) {
	var sdp proto.SDPPayload
	if err := json.Unmarshal(msg.Payload, &sdp); err != nil {
		log.Printf("CALL: malformed offer from %s dropped: %v", msg.From, err)
		return
	}
	kind := msg.CallKind
	if kind == "" {
		kind = KindVideo
	}

	m.mu.Lock()
	act := m.active
	glare := act != nil && !act.State().Terminal() &&
		act.role == roleCaller && act.remoteID == msg.From && act.State() == StateCalling

	if act != nil && !act.State().Terminal() && !glare {
		m.mu.Unlock()
		log.Printf("CALL: busy — refusing offer %s from %s", msg.CallID, msg.From)
		m.replyBusy(msg)
		return
	}

	if glare {
		if m.selfID < msg.From {
			m.mu.Unlock()
			log.Printf("CALL [%s]: glare with %s — keeping own attempt", act.info.ID, msg.From)
			m.replyBusy(msg)
			return
		}
		log.Printf("CALL [%s]: glare with %s — yielding to inbound offer %s", act.info.ID, msg.From, msg.CallID)
		act.post(sessionEvent{kind: evGlareLoss})
	}

	// The other glare ordering: our attempt was already busy-rejected by
	// this peer, and here is their surviving offer. Accept it silently —
	// mutual intent is established, ringing would be noise.
	autoAccept := glare
	if !glare && m.busyPeer == msg.From && time.Since(m.busyAt) < glareWindow {
		log.Printf("CALL: offer %s from %s follows busy rejection — auto-accepting", msg.CallID, msg.From)
		autoAccept = true
		m.busyPeer = ""
	}

	s := newSession(m, roleReceiver, msg.CallID, msg.From, kind)
	s.offer = sdp
	s.autoAccept = autoAccept
	m.active = s
	m.mu.Unlock()

	log.Printf("CALL [%s]: incoming %s call from %s", s.info.ID, kind, msg.From)
	s.start()
	if !s.autoAccept {
		m.emit(Event{Type: EventIncomingCall, Session: s.Info()})
	}
}

// replyBusy answers an offer that will never be ringed with an automatic
// busy hangup, so the caller resolves promptly instead of timing out.
func (m *Manager) replyBusy(msg *SignalMessage) {
	raw, _ := json.Marshal(proto.HangupPayload{Reason: proto.HangupReasonBusy})
	reply := &SignalMessage{
		CallID:  msg.CallID,
		From:    m.selfID,
		To:      msg.From,
		Kind:    SignalHangup,
		Payload: raw,
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := m.sig.Publish(ctx, reply); err != nil {
		log.Printf("CALL: busy reply for %s failed: %v", msg.CallID, err)
	}
}

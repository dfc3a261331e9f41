package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

// fakeSignaler records published messages and lets tests inject inbound ones.
// An optional route function forwards publishes to another fake, which gives
// two managers a shared in-memory mesh. Setting stall blocks publishes of
// stallKind (after recording them) until the test closes the channel.
type fakeSignaler struct {
	mu        sync.Mutex
	published []*SignalMessage
	subs      []chan *SignalMessage
	route     func(*SignalMessage)
	failErr   error
	stallKind SignalKind
	stall     chan struct{}
}

func (f *fakeSignaler) Publish(ctx context.Context, msg *SignalMessage) error {
	f.mu.Lock()
	if f.failErr != nil {
		f.mu.Unlock()
		return f.failErr
	}
	cp := *msg
	f.published = append(f.published, &cp)
	route := f.route
	var stall chan struct{}
	if f.stall != nil && msg.Kind == f.stallKind {
		stall = f.stall
	}
	f.mu.Unlock()
	if stall != nil {
		<-stall
	}
	if route != nil {
		route(&cp)
	}
	return nil
}

func (f *fakeSignaler) Subscribe() (<-chan *SignalMessage, func()) {
	ch := make(chan *SignalMessage, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSignaler) deliver(msg *SignalMessage) {
	f.mu.Lock()
	subs := append([]chan *SignalMessage(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- msg
	}
}

func (f *fakeSignaler) sent(kind SignalKind) []*SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*SignalMessage
	for _, m := range f.published {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// linkSignalers wires two fakes so each delivers to the other's subscribers.
func linkSignalers(a, b *fakeSignaler, aID, bID string) {
	a.route = func(m *SignalMessage) {
		if m.To == bID {
			b.deliver(m)
		}
	}
	b.route = func(m *SignalMessage) {
		if m.To == aID {
			a.deliver(m)
		}
	}
}

type fakeTrackSet struct {
	mu      sync.Mutex
	closes  int
	audioOn bool
	videoOn bool
}

func (s *fakeTrackSet) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeTrackSet) ConfigureEngine(_ *webrtc.MediaEngine) error { return nil }

func (s *fakeTrackSet) SetEnabled(audio, video bool) {
	s.mu.Lock()
	s.audioOn, s.videoOn = audio, video
	s.mu.Unlock()
}

func (s *fakeTrackSet) Close() {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
}

func (s *fakeTrackSet) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeTrackSet) enabled() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn, s.videoOn
}

// fakeMedia hands out fakeTrackSets, optionally failing or blocking on a gate
// channel so tests can control when acquisition completes.
type fakeMedia struct {
	mu   sync.Mutex
	err  error
	sets []*fakeTrackSet
	gate chan struct{}
}

func (m *fakeMedia) Acquire(kind Kind) (TrackSet, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	set := &fakeTrackSet{audioOn: true, videoOn: true}
	m.sets = append(m.sets, set)
	return set, nil
}

func (m *fakeMedia) acquired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets)
}

func (m *fakeMedia) set(i int) *fakeTrackSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.sets) {
		return nil
	}
	return m.sets[i]
}

type fakeSupervisor struct {
	callID string

	mu     sync.Mutex
	ops    []string
	closes int

	events chan SupervisorEvent
}

func (f *fakeSupervisor) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeSupervisor) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeSupervisor) CreateOffer() (proto.SDPPayload, error) {
	f.record("create-offer")
	return proto.SDPPayload{Type: "offer", SDP: "v=0 offer " + f.callID}, nil
}

func (f *fakeSupervisor) CreateAnswer() (proto.SDPPayload, error) {
	f.record("create-answer")
	return proto.SDPPayload{Type: "answer", SDP: "v=0 answer " + f.callID}, nil
}

func (f *fakeSupervisor) SetRemoteDescription(sdp proto.SDPPayload) error {
	f.record("set-remote:" + sdp.Type)
	return nil
}

func (f *fakeSupervisor) AddRemoteCandidate(c proto.ICECandidateInit) error {
	f.record("candidate:" + c.Candidate)
	return nil
}

func (f *fakeSupervisor) Events() <-chan SupervisorEvent { return f.events }

func (f *fakeSupervisor) Close() {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
}

func (f *fakeSupervisor) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeSupervisor) push(ev SupervisorEvent) { f.events <- ev }

func (f *fakeSupervisor) connect() {
	f.push(SupervisorEvent{Kind: SupConnState, ConnState: ConnConnected})
}

func (f *fakeSupervisor) fail() {
	f.push(SupervisorEvent{Kind: SupConnState, ConnState: ConnFailed})
}

// fakeSupFactory builds fakeSupervisors and keeps them for inspection.
type fakeSupFactory struct {
	mu   sync.Mutex
	sups []*fakeSupervisor
	err  error
}

func (f *fakeSupFactory) new(callID string, _ TrackSet) (Supervisor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sup := &fakeSupervisor{callID: callID, events: make(chan SupervisorEvent, 16)}
	f.sups = append(f.sups, sup)
	return sup, nil
}

func (f *fakeSupFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sups)
}

func (f *fakeSupFactory) sup(i int) *fakeSupervisor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sups) {
		return nil
	}
	return f.sups[i]
}

// eventRecorder captures manager events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) has(t EventType) bool { return len(r.byType(t)) > 0 }

// testNode bundles one manager with its fakes.
type testNode struct {
	mgr     *Manager
	sig     *fakeSignaler
	media   *fakeMedia
	factory *fakeSupFactory
	rec     *eventRecorder
}

func newTestNode(t *testing.T, selfID string, mutate func(*Config)) *testNode {
	t.Helper()
	n := &testNode{
		sig:     &fakeSignaler{},
		media:   &fakeMedia{},
		factory: &fakeSupFactory{},
		rec:     &eventRecorder{},
	}
	cfg := Config{
		SelfID:        selfID,
		Signaler:      n.sig,
		Media:         n.media,
		NewSupervisor: n.factory.new,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n.mgr = New(cfg)
	n.mgr.OnEvent(n.rec.record)
	t.Cleanup(n.mgr.Close)
	return n
}

func sigMsg(t *testing.T, callID, from, to string, kind SignalKind, payload any) *SignalMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	msg := &SignalMessage{CallID: callID, From: from, To: to, Kind: kind, Payload: raw}
	if kind == SignalOffer {
		msg.CallKind = KindVideo
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, st State) {
	t.Helper()
	waitFor(t, "state "+string(st), func() bool { return s.State() == st })
}

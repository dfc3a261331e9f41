package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

func TestStartCallWhileBusy(t *testing.T) {
	n := newTestNode(t, "alice", nil)

	if _, err := n.mgr.StartCall(context.Background(), "bob", KindVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := n.mgr.StartCall(context.Background(), "carol", KindVideo); err != ErrBusy {
		t.Fatalf("second StartCall err = %v, want ErrBusy", err)
	}
}

func TestInboundOfferWhileBusyGetsBusyReply(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	s, _ := n.mgr.StartCall(context.Background(), "alice", KindVideo)
	waitFor(t, "offer published", func() bool { return len(n.sig.sent(SignalOffer)) == 1 })

	n.sig.deliver(sigMsg(t, "carol-call", "carol", "bob", SignalOffer,
		proto.SDPPayload{Type: "offer", SDP: "v=0"}))

	waitFor(t, "busy reply", func() bool { return len(n.sig.sent(SignalHangup)) == 1 })
	reply := n.sig.sent(SignalHangup)[0]
	if reply.To != "carol" || reply.CallID != "carol-call" {
		t.Fatalf("busy reply To=%s CallID=%s", reply.To, reply.CallID)
	}
	var hp proto.HangupPayload
	_ = json.Unmarshal(reply.Payload, &hp)
	if hp.Reason != proto.HangupReasonBusy {
		t.Fatalf("reason = %q, want busy", hp.Reason)
	}

	// The carol offer must not ring and must not disturb the active attempt.
	if n.rec.has(EventIncomingCall) {
		t.Fatal("busy node rang for a second call")
	}
	if s.State() != StateCalling {
		t.Fatalf("active session state = %s, want calling", s.State())
	}
}

func TestOfferForUnknownCallKindDefaultsToVideo(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	msg := sigMsg(t, "call-1", "alice", "bob", SignalOffer, proto.SDPPayload{Type: "offer", SDP: "v=0"})
	msg.CallKind = ""
	n.sig.deliver(msg)

	waitFor(t, "session created", func() bool { _, ok := n.mgr.Get("call-1"); return ok })
	s, _ := n.mgr.Get("call-1")
	if s.Info().Kind != KindVideo {
		t.Fatalf("kind = %s, want video", s.Info().Kind)
	}
}

func TestMalformedOfferDropped(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	n.sig.deliver(&SignalMessage{
		CallID: "call-1", From: "alice", To: "bob",
		Kind: SignalOffer, Payload: json.RawMessage(`{"type":`),
	})
	time.Sleep(50 * time.Millisecond)

	if _, ok := n.mgr.Get("call-1"); ok {
		t.Fatal("session created from malformed offer")
	}
	if n.rec.has(EventIncomingCall) {
		t.Fatal("incoming call event for malformed offer")
	}
}

// Mutual simultaneous calls. The participant with the smaller user id keeps
// its attempt; the other side's attempt resolves to rejected-busy and the
// surviving offer connects without ringing.
func TestGlareResolution(t *testing.T) {
	alice := newTestNode(t, "alice", nil)
	bob := newTestNode(t, "bob", nil)
	linkSignalers(alice.sig, bob.sig, "alice", "bob")

	// Hold media acquisition so both outbound sessions exist before either
	// offer crosses the wire — true glare.
	gate := make(chan struct{})
	alice.media.gate = gate
	bob.media.gate = gate

	aliceOut, err := alice.mgr.StartCall(context.Background(), "bob", KindVideo)
	if err != nil {
		t.Fatalf("alice StartCall: %v", err)
	}
	bobOut, err := bob.mgr.StartCall(context.Background(), "alice", KindVideo)
	if err != nil {
		t.Fatalf("bob StartCall: %v", err)
	}
	close(gate)

	// Bob (larger id) loses: his attempt ends rejected-busy.
	waitState(t, bobOut, StateRejected)
	if bobOut.Info().Detail != "busy" {
		t.Fatalf("bob detail = %q, want busy", bobOut.Info().Detail)
	}

	// Alice's attempt survives and reaches connecting on bob's auto-answer.
	waitState(t, aliceOut, StateConnecting)

	// Bob accepted silently — no second ring on his side.
	if bob.rec.has(EventIncomingCall) {
		t.Fatal("glare loser rang for the winner's offer")
	}

	// Bob holds a receiver session for alice's call id.
	bobIn, ok := bob.mgr.Get(aliceOut.Info().ID)
	if !ok {
		t.Fatal("bob has no session for the surviving call")
	}
	waitState(t, bobIn, StateConnecting)

	// Drive both ends to active.
	for _, n := range []*testNode{alice, bob} {
		for i := 0; i < n.factory.count(); i++ {
			sup := n.factory.sup(i)
			if sup.callID == aliceOut.Info().ID {
				sup.connect()
			}
		}
	}
	waitState(t, aliceOut, StateActive)
	waitState(t, bobIn, StateActive)
}

// The other glare ordering: the winner's busy reply lands before the
// winner's own offer. The loser must still auto-accept the offer instead of
// ringing.
func TestOfferAfterBusyRejectionAutoAccepts(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	s, _ := n.mgr.StartCall(context.Background(), "alice", KindVideo)
	waitFor(t, "offer published", func() bool { return len(n.sig.sent(SignalOffer)) == 1 })

	n.sig.deliver(sigMsg(t, s.Info().ID, "alice", "bob", SignalHangup,
		proto.HangupPayload{Reason: proto.HangupReasonBusy}))
	waitState(t, s, StateRejected)

	n.sig.deliver(sigMsg(t, "alice-call", "alice", "bob", SignalOffer,
		proto.SDPPayload{Type: "offer", SDP: "v=0"}))

	waitFor(t, "auto answer", func() bool { return len(n.sig.sent(SignalAnswer)) == 1 })
	if n.rec.has(EventIncomingCall) {
		t.Fatal("auto-accepted offer rang anyway")
	}
	in, ok := n.mgr.Get("alice-call")
	if !ok {
		t.Fatal("no session for surviving offer")
	}
	waitState(t, in, StateConnecting)
}

// A genuinely busy rejection from a peer that never calls back must not leave
// the next unrelated offer auto-accepted once the window has passed.
func TestBusyWindowExpires(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	s, _ := n.mgr.StartCall(context.Background(), "alice", KindVideo)
	waitFor(t, "offer published", func() bool { return len(n.sig.sent(SignalOffer)) == 1 })
	n.sig.deliver(sigMsg(t, s.Info().ID, "alice", "bob", SignalHangup,
		proto.HangupPayload{Reason: proto.HangupReasonBusy}))
	waitState(t, s, StateRejected)

	// Simulate the window having elapsed.
	n.mgr.mu.Lock()
	n.mgr.busyAt = time.Now().Add(-glareWindow - time.Second)
	n.mgr.mu.Unlock()

	n.sig.deliver(sigMsg(t, "alice-call", "alice", "bob", SignalOffer,
		proto.SDPPayload{Type: "offer", SDP: "v=0"}))
	waitFor(t, "incoming call rings", func() bool { return n.rec.has(EventIncomingCall) })
}

func TestCloseCancelsActiveSession(t *testing.T) {
	n := newTestNode(t, "alice", nil)

	s, _ := n.mgr.StartCall(context.Background(), "bob", KindVideo)
	waitFor(t, "offer published", func() bool { return len(n.sig.sent(SignalOffer)) == 1 })

	n.mgr.Close()
	waitState(t, s, StateCancelled)
	if s.Info().EndReason != ReasonCancelled {
		t.Fatalf("end reason = %s, want cancelled", s.Info().EndReason)
	}
}

func TestSignalForOtherUserIgnored(t *testing.T) {
	n := newTestNode(t, "bob", nil)

	n.sig.deliver(sigMsg(t, "call-1", "alice", "carol", SignalOffer,
		proto.SDPPayload{Type: "offer", SDP: "v=0"}))
	time.Sleep(50 * time.Millisecond)

	if _, ok := n.mgr.Get("call-1"); ok {
		t.Fatal("session created from a signal addressed to another user")
	}
}

func TestSecondCallAfterFirstEnds(t *testing.T) {
	n := newTestNode(t, "alice", nil)

	s1, _ := n.mgr.StartCall(context.Background(), "bob", KindVideo)
	waitFor(t, "offer published", func() bool { return len(n.sig.sent(SignalOffer)) == 1 })
	s1.Hangup()
	waitState(t, s1, StateCompleted)
	waitFor(t, "slot cleared", func() bool { _, ok := n.mgr.Active(); return !ok })

	s2, err := n.mgr.StartCall(context.Background(), "carol", KindAudio)
	if err != nil {
		t.Fatalf("second StartCall: %v", err)
	}
	if s2.Info().ID == s1.Info().ID {
		t.Fatal("sessions share a call id")
	}
	waitFor(t, "second offer", func() bool { return len(n.sig.sent(SignalOffer)) == 2 })
}

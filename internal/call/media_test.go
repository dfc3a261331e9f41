package call

import "testing"

func TestReceiveOnlyFallbackPolicy(t *testing.T) {
	if !recvOnlyAllowed(KindVideo) {
		t.Error("video call should degrade to receive-only when capture fails")
	}
	if recvOnlyAllowed(KindAudio) {
		t.Error("audio call must not proceed with nothing to send")
	}
	if recvOnlyAllowed(KindScreen) {
		t.Error("screen share must not proceed without display capture")
	}
}

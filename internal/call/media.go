package call

import "github.com/pion/webrtc/v4"

// Devices is the production MediaSource backed by pion/mediadevices on
// platforms with capture drivers, falling back to receive-only elsewhere.
type Devices struct{}

func (Devices) Acquire(kind Kind) (TrackSet, error) {
	return acquireTracks(kind)
}

// recvOnlyAllowed reports whether a call of the given kind may proceed with
// no local capture at all. A video call degrades to watching the remote
// side; an audio call that cannot send audio is just silence, and a screen
// share without display capture has nothing to offer.
func recvOnlyAllowed(kind Kind) bool {
	return kind != KindAudio && kind != KindScreen
}

// recvOnlySet is the TrackSet used when no local capture is available; the
// call proceeds receive-only, which still lets the local user see and hear
// the remote side.
type recvOnlySet struct{}

func (recvOnlySet) Tracks() []webrtc.TrackLocal { return nil }

func (recvOnlySet) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (recvOnlySet) SetEnabled(audio, video bool) {}

func (recvOnlySet) Close() {}

//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceSet owns the mediadevices tracks captured for one session. Tracks
// are released exactly once, on Close.
type deviceSet struct {
	tracks   []mediadevices.Track
	selector *mediadevices.CodecSelector

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	closed  bool
}

func (d *deviceSet) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(d.tracks))
	for _, t := range d.tracks {
		out = append(out, t)
	}
	return out
}

func (d *deviceSet) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// SetEnabled records mute state. mediadevices has no per-track enable
// switch, so the flags gate what the UI reports; the encoder keeps running.
func (d *deviceSet) SetEnabled(audio, video bool) {
	d.mu.Lock()
	d.audioOn, d.videoOn = audio, video
	d.mu.Unlock()
}

func (d *deviceSet) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	for _, t := range d.tracks {
		t.Close()
	}
}

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func cameraConstraint(c *mediadevices.MediaTrackConstraints) {
	// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that produces
	// malformed JPEG frames, which poisons the VP8 encoder and breaks SDP
	// negotiation. Raw formats only.
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	// Cap at 640×480 — higher resolutions increase VP8 encoding latency.
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// acquireTracks captures local media for the call kind. GetUserMedia fails
// as a unit if either requested track can't be opened, so camera calls fall
// back in tiers (video+audio, video-only, audio-only) before going
// receive-only — a busy microphone should not prevent the camera from
// working and vice versa.
func acquireTracks(kind Kind) (TrackSet, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	if kind == KindScreen {
		return acquireScreen(selector)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if kind == KindAudio {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = cameraConstraint
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}
		tracks := stream.GetTracks()
		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return &deviceSet{tracks: tracks, selector: selector, audioOn: true, videoOn: true}, nil
	}

	if !recvOnlyAllowed(kind) {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, lastErr)
	}
	log.Printf("CALL: all media capture attempts failed — proceeding receive-only")
	return recvOnlySet{}, nil
}

func acquireScreen(selector *mediadevices.CodecSelector) (TrackSet, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		// Screen capture has no fallback tier: without the display there is
		// nothing to share.
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	tracks := stream.GetTracks()
	log.Printf("CALL: screen captured — %d tracks", len(tracks))
	return &deviceSet{tracks: tracks, selector: selector, audioOn: true, videoOn: true}, nil
}

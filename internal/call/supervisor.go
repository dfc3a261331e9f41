package call

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mvdwerf/bouwdeck/internal/proto"
)

// pliInterval is how often a keyframe is requested from the remote encoder
// while a remote video track is live. Without periodic PLI a late-joining
// decoder can wait a long time for a usable frame.
const pliInterval = 3 * time.Second

// NewSupervisorFactory returns a SupervisorFactory producing pion-backed
// supervisors configured with the given ICE servers.
func NewSupervisorFactory(iceServers []string) SupervisorFactory {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return func(callID string, set TrackSet) (Supervisor, error) {
		return newPionSupervisor(callID, set, iceServers)
	}
}

// pionSupervisor wraps exactly one webrtc.PeerConnection for a session's
// lifetime and condenses its callbacks into a single outbound event channel,
// preserving the session owner's serialization.
type pionSupervisor struct {
	callID string
	pc     *webrtc.PeerConnection

	events chan SupervisorEvent
	closed chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
}

func newPionSupervisor(callID string, set TrackSet, iceServers []string) (*pionSupervisor, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := set.ConfigureEngine(mediaEngine); err != nil {
		return nil, fmt.Errorf("configure media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call — the default disconnectedTimeout of 5s is far too
	// short for relay paths.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSupervisor{
		callID: callID,
		pc:     pc,
		events: make(chan SupervisorEvent, 64),
		closed: make(chan struct{}),
	}

	tracks := set.Tracks()
	for _, tr := range tracks {
		if _, err := pc.AddTrack(tr); err != nil {
			log.Printf("CALL [%s]: add local track: %v", callID, err)
		}
	}
	if len(tracks) == 0 {
		// Recvonly transceivers so CreateOffer/CreateAnswer still produce
		// valid m-lines with ICE credentials.
		s.addRecvOnlyTransceivers()
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := proto.ICECandidateInit{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		s.emit(SupervisorEvent{Kind: SupLocalCandidate, Candidate: cand})
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track %s", callID, tr.Kind(), tr.ID())
		s.emit(SupervisorEvent{Kind: SupRemoteTrack, Track: RemoteTrack{
			ID:   tr.ID(),
			Kind: tr.Kind().String(),
		}})
		go s.readRemoteTrack(tr)
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			go s.requestKeyframes(tr.SSRC())
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", callID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.emit(SupervisorEvent{Kind: SupConnState, ConnState: ConnConnected})
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			// Exactly one terminal failure event; no retry, no ICE restart.
			s.failOnce.Do(func() {
				s.emit(SupervisorEvent{Kind: SupConnState, ConnState: ConnFailed})
			})
		}
	})

	return s, nil
}

func (s *pionSupervisor) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(%s): %v", s.callID, kind, err)
		}
	}
}

func (s *pionSupervisor) CreateOffer() (proto.SDPPayload, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return proto.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return proto.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.SDPPayload{Type: "offer", SDP: offer.SDP}, nil
}

func (s *pionSupervisor) CreateAnswer() (proto.SDPPayload, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return proto.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return proto.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}
	return proto.SDPPayload{Type: "answer", SDP: answer.SDP}, nil
}

func (s *pionSupervisor) SetRemoteDescription(sdp proto.SDPPayload) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	})
}

func (s *pionSupervisor) AddRemoteCandidate(c proto.ICECandidateInit) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	return s.pc.AddICECandidate(init)
}

func (s *pionSupervisor) Events() <-chan SupervisorEvent { return s.events }

// Close is idempotent and safe mid-negotiation; after it returns no further
// events are emitted.
func (s *pionSupervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.callID, err)
		}
	})
}

func (s *pionSupervisor) emit(ev SupervisorEvent) {
	select {
	case <-s.closed:
	case s.events <- ev:
	}
}

// readRemoteTrack drains RTP from a remote track until the track or the
// supervisor ends. The coordinator does not consume media itself — the
// dashboard renders it — but the read loop keeps the interceptor chain and
// RTCP feedback running, and sequence gaps are counted for diagnostics.
func (s *pionSupervisor) readRemoteTrack(tr *webrtc.TrackRemote) {
	var (
		packets uint64
		lost    uint64
		lastSeq uint16
		havePkt bool
	)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		var pkt *rtp.Packet
		var err error
		pkt, _, err = tr.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: read %s track: %v", s.callID, tr.Kind(), err)
			}
			return
		}
		if havePkt {
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				lost += uint64(gap - 1)
			}
		}
		lastSeq = pkt.SequenceNumber
		havePkt = true
		packets++
		if packets%5000 == 0 {
			log.Printf("CALL [%s]: %s track %d packets (%d lost)", s.callID, tr.Kind(), packets, lost)
		}
	}
}

// requestKeyframes sends a PLI for the remote video SSRC every pliInterval.
func (s *pionSupervisor) requestKeyframes(ssrc webrtc.SSRC) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			}); err != nil {
				return
			}
		}
	}
}

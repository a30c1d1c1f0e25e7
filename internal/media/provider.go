// Package media adapts pion/webrtc and pion/mediadevices to the call
// package's MediaProvider port. The core never sees Pion types: descriptions
// and candidates cross the boundary as plain structs.
package media

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/roomcall/internal/call"
)

// Provider implements call.MediaProvider on Pion with VP8+Opus encoders.
type Provider struct {
	selector *mediadevices.CodecSelector
}

// New builds a provider. Capture drivers are linked on Linux only; on other
// platforms Acquire fails and the call core's no_user_media path applies.
func New() (*Provider, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Provider{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// Variant reports the ice-server configuration shape Pion expects.
func (p *Provider) Variant() call.Variant { return call.VariantGeneric }

// ConnectedOnPlay is false: Pion surfaces ICE connection state changes.
func (p *Provider) ConnectedOnPlay() bool { return false }

// Acquire captures local media matching the given constraints.
func (p *Provider) Acquire(ctx context.Context, c call.CaptureConstraints) (call.MediaStream, error) {
	cons := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Audio {
		cons.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	if v := c.Video; v != nil {
		cons.Video = func(mt *mediadevices.MediaTrackConstraints) {
			mt.Width = prop.IntRanged{Min: v.MinWidth, Max: v.MaxWidth}
			mt.Height = prop.IntRanged{Min: v.MinHeight, Max: v.MaxHeight}
		}
	}
	stream, err := mediadevices.GetUserMedia(cons)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	return &localStream{stream: stream}, nil
}

// NewPeerConn creates a peer connection and installs the call's callbacks.
func (p *Provider) NewPeerConn(servers []call.ICEServer, cb call.PeerConnCallbacks) (call.PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	p.selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	ice := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice = append(ice, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	conn := &peerConn{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		if cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		sdpMid := ""
		if init.SDPMid != nil {
			sdpMid = *init.SDPMid
		}
		var idx uint16
		if init.SDPMLineIndex != nil {
			idx = *init.SDPMLineIndex
		}
		cb.OnLocalCandidate(call.CandidateInit{
			Candidate:     init.Candidate,
			SDPMid:        sdpMid,
			SDPMLineIndex: idx,
		})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if cb.OnICEStateChange != nil {
			cb.OnICEStateChange(iceState(s))
		}
	})
	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if cb.OnSignalingStateChange != nil {
			cb.OnSignalingStateChange(s.String())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("MEDIA: remote track — kind=%s codec=%s", track.Kind(), track.Codec().MimeType)
		conn.addRemoteTrack(track, cb.OnRemoteStream)
	})
	return conn, nil
}

func iceState(s webrtc.ICEConnectionState) call.ICEState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return call.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return call.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return call.ICECompleted
	case webrtc.ICEConnectionStateFailed:
		return call.ICEFailed
	case webrtc.ICEConnectionStateDisconnected:
		return call.ICEDisconnected
	case webrtc.ICEConnectionStateClosed:
		return call.ICEClosed
	default:
		return call.ICENew
	}
}

// ── Peer connection ───────────────────────────────────────────────────────────

type peerConn struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	remote *remoteStream
}

func (c *peerConn) AddStream(stream call.MediaStream) error {
	ls, ok := stream.(*localStream)
	if !ok {
		return fmt.Errorf("media: stream was not captured by this provider")
	}
	for _, track := range ls.stream.GetTracks() {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
	}
	return nil
}

func (c *peerConn) SetRemoteDescription(desc call.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *peerConn) SetLocalDescription(desc call.SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *peerConn) CreateOffer() (call.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{SDP: offer.SDP, Type: offer.Type.String()}, nil
}

// CreateAnswer generates an answer. Pion derives directions from the
// attached transceivers, so the receive constraints carry no extra
// information here; the port keeps them for engines that honour them.
func (c *peerConn) CreateAnswer(_ call.RecvConstraints) (call.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{SDP: answer.SDP, Type: answer.Type.String()}, nil
}

func (c *peerConn) AddRemoteCandidate(cand call.CandidateInit) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *peerConn) SignalingClosed() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateClosed
}

func (c *peerConn) Close() {
	if err := c.pc.Close(); err != nil {
		log.Printf("MEDIA: close peer connection: %v", err)
	}
}

// addRemoteTrack folds incoming tracks into one remote stream per peer
// connection; the first track announces the stream to the call.
func (c *peerConn) addRemoteTrack(track *webrtc.TrackRemote, announce func(call.MediaStream)) {
	c.mu.Lock()
	rs := c.remote
	first := rs == nil
	if first {
		rs = &remoteStream{id: track.StreamID()}
		c.remote = rs
	}
	c.mu.Unlock()

	rs.addTrack(track)
	go rs.drain(track)
	if first && announce != nil {
		announce(rs)
	}
}

// ── Streams ───────────────────────────────────────────────────────────────────

// localStream wraps a mediadevices capture stream.
type localStream struct {
	stream mediadevices.MediaStream
}

func (s *localStream) ID() string {
	if ts := s.stream.GetTracks(); len(ts) > 0 {
		return ts[0].ID()
	}
	return ""
}

func (s *localStream) HasVideo() bool {
	return len(s.stream.GetVideoTracks()) > 0
}

// EnableAudio is a no-op: capture tracks start enabled and Pion exposes no
// per-track enabled bit to flip.
func (s *localStream) EnableAudio() {}

func (s *localStream) StopTracks() {
	for _, t := range s.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: close track %s: %v", t.ID(), err)
		}
	}
}

// Stop is a no-op: mediadevices has no top-level stream handle beyond its
// tracks.
func (s *localStream) Stop() {}

func (s *localStream) OnEnded(fn func()) {
	for _, t := range s.stream.GetTracks() {
		t.OnEnded(func(error) { fn() })
	}
}

// remoteStream aggregates the tracks received on one peer connection.
type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
	ended  []func()
	done   bool
}

func (s *remoteStream) addTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *remoteStream) ID() string { return s.id }

func (s *remoteStream) HasVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// EnableAudio is a no-op for remote tracks.
func (s *remoteStream) EnableAudio() {}

// StopTracks is a no-op: remote tracks end when the peer connection closes.
func (s *remoteStream) StopTracks() {}

func (s *remoteStream) Stop() {}

func (s *remoteStream) OnEnded(fn func()) {
	s.mu.Lock()
	done := s.done
	if !done {
		s.ended = append(s.ended, fn)
	}
	s.mu.Unlock()
	if done {
		fn()
	}
}

// drain keeps RTP flowing on a remote track; a read error means the track
// (and with it the stream) ended.
func (s *remoteStream) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			s.markEnded()
			return
		}
	}
}

func (s *remoteStream) markEnded() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	fns := make([]func(), len(s.ended))
	copy(fns, s.ended)
	s.ended = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

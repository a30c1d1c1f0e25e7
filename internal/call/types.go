// Package call implements the signalling core for two-party voice/video
// calls negotiated over a room-based messaging substrate. It is designed to
// be maximally standalone — coupling to the media stack and to the substrate
// is via the MediaProvider and Signaler interfaces only.
package call

import (
	"context"
	"encoding/json"
	"time"
)

// Signaler is the only surface the call package needs from the messaging
// substrate. Publish blocks until the room event is accepted by the
// substrate or rejected with an error.
type Signaler interface {
	Publish(ctx context.Context, roomID, eventType string, content any) error
}

// Envelope is a copy of bus.Envelope without its ID field — avoids
// importing internal/bus.
// TS is unix milliseconds at the origin; the router derives invite age
// from it.
type Envelope struct {
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	TS      int64           `json:"ts"`
}

// MediaStream is an opaque handle to a captured or remote stream. Streams
// are owned by the MediaProvider; the call holds non-owning references and
// requests stop during teardown.
type MediaStream interface {
	ID() string
	HasVideo() bool
	// EnableAudio re-enables every audio track on the stream.
	EnableAudio()
	StopTracks()
	Stop()
	// OnEnded registers a callback fired when the stream ends. Only remote
	// streams are expected to fire it.
	OnEnded(fn func())
}

// ICEState mirrors the peer connection's ICE connection state.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEFailed       ICEState = "failed"
	ICEDisconnected ICEState = "disconnected"
	ICEClosed       ICEState = "closed"
)

// PeerConnCallbacks are installed at peer-connection creation. The provider
// may invoke them from its own goroutines; the Call serializes internally.
type PeerConnCallbacks struct {
	OnLocalCandidate       func(CandidateInit)
	OnRemoteStream         func(MediaStream)
	OnICEStateChange       func(ICEState)
	OnSignalingStateChange func(state string)
}

// PeerConn is one peer connection, exclusively owned by a single Call for
// its lifetime.
type PeerConn interface {
	AddStream(stream MediaStream) error
	SetRemoteDescription(desc SessionDescription) error
	SetLocalDescription(desc SessionDescription) error
	CreateOffer() (SessionDescription, error)
	CreateAnswer(recv RecvConstraints) (SessionDescription, error)
	AddRemoteCandidate(cand CandidateInit) error
	// SignalingClosed reports whether the signalling state already reached
	// closed; remote teardown skips Close in that case.
	SignalingClosed() bool
	Close()
}

// RecvConstraints steer answer generation.
type RecvConstraints struct {
	OfferToReceiveAudio bool
	OfferToReceiveVideo bool
}

// CaptureConstraints selects what Acquire captures. Video nil means
// audio-only.
type CaptureConstraints struct {
	Audio bool
	Video *VideoConstraints
}

// VideoConstraints bound the capture resolution.
type VideoConstraints struct {
	MinWidth  int
	MaxWidth  int
	MinHeight int
	MaxHeight int
}

// ICEServer is one STUN/TURN configuration entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Variant identifies the ice-server configuration shape a provider expects:
// mozilla-style providers take one URL per entry, the rest take a URL list.
type Variant string

const (
	VariantGeneric Variant = "generic"
	VariantMozilla Variant = "mozilla"
	VariantWebkit  Variant = "webkit"
)

// MediaProvider abstracts capture and peer-connection setup.
type MediaProvider interface {
	Acquire(ctx context.Context, c CaptureConstraints) (MediaStream, error)
	NewPeerConn(servers []ICEServer, cb PeerConnCallbacks) (PeerConn, error)
	Variant() Variant
	// ConnectedOnPlay reports that the provider cannot surface ICE state
	// changes; the call then treats the first remote playback as the
	// connected transition.
	ConnectedOnPlay() bool
}

// View is a renderer surface bound by the host application.
type View interface {
	SetSource(url string)
	Play() error
	Pause()
}

// URLMinter converts a stream handle into a renderer-consumable URL.
type URLMinter interface {
	MintURL(stream MediaStream) (string, error)
}

// Options configures a new Call.
type Options struct {
	RoomID string
	Signal Signaler
	Media  MediaProvider
	// Minter is required when video views are used.
	Minter URLMinter
	// TurnServers defaults to a single public STUN entry when empty.
	TurnServers []ICEServer
	// InviteLifetime defaults to CallTimeoutMS.
	InviteLifetime time.Duration
}

// adaptICEServers reshapes the TURN list for the provider variant: mozilla
// wants one URL per entry.
func adaptICEServers(v Variant, servers []ICEServer) []ICEServer {
	if v != VariantMozilla {
		return servers
	}
	var out []ICEServer
	for _, s := range servers {
		for _, u := range s.URLs {
			out = append(out, ICEServer{URLs: []string{u}, Username: s.Username, Credential: s.Credential})
		}
	}
	return out
}

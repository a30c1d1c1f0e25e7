package call

// ── Event type constants ──────────────────────────────────────────────────────
// Value of the event type published to and received from the room. These are
// the only four event types the core speaks.
const (
	EventInvite     = "m.call.invite"
	EventAnswer     = "m.call.answer"
	EventCandidates = "m.call.candidates"
	EventHangup     = "m.call.hangup"
)

// CallTimeoutMS is the default invite lifetime, used for the ringing timeout
// on both sides.
const CallTimeoutMS = 60000

// FallbackSTUN is injected when a call is constructed with no TURN servers.
const FallbackSTUN = "stun:stun.l.google.com:19302"

// SessionDescription is a plain copy of an SDP description. Live wrapper
// objects from the media stack must never be placed on the wire — their
// serialization breaks certain engines.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"` // "offer" | "answer"
}

// CandidateInit is the standard ICE candidate shape (W3C RTCIceCandidateInit).
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// InvitePayload is the content of an m.call.invite event. Lifetime is in
// milliseconds.
type InvitePayload struct {
	Version  int                `json:"version"`
	CallID   string             `json:"call_id"`
	Offer    SessionDescription `json:"offer"`
	Lifetime int                `json:"lifetime"`
}

// AnswerPayload is the content of an m.call.answer event.
type AnswerPayload struct {
	Version int                `json:"version"`
	CallID  string             `json:"call_id"`
	Answer  SessionDescription `json:"answer"`
}

// CandidatesPayload is the content of an m.call.candidates event — trickled
// candidates are batched, in emission order.
type CandidatesPayload struct {
	Version    int             `json:"version"`
	CallID     string          `json:"call_id"`
	Candidates []CandidateInit `json:"candidates"`
}

// HangupPayload is the content of an m.call.hangup event.
type HangupPayload struct {
	Version int    `json:"version"`
	CallID  string `json:"call_id"`
	Reason  string `json:"reason"`
}

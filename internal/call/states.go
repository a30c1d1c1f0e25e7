package call

import "fmt"

// State is the lifecycle state of a Call.
//
// Outbound path: Fledgling → WaitLocalMedia → CreateOffer → InviteSent →
// Connecting → Connected → Ended.
// Inbound path: Fledgling → Ringing → WaitLocalMedia → CreateAnswer →
// Connecting → Connected → Ended.
type State int

const (
	// StateFledgling is the initial state: nothing has happened yet.
	StateFledgling State = iota
	// StateWaitLocalMedia means local capture has been requested.
	StateWaitLocalMedia
	// StateCreateOffer means local media is attached and an offer is being made.
	StateCreateOffer
	// StateCreateAnswer means local media is attached and an answer is being made.
	StateCreateAnswer
	// StateInviteSent means the invite was published; waiting for an answer.
	StateInviteSent
	// StateRinging means an inbound invite was applied; waiting for Answer().
	StateRinging
	// StateConnecting means descriptions are exchanged; ICE is probing.
	StateConnecting
	// StateConnected means ICE reached connected/completed.
	StateConnected
	// StateEnded is terminal and absorbing.
	StateEnded
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateFledgling:
		return "fledgling"
	case StateWaitLocalMedia:
		return "wait_local_media"
	case StateCreateOffer:
		return "create_offer"
	case StateCreateAnswer:
		return "create_answer"
	case StateInviteSent:
		return "invite_sent"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal returns true if the state is absorbing.
func (s State) IsTerminal() bool { return s == StateEnded }

// Direction indicates who placed the call.
type Direction int

const (
	DirectionUnset Direction = iota
	DirectionInbound
	DirectionOutbound
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unset"
	}
}

// CallType is the media type of a call, settled once tracks are known.
type CallType int

const (
	TypeUnset CallType = iota
	TypeVoice
	TypeVideo
)

// String returns the string representation of CallType.
func (t CallType) String() string {
	switch t {
	case TypeVoice:
		return "voice"
	case TypeVideo:
		return "video"
	default:
		return "unset"
	}
}

// Party identifies which side terminated a call.
type Party int

const (
	PartyUnset Party = iota
	PartyLocal
	PartyRemote
)

// String returns the string representation of Party.
func (p Party) String() string {
	switch p {
	case PartyLocal:
		return "local"
	case PartyRemote:
		return "remote"
	default:
		return "unset"
	}
}

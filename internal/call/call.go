package call

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var callSeq atomic.Int64

// mintCallID returns a call ID that is unique within this client session
// and sorts roughly by creation time.
func mintCallID() string {
	return fmt.Sprintf("c%d.%d", time.Now().UnixMilli(), callSeq.Add(1))
}

// Call drives one two-party call: it owns the state machine, dispatches
// user actions and inbound signalling, and instructs the MediaProvider.
//
// All mutations are serialized on c.mu. Suspending operations (capture,
// description creation, publish) run without the lock and re-check for the
// terminal state before mutating — entering ended is the cancellation token
// for every in-flight continuation.
type Call struct {
	roomID string
	signal Signaler
	media  MediaProvider
	minter URLMinter
	events *Events
	queue  *candidateQueue

	inviteLifetime time.Duration
	createdAt      time.Time

	// schedule is time.AfterFunc unless a test installs its own clock.
	// Expiry handlers re-check state, so fired timers for settled calls
	// are no-ops; nothing holds a cancel handle.
	schedule func(d time.Duration, fn func())

	mu           sync.Mutex
	id           string
	state        State
	direction    Direction
	callType     CallType
	hangupParty  Party
	hangupReason string
	didConnect   bool

	turn []ICEServer

	pc           PeerConn
	pcCreated    bool
	localStream  MediaStream
	remoteStream MediaStream

	localView  View
	remoteView View

	successor  *Call
	deferMedia bool
}

// New creates a Call bound to a room, in the fledgling state.
func New(opts Options) (*Call, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("call: room id is required")
	}
	if opts.Signal == nil {
		return nil, fmt.Errorf("call: signaler is required")
	}
	if opts.Media == nil {
		return nil, fmt.Errorf("call: media provider is required")
	}
	turn := opts.TurnServers
	if len(turn) == 0 {
		turn = []ICEServer{{URLs: []string{FallbackSTUN}}}
	}
	lifetime := opts.InviteLifetime
	if lifetime <= 0 {
		lifetime = CallTimeoutMS * time.Millisecond
	}
	id := mintCallID()
	c := &Call{
		roomID:         opts.RoomID,
		signal:         opts.Signal,
		media:          opts.Media,
		minter:         opts.Minter,
		events:         newEvents(),
		queue:          newCandidateQueue(opts.RoomID, id, opts.Signal),
		inviteLifetime: lifetime,
		createdAt:      time.Now(),
		schedule:       func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		id:             id,
		state:          StateFledgling,
		turn:           turn,
	}
	return c, nil
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// ID returns the call ID. For inbound calls it is the ID carried by the
// remote invite.
func (c *Call) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Call) RoomID() string       { return c.roomID }
func (c *Call) Events() *Events      { return c.events }
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

func (c *Call) Type() CallType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callType
}

func (c *Call) HangupParty() Party {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupParty
}

func (c *Call) HangupReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangupReason
}

// DidConnect reports whether ICE ever reached connected/completed.
func (c *Call) DidConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.didConnect
}

// TurnServers returns the configured TURN/STUN list (never empty).
func (c *Call) TurnServers() []ICEServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ICEServer, len(c.turn))
	copy(out, c.turn)
	return out
}

// ── User actions ──────────────────────────────────────────────────────────────

// PlaceVoice starts an outbound audio-only call.
func (c *Call) PlaceVoice() error {
	return c.place(TypeVoice, nil, nil)
}

// PlaceVideo starts an outbound video call, rendering local capture and the
// incoming remote stream into the given views when they become available.
func (c *Call) PlaceVideo(localView, remoteView View) error {
	return c.place(TypeVideo, localView, remoteView)
}

func (c *Call) place(t CallType, localView, remoteView View) error {
	// Capture failures surface only through the sink; refusing to start
	// without an error subscriber keeps them from going unobserved.
	if !c.events.HasErrorListener() {
		return &CallError{Code: ErrCodeNoErrorListener, Message: "register an error listener before placing a call"}
	}
	c.mu.Lock()
	if c.state != StateFledgling {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("call %s: cannot place in state %s", c.id, st)
	}
	c.direction = DirectionOutbound
	c.callType = t
	c.localView = localView
	c.remoteView = remoteView
	c.state = StateWaitLocalMedia
	c.mu.Unlock()

	log.Printf("CALL [%s]: placing %s call in room %s", c.id, t, c.roomID)
	go c.acquireMedia(t, c.gotUserMediaForInvite)
	return nil
}

// Answer accepts a ringing inbound call. During glare handoff the successor
// call may be answered while waiting for the predecessor's stream.
func (c *Call) Answer() error {
	c.mu.Lock()
	if c.state != StateRinging {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("call %s: cannot answer in state %s", c.id, st)
	}
	if c.deferMedia {
		// A predecessor call owns the capture; its stream is handed to our
		// answer path when it arrives.
		c.state = StateWaitLocalMedia
		c.mu.Unlock()
		log.Printf("CALL [%s]: answered, waiting for handed-over media", c.id)
		return nil
	}
	t := c.callType
	c.state = StateWaitLocalMedia
	c.mu.Unlock()

	log.Printf("CALL [%s]: answering %s call", c.id, t)
	go c.acquireMedia(t, c.gotUserMediaForAnswer)
	return nil
}

// Hangup terminates the call, publishes an m.call.hangup with the given
// reason, and transitions to ended. Idempotent.
func (c *Call) Hangup(reason string) {
	c.terminate(PartyLocal, reason, true, true)
}

// hangupSuppressed ends the call without publishing the room event; used
// after glare replacement, where the remote side keeps its active call.
func (c *Call) hangupSuppressed(reason string) {
	c.terminate(PartyLocal, reason, true, false)
}

// SetLocalView rebinds the local renderer.
func (c *Call) SetLocalView(v View) {
	c.mu.Lock()
	c.localView = v
	stream := c.localStream
	isVideo := c.callType == TypeVideo
	c.mu.Unlock()
	if v != nil && stream != nil && isVideo {
		c.renderInto(v, stream)
	}
}

// SetRemoteView rebinds the remote renderer and plays immediately when a
// remote stream is already present.
func (c *Call) SetRemoteView(v View) {
	c.mu.Lock()
	c.remoteView = v
	stream := c.remoteStream
	c.mu.Unlock()
	if v != nil && stream != nil {
		c.playRemote(v, stream)
	}
}

// ── Media acquisition ─────────────────────────────────────────────────────────

func (c *Call) acquireMedia(t CallType, deliver func(MediaStream)) {
	cons := CaptureConstraints{Audio: true}
	if t == TypeVideo {
		cons.Video = &VideoConstraints{MinWidth: 640, MaxWidth: 640, MinHeight: 360, MaxHeight: 360}
	}
	stream, err := c.media.Acquire(context.Background(), cons)
	if err != nil {
		log.Printf("CALL [%s]: capture failed: %v", c.ID(), err)
		c.events.emitError(ErrCodeNoUserMedia, err.Error())
		c.Hangup(ReasonUserMediaFailed)
		return
	}
	deliver(stream)
}

// gotUserMediaForInvite continues the outbound path once capture succeeds.
func (c *Call) gotUserMediaForInvite(stream MediaStream) {
	c.mu.Lock()
	if succ := c.successor; succ != nil {
		c.mu.Unlock()
		// We were replaced while waiting for permission; the stream belongs
		// to the successor's answer path now.
		succ.gotUserMediaForAnswer(stream)
		return
	}
	if c.state == StateEnded {
		c.mu.Unlock()
		stream.StopTracks()
		stream.Stop()
		return
	}
	stream.EnableAudio()
	c.localStream = stream
	c.state = StateCreateOffer
	lv := c.localView
	isVideo := c.callType == TypeVideo
	servers := adaptICEServers(c.media.Variant(), c.turn)
	c.mu.Unlock()

	if isVideo && lv != nil {
		c.renderInto(lv, stream)
	}

	pc, err := c.newPeerConn(servers)
	if err != nil {
		log.Printf("CALL [%s]: peer connection failed: %v", c.id, err)
		c.events.emitError(ErrCodeLocalOfferFailed, err.Error())
		return
	}
	if pc == nil {
		return // ended while creating
	}
	if err := pc.AddStream(stream); err != nil {
		log.Printf("CALL [%s]: attach stream: %v", c.id, err)
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		log.Printf("CALL [%s]: create offer failed: %v", c.id, err)
		c.events.emitError(ErrCodeLocalOfferFailed, err.Error())
		return
	}
	c.gotLocalOffer(pc, offer)
}

func (c *Call) gotLocalOffer(pc PeerConn, offer SessionDescription) {
	if c.State() == StateEnded {
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Printf("CALL [%s]: set local offer failed: %v", c.id, err)
		c.events.emitError(ErrCodeLocalOfferFailed, err.Error())
		return
	}

	content := InvitePayload{
		Version:  0,
		CallID:   c.ID(),
		Offer:    offer,
		Lifetime: int(c.inviteLifetime / time.Millisecond),
	}
	if err := c.signal.Publish(context.Background(), c.roomID, EventInvite, content); err != nil {
		// The invite timer below still fires and cleans up the call.
		log.Printf("CALL [%s]: invite publish failed: %v", c.id, err)
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateInviteSent
	c.schedule(c.inviteLifetime, c.inviteExpired)
	c.mu.Unlock()
	log.Printf("CALL [%s]: invite sent (lifetime %v)", c.id, c.inviteLifetime)
}

func (c *Call) inviteExpired() {
	c.mu.Lock()
	if c.state != StateInviteSent {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	log.Printf("CALL [%s]: nobody answered", c.id)
	c.Hangup(ReasonInviteTimeout)
}

// gotUserMediaForAnswer continues the inbound path once capture succeeds,
// or once a replaced predecessor hands its stream over.
func (c *Call) gotUserMediaForAnswer(stream MediaStream) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		stream.StopTracks()
		stream.Stop()
		return
	}
	stream.EnableAudio()
	c.localStream = stream
	lv := c.localView
	isVideo := c.callType == TypeVideo
	pc := c.pc
	// Set before the answer is requested so that concurrent messages
	// arriving during negotiation are classified correctly.
	c.state = StateCreateAnswer
	c.mu.Unlock()

	if isVideo && lv != nil {
		c.renderInto(lv, stream)
	}
	if pc == nil {
		log.Printf("CALL [%s]: no peer connection for answer", c.id)
		return
	}
	if err := pc.AddStream(stream); err != nil {
		log.Printf("CALL [%s]: attach stream: %v", c.id, err)
	}

	answer, err := pc.CreateAnswer(RecvConstraints{
		OfferToReceiveAudio: true,
		OfferToReceiveVideo: isVideo,
	})
	if err != nil {
		log.Printf("CALL [%s]: create answer failed: %v", c.id, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("CALL [%s]: set local answer failed: %v", c.id, err)
		return
	}

	content := AnswerPayload{Version: 0, CallID: c.ID(), Answer: answer}
	if err := c.signal.Publish(context.Background(), c.roomID, EventAnswer, content); err != nil {
		log.Printf("CALL [%s]: answer publish failed: %v", c.id, err)
	}

	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	log.Printf("CALL [%s]: answer sent", c.id)
}

// ── Inbound signalling intake ─────────────────────────────────────────────────

// OnInvite applies an inbound m.call.invite. ageMS is how long the event
// spent in transit before delivery; it shortens the ringing timeout.
func (c *Call) OnInvite(payload InvitePayload, ageMS int64) error {
	c.mu.Lock()
	if c.state != StateFledgling {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("call %s: invite in state %s", c.id, st)
	}
	c.direction = DirectionInbound
	c.id = payload.CallID
	c.queue.setCallID(payload.CallID)
	if payload.Lifetime > 0 {
		c.inviteLifetime = time.Duration(payload.Lifetime) * time.Millisecond
	}
	if strings.Contains(payload.Offer.SDP, "m=video") {
		c.callType = TypeVideo
	} else {
		c.callType = TypeVoice
	}
	servers := adaptICEServers(c.media.Variant(), c.turn)
	c.mu.Unlock()

	pc, err := c.newPeerConn(servers)
	if err != nil {
		return fmt.Errorf("call %s: peer connection: %w", payload.CallID, err)
	}
	if pc == nil {
		return nil // ended while creating
	}
	if err := pc.SetRemoteDescription(payload.Offer); err != nil {
		return fmt.Errorf("call %s: apply remote offer: %w", payload.CallID, err)
	}

	timeout := c.inviteLifetime - time.Duration(ageMS)*time.Millisecond
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.state = StateRinging
	c.schedule(timeout, c.ringExpired)
	c.mu.Unlock()
	log.Printf("CALL [%s]: ringing (%s, expires in %v)", c.id, c.Type(), timeout)
	return nil
}

func (c *Call) ringExpired() {
	c.mu.Lock()
	if c.state != StateRinging {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	log.Printf("CALL [%s]: invite expired without answer", c.id)
	c.terminate(PartyRemote, ReasonInviteTimeout, true, false)
}

// OnAnswer applies a remote m.call.answer. Answers after the call ended
// are dropped.
func (c *Call) OnAnswer(payload AnswerPayload) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		log.Printf("CALL [%s]: dropping answer, call ended", c.id)
		return
	}
	pc := c.pc
	c.mu.Unlock()

	if pc == nil {
		log.Printf("CALL [%s]: dropping answer, no peer connection", c.id)
		return
	}
	if err := pc.SetRemoteDescription(payload.Answer); err != nil {
		log.Printf("CALL [%s]: apply remote answer: %v", c.id, err)
		return
	}
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	log.Printf("CALL [%s]: remote answered, connecting", c.id)
}

// OnCandidates feeds remote trickled candidates to the peer connection.
// ICE is best-effort: per-candidate failures are logged and swallowed.
func (c *Call) OnCandidates(payload CandidatesPayload) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		log.Printf("CALL [%s]: dropping %d candidates, no peer connection", c.id, len(payload.Candidates))
		return
	}
	for _, cand := range payload.Candidates {
		if err := pc.AddRemoteCandidate(cand); err != nil {
			log.Printf("CALL [%s]: add candidate: %v", c.id, err)
		}
	}
}

// OnHangup applies a remote m.call.hangup.
func (c *Call) OnHangup(payload HangupPayload) {
	c.terminate(PartyRemote, payload.Reason, true, false)
}

// OnAnsweredElsewhere ends a ringing call that another of our sessions
// answered. No hangup event goes out — the remote peer is in an active
// call with that session.
func (c *Call) OnAnsweredElsewhere() {
	log.Printf("CALL [%s]: answered elsewhere", c.ID())
	c.terminate(PartyRemote, ReasonAnsweredElsewhere, true, false)
}

// ── Peer-connection callbacks ─────────────────────────────────────────────────

// newPeerConn creates the call's single peer connection with callbacks
// installed. Returns (nil, nil) when the call ended mid-creation.
func (c *Call) newPeerConn(servers []ICEServer) (PeerConn, error) {
	c.mu.Lock()
	if c.pcCreated {
		c.mu.Unlock()
		return nil, fmt.Errorf("peer connection already created")
	}
	c.pcCreated = true
	c.mu.Unlock()

	pc, err := c.media.NewPeerConn(servers, PeerConnCallbacks{
		OnLocalCandidate:       c.onLocalCandidate,
		OnRemoteStream:         c.onRemoteStream,
		OnICEStateChange:       c.onICEStateChange,
		OnSignalingStateChange: c.onSignalingStateChange,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		pc.Close()
		return nil, nil
	}
	c.pc = pc
	c.mu.Unlock()
	return pc, nil
}

func (c *Call) onLocalCandidate(cand CandidateInit) {
	c.mu.Lock()
	ended := c.state == StateEnded
	c.mu.Unlock()
	if ended {
		return
	}
	c.queue.Enqueue(cand)
}

func (c *Call) onICEStateChange(s ICEState) {
	switch s {
	case ICEConnected, ICECompleted:
		c.mu.Lock()
		if c.state == StateEnded {
			c.mu.Unlock()
			return
		}
		c.didConnect = true
		c.state = StateConnected
		c.mu.Unlock()
		log.Printf("CALL [%s]: ICE %s, call connected", c.id, s)
	case ICEFailed:
		log.Printf("CALL [%s]: ICE failed", c.id)
		c.Hangup(ReasonICEFailed)
	}
}

func (c *Call) onSignalingStateChange(state string) {
	log.Printf("CALL [%s]: signalling state %s", c.ID(), state)
}

func (c *Call) onRemoteStream(stream MediaStream) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.remoteStream = stream
	if c.direction == DirectionInbound && c.callType == TypeUnset {
		if stream.HasVideo() {
			c.callType = TypeVideo
		} else {
			c.callType = TypeVoice
		}
	}
	rv := c.remoteView
	c.mu.Unlock()

	stream.OnEnded(func() {
		log.Printf("CALL [%s]: remote stream ended", c.ID())
		c.terminate(PartyRemote, ReasonRemoteStreamEnded, true, false)
	})
	if rv != nil {
		c.playRemote(rv, stream)
	}
}

// playRemote renders the remote stream. For providers that cannot surface
// ICE state changes, successful playback is the connected transition.
func (c *Call) playRemote(view View, stream MediaStream) {
	if !c.renderInto(view, stream) {
		return
	}
	if c.media.ConnectedOnPlay() {
		c.mu.Lock()
		if c.state != StateEnded {
			c.didConnect = true
			c.state = StateConnected
		}
		c.mu.Unlock()
	}
}

func (c *Call) renderInto(view View, stream MediaStream) bool {
	if c.minter == nil {
		log.Printf("CALL [%s]: no url minter, cannot render", c.ID())
		return false
	}
	url, err := c.minter.MintURL(stream)
	if err != nil {
		log.Printf("CALL [%s]: mint stream url: %v", c.ID(), err)
		return false
	}
	view.SetSource(url)
	if err := view.Play(); err != nil {
		log.Printf("CALL [%s]: play: %v", c.ID(), err)
		return false
	}
	return true
}

// ── Replacement (glare handoff) ───────────────────────────────────────────────

// ReplacedBy hands this call's resources to newCall and ends this call
// without publishing a hangup event. The successor receives the captured
// stream on its answer path — immediately if capture already finished,
// or when it completes.
func (c *Call) ReplacedBy(newCall *Call) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.successor = newCall
	st := c.state
	lv, rv := c.localView, c.remoteView
	var stream MediaStream
	switch st {
	case StateCreateOffer, StateInviteSent:
		// Ownership of the captured stream moves to the successor.
		stream = c.localStream
		c.localStream = nil
	}
	c.mu.Unlock()

	newCall.adoptViews(lv, rv)
	if st == StateWaitLocalMedia {
		newCall.markDeferMedia()
	}
	log.Printf("CALL [%s]: replaced by %s", c.ID(), newCall.ID())
	if stream != nil {
		newCall.gotUserMediaForAnswer(stream)
	}
	c.events.emitReplaced(newCall)
	c.hangupSuppressed(ReasonReplaced)
}

func (c *Call) adoptViews(local, remote View) {
	c.mu.Lock()
	if c.localView == nil {
		c.localView = local
	}
	if c.remoteView == nil {
		c.remoteView = remote
	}
	c.mu.Unlock()
}

// markDeferMedia tells a successor call that its local stream will arrive
// from the predecessor's pending capture rather than its own acquisition.
func (c *Call) markDeferMedia() {
	c.mu.Lock()
	c.deferMedia = true
	c.mu.Unlock()
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func (c *Call) terminate(party Party, reason string, emitEvent, publishEvent bool) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnded
	if c.hangupParty == PartyUnset {
		c.hangupParty = party
	}
	if c.hangupReason == "" {
		c.hangupReason = reason
	}
	local, remote := c.localStream, c.remoteStream
	c.localStream, c.remoteStream = nil, nil
	lv, rv := c.localView, c.remoteView
	pc := c.pc
	c.pc = nil
	callID := c.id
	c.mu.Unlock()

	if lv != nil {
		lv.Pause()
	}
	if rv != nil {
		rv.Pause()
	}
	if local != nil {
		local.StopTracks()
		local.Stop()
	}
	if remote != nil {
		remote.StopTracks()
		remote.Stop()
	}
	if pc != nil {
		// Locally initiated hangups close unconditionally; otherwise skip
		// a peer connection whose signalling already closed remotely.
		if party == PartyLocal || !pc.SignalingClosed() {
			pc.Close()
		}
	}
	log.Printf("CALL [%s]: ended (%s, %q)", callID, party, reason)

	if publishEvent {
		content := HangupPayload{Version: 0, CallID: callID, Reason: reason}
		if err := c.signal.Publish(context.Background(), c.roomID, EventHangup, content); err != nil {
			log.Printf("CALL [%s]: hangup publish failed: %v", callID, err)
		}
	}
	if emitEvent {
		c.events.emitHangup(c)
	}
}

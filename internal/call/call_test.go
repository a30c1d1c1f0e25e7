package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ── Port fakes ────────────────────────────────────────────────────────────────

type fakeStream struct {
	mu            sync.Mutex
	id            string
	video         bool
	tracksStopped bool
	stopped       bool
	ended         []func()
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) HasVideo() bool {
	return s.video
}
func (s *fakeStream) EnableAudio() {}
func (s *fakeStream) StopTracks() {
	s.mu.Lock()
	s.tracksStopped = true
	s.mu.Unlock()
}
func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
func (s *fakeStream) OnEnded(fn func()) {
	s.mu.Lock()
	s.ended = append(s.ended, fn)
	s.mu.Unlock()
}
func (s *fakeStream) fireEnded() {
	s.mu.Lock()
	fns := append([]func(){}, s.ended...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
func (s *fakeStream) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracksStopped
}

type fakePC struct {
	mu          sync.Mutex
	offer       SessionDescription
	answer      SessionDescription
	offerErr    error
	remoteDesc  SessionDescription
	localDesc   SessionDescription
	streams     []MediaStream
	remoteCands []CandidateInit
	recv        RecvConstraints
	closed      int
	sigClosed   bool
}

func (p *fakePC) AddStream(s MediaStream) error {
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return nil
}
func (p *fakePC) SetRemoteDescription(d SessionDescription) error {
	p.mu.Lock()
	p.remoteDesc = d
	p.mu.Unlock()
	return nil
}
func (p *fakePC) SetLocalDescription(d SessionDescription) error {
	p.mu.Lock()
	p.localDesc = d
	p.mu.Unlock()
	return nil
}
func (p *fakePC) CreateOffer() (SessionDescription, error) {
	if p.offerErr != nil {
		return SessionDescription{}, p.offerErr
	}
	return p.offer, nil
}
func (p *fakePC) CreateAnswer(recv RecvConstraints) (SessionDescription, error) {
	p.mu.Lock()
	p.recv = recv
	p.mu.Unlock()
	return p.answer, nil
}
func (p *fakePC) AddRemoteCandidate(c CandidateInit) error {
	p.mu.Lock()
	p.remoteCands = append(p.remoteCands, c)
	p.mu.Unlock()
	return nil
}
func (p *fakePC) SignalingClosed() bool { return p.sigClosed }
func (p *fakePC) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}
func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeProvider struct {
	mu         sync.Mutex
	stream     *fakeStream
	pc         *fakePC
	acquireErr error
	acquired   []CaptureConstraints
	cb         PeerConnCallbacks
	variant    Variant
	onPlay     bool
	servers    []ICEServer
}

func (f *fakeProvider) Acquire(_ context.Context, c CaptureConstraints) (MediaStream, error) {
	f.mu.Lock()
	f.acquired = append(f.acquired, c)
	f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.stream, nil
}
func (f *fakeProvider) NewPeerConn(servers []ICEServer, cb PeerConnCallbacks) (PeerConn, error) {
	f.mu.Lock()
	f.servers = servers
	f.cb = cb
	f.mu.Unlock()
	return f.pc, nil
}
func (f *fakeProvider) Variant() Variant {
	if f.variant == "" {
		return VariantGeneric
	}
	return f.variant
}
func (f *fakeProvider) ConnectedOnPlay() bool { return f.onPlay }

func (f *fakeProvider) callbacks() PeerConnCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

// ── Helpers ───────────────────────────────────────────────────────────────────

const audioOfferSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"
const videoOfferSDP = "v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		stream: &fakeStream{id: "local"},
		pc: &fakePC{
			offer:  SessionDescription{SDP: audioOfferSDP, Type: "offer"},
			answer: SessionDescription{SDP: audioOfferSDP, Type: "answer"},
		},
	}
}

func newTestCall(t *testing.T, sig Signaler, prov MediaProvider, sched *stubScheduler) *Call {
	t.Helper()
	c, err := New(Options{RoomID: "!room", Signal: sig, Media: prov})
	if err != nil {
		t.Fatal(err)
	}
	if sched != nil {
		c.schedule = sched.schedule
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *recordingSignal) eventsOf(eventType string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for i, et := range s.events {
		if et == eventType {
			out = append(out, s.contents[i])
		}
	}
	return out
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestPlaceRequiresErrorListener(t *testing.T) {
	c := newTestCall(t, &recordingSignal{}, newFakeProvider(), nil)
	err := c.PlaceVoice()
	ce, ok := err.(*CallError)
	if !ok || ce.Code != ErrCodeNoErrorListener {
		t.Fatalf("expected %s, got %v", ErrCodeNoErrorListener, err)
	}
	if c.State() != StateFledgling {
		t.Fatalf("state moved without listener: %s", c.State())
	}
}

func TestFallbackSTUNInjected(t *testing.T) {
	c := newTestCall(t, &recordingSignal{}, newFakeProvider(), nil)
	servers := c.TurnServers()
	if len(servers) != 1 || len(servers[0].URLs) != 1 || servers[0].URLs[0] != FallbackSTUN {
		t.Fatalf("expected fallback STUN entry, got %+v", servers)
	}
}

func TestHappyOutboundVoiceCall(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	sched := &stubScheduler{}
	c := newTestCall(t, sig, prov, sched)
	c.Events().OnError(func(code, msg string) { t.Errorf("unexpected error %s: %s", code, msg) })
	var hangups []*Call
	var hangupMu sync.Mutex
	c.Events().OnHangup(func(ended *Call) {
		hangupMu.Lock()
		hangups = append(hangups, ended)
		hangupMu.Unlock()
	})

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	if c.Direction() != DirectionOutbound || c.Type() != TypeVoice {
		t.Fatalf("direction/type wrong: %s/%s", c.Direction(), c.Type())
	}
	waitFor(t, "invite sent", func() bool { return c.State() == StateInviteSent })

	prov.mu.Lock()
	cons := prov.acquired[0]
	prov.mu.Unlock()
	if !cons.Audio || cons.Video != nil {
		t.Fatalf("voice call requested wrong capture: %+v", cons)
	}

	invites := sig.eventsOf(EventInvite)
	if len(invites) != 1 {
		t.Fatalf("expected 1 invite, got %d", len(invites))
	}
	inv := invites[0].(InvitePayload)
	if inv.Version != 0 || inv.CallID != c.ID() || inv.Lifetime != CallTimeoutMS {
		t.Fatalf("bad invite payload: %+v", inv)
	}
	if inv.Offer.Type != "offer" || inv.Offer.SDP != audioOfferSDP {
		t.Fatalf("bad offer: %+v", inv.Offer)
	}
	if got := prov.pc.localDesc; got != inv.Offer {
		t.Fatalf("local description not set to offer: %+v", got)
	}

	c.OnAnswer(AnswerPayload{Version: 0, CallID: c.ID(), Answer: SessionDescription{SDP: audioOfferSDP, Type: "answer"}})
	if c.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}

	prov.callbacks().OnICEStateChange(ICEConnected)
	if c.State() != StateConnected || !c.DidConnect() {
		t.Fatalf("expected connected with didConnect, got %s/%v", c.State(), c.DidConnect())
	}

	c.Hangup("user_hangup")
	if c.State() != StateEnded {
		t.Fatalf("expected ended, got %s", c.State())
	}
	if c.HangupParty() != PartyLocal || c.HangupReason() != "user_hangup" {
		t.Fatalf("bad hangup record: %s/%s", c.HangupParty(), c.HangupReason())
	}
	hups := sig.eventsOf(EventHangup)
	if len(hups) != 1 || hups[0].(HangupPayload).Reason != "user_hangup" {
		t.Fatalf("expected 1 hangup event, got %+v", hups)
	}
	hangupMu.Lock()
	n := len(hangups)
	hangupMu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 hangup emission, got %d", n)
	}
	if prov.pc.closeCount() != 1 {
		t.Fatalf("peer connection closed %d times", prov.pc.closeCount())
	}
	if !prov.stream.wasStopped() {
		t.Fatal("local stream not stopped on terminate")
	}
}

func TestInviteTimeout(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	sched := &stubScheduler{}
	c := newTestCall(t, sig, prov, sched)
	c.Events().OnError(func(string, string) {})
	var emissions int
	var mu sync.Mutex
	c.Events().OnHangup(func(*Call) { mu.Lock(); emissions++; mu.Unlock() })

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return c.State() == StateInviteSent })

	if len(sched.delays) != 1 || sched.delays[0] != CallTimeoutMS*time.Millisecond {
		t.Fatalf("expected invite timer of %dms, got %v", CallTimeoutMS, sched.delays)
	}
	sched.runNext(t)

	if c.State() != StateEnded || c.HangupReason() != ReasonInviteTimeout {
		t.Fatalf("expected invite_timeout end, got %s/%s", c.State(), c.HangupReason())
	}
	mu.Lock()
	n := emissions
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected single hangup emission, got %d", n)
	}
	if prov.pc.closeCount() != 1 {
		t.Fatal("peer connection not closed")
	}
}

func TestInboundAgedInvite(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	sched := &stubScheduler{}
	c := newTestCall(t, sig, prov, sched)

	err := c.OnInvite(InvitePayload{
		Version: 0, CallID: "c100.1",
		Offer:    SessionDescription{SDP: audioOfferSDP, Type: "offer"},
		Lifetime: 60000,
	}, 45000)
	if err != nil {
		t.Fatal(err)
	}
	if c.State() != StateRinging || c.Direction() != DirectionInbound {
		t.Fatalf("expected inbound ringing, got %s/%s", c.State(), c.Direction())
	}
	if c.ID() != "c100.1" {
		t.Fatalf("call did not adopt remote id: %s", c.ID())
	}
	if c.Type() != TypeVoice {
		t.Fatalf("audio-only offer inferred as %s", c.Type())
	}
	if len(sched.delays) != 1 || sched.delays[0] != 15*time.Second {
		t.Fatalf("expected 15s ringing timer, got %v", sched.delays)
	}

	sched.runNext(t)
	if c.State() != StateEnded || c.HangupParty() != PartyRemote || c.HangupReason() != ReasonInviteTimeout {
		t.Fatalf("expected remote invite_timeout, got %s/%s/%s", c.State(), c.HangupParty(), c.HangupReason())
	}
	// Ringing expiry is a remote-side event: nothing goes out.
	if n := len(sig.eventsOf(EventHangup)); n != 0 {
		t.Fatalf("ringing expiry published %d hangup events", n)
	}
}

func TestInboundVideoAnswerPath(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	prov.stream.video = true
	sched := &stubScheduler{}
	c := newTestCall(t, sig, prov, sched)

	err := c.OnInvite(InvitePayload{
		Version: 0, CallID: "c200.1",
		Offer:    SessionDescription{SDP: videoOfferSDP, Type: "offer"},
		Lifetime: 60000,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type() != TypeVideo {
		t.Fatalf("video offer inferred as %s", c.Type())
	}
	if got := prov.pc.remoteDesc.SDP; got != videoOfferSDP {
		t.Fatal("remote offer not applied")
	}

	if err := c.Answer(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connecting", func() bool { return c.State() == StateConnecting })

	prov.mu.Lock()
	cons := prov.acquired[0]
	prov.mu.Unlock()
	if cons.Video == nil || cons.Video.MaxWidth != 640 || cons.Video.MaxHeight != 360 {
		t.Fatalf("video capture constraints wrong: %+v", cons.Video)
	}
	if recv := prov.pc.recv; !recv.OfferToReceiveAudio || !recv.OfferToReceiveVideo {
		t.Fatalf("answer constraints wrong: %+v", recv)
	}
	answers := sig.eventsOf(EventAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 1 answer event, got %d", len(answers))
	}
	ap := answers[0].(AnswerPayload)
	if ap.CallID != "c200.1" || ap.Answer.Type != "answer" {
		t.Fatalf("bad answer payload: %+v", ap)
	}
}

func TestCaptureDeniedHangsUp(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	prov.acquireErr = fmt.Errorf("permission denied")
	c := newTestCall(t, sig, prov, nil)

	var code string
	var mu sync.Mutex
	c.Events().OnError(func(cd, _ string) { mu.Lock(); code = cd; mu.Unlock() })

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ended", func() bool { return c.State() == StateEnded })

	mu.Lock()
	got := code
	mu.Unlock()
	if got != ErrCodeNoUserMedia {
		t.Fatalf("expected %s, got %q", ErrCodeNoUserMedia, got)
	}
	if c.HangupReason() != ReasonUserMediaFailed {
		t.Fatalf("expected auto-hangup, reason %q", c.HangupReason())
	}
	if n := len(sig.eventsOf(EventHangup)); n != 1 {
		t.Fatalf("expected hangup published, got %d", n)
	}
}

func TestOfferFailureEmitsErrorWithoutHangup(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	prov.pc.offerErr = fmt.Errorf("no codecs")
	c := newTestCall(t, sig, prov, nil)

	var code string
	var mu sync.Mutex
	c.Events().OnError(func(cd, _ string) { mu.Lock(); code = cd; mu.Unlock() })

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "error emission", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return code != ""
	})
	mu.Lock()
	got := code
	mu.Unlock()
	if got != ErrCodeLocalOfferFailed {
		t.Fatalf("expected %s, got %q", ErrCodeLocalOfferFailed, got)
	}
	if c.State() == StateEnded {
		t.Fatal("offer failure must not auto-hangup")
	}
}

func TestEndedIsAbsorbing(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	c := newTestCall(t, sig, prov, &stubScheduler{})
	c.Events().OnError(func(string, string) {})
	var emissions int
	var mu sync.Mutex
	c.Events().OnHangup(func(*Call) { mu.Lock(); emissions++; mu.Unlock() })

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return c.State() == StateInviteSent })
	c.Hangup(ReasonUserHangup)

	// Everything after ended is an idempotent no-op.
	c.OnAnswer(AnswerPayload{CallID: c.ID(), Answer: SessionDescription{SDP: "x", Type: "answer"}})
	c.OnCandidates(CandidatesPayload{CallID: c.ID(), Candidates: []CandidateInit{cand("late")}})
	c.OnHangup(HangupPayload{CallID: c.ID(), Reason: "too_late"})
	prov.callbacks().OnICEStateChange(ICEConnected)
	prov.callbacks().OnLocalCandidate(cand("post"))
	c.Hangup("again")

	if c.State() != StateEnded || c.HangupParty() != PartyLocal || c.HangupReason() != ReasonUserHangup {
		t.Fatalf("terminal fields mutated: %s/%s/%s", c.State(), c.HangupParty(), c.HangupReason())
	}
	if c.DidConnect() {
		t.Fatal("didConnect set after ended")
	}
	if len(prov.pc.remoteCands) != 0 {
		t.Fatal("candidate applied after ended")
	}
	if q := c.queue.Len(); q != 0 {
		t.Fatalf("candidates queued after ended: %d", q)
	}
	mu.Lock()
	n := emissions
	mu.Unlock()
	if n != 1 {
		t.Fatalf("hangup emitted %d times", n)
	}
	if prov.pc.closeCount() != 1 {
		t.Fatalf("peer connection closed %d times", prov.pc.closeCount())
	}
}

func TestRemoteHangup(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	c := newTestCall(t, sig, prov, &stubScheduler{})

	err := c.OnInvite(InvitePayload{
		CallID: "c300.1", Offer: SessionDescription{SDP: audioOfferSDP, Type: "offer"}, Lifetime: 60000,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.OnHangup(HangupPayload{CallID: "c300.1", Reason: "user_hangup"})
	if c.HangupParty() != PartyRemote || c.HangupReason() != "user_hangup" {
		t.Fatalf("bad remote hangup record: %s/%s", c.HangupParty(), c.HangupReason())
	}
	if n := len(sig.eventsOf(EventHangup)); n != 0 {
		t.Fatalf("remote hangup echoed %d hangup events", n)
	}
}

func TestAnsweredElsewhere(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	c := newTestCall(t, sig, prov, &stubScheduler{})

	err := c.OnInvite(InvitePayload{
		CallID: "c400.1", Offer: SessionDescription{SDP: audioOfferSDP, Type: "offer"}, Lifetime: 60000,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.OnAnsweredElsewhere()
	if c.State() != StateEnded || c.HangupReason() != ReasonAnsweredElsewhere {
		t.Fatalf("expected answered_elsewhere end, got %s/%s", c.State(), c.HangupReason())
	}
	if n := len(sig.eventsOf(EventHangup)); n != 0 {
		t.Fatalf("answered-elsewhere published %d hangup events", n)
	}
}

func TestRemoteStreamEndedIsRemoteHangup(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	c := newTestCall(t, sig, prov, &stubScheduler{})
	c.Events().OnError(func(string, string) {})

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return c.State() == StateInviteSent })

	remote := &fakeStream{id: "remote"}
	prov.callbacks().OnRemoteStream(remote)
	remote.fireEnded()

	if c.State() != StateEnded || c.HangupParty() != PartyRemote || c.HangupReason() != ReasonRemoteStreamEnded {
		t.Fatalf("expected remote stream-ended hangup, got %s/%s/%s", c.State(), c.HangupParty(), c.HangupReason())
	}
}

func TestICEFailedHangsUp(t *testing.T) {
	sig := &recordingSignal{}
	prov := newFakeProvider()
	c := newTestCall(t, sig, prov, &stubScheduler{})
	c.Events().OnError(func(string, string) {})

	if err := c.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return c.State() == StateInviteSent })

	prov.callbacks().OnICEStateChange(ICEFailed)
	if c.State() != StateEnded || c.HangupReason() != ReasonICEFailed {
		t.Fatalf("expected ice_failed end, got %s/%s", c.State(), c.HangupReason())
	}
	if n := len(sig.eventsOf(EventHangup)); n != 1 {
		t.Fatalf("expected hangup published, got %d", n)
	}
}

func TestGlareHandoff(t *testing.T) {
	sig := &recordingSignal{}
	provA := newFakeProvider()
	provB := newFakeProvider()
	sched := &stubScheduler{}

	a := newTestCall(t, sig, provA, sched)
	a.Events().OnError(func(string, string) {})
	var replaced *Call
	var mu sync.Mutex
	a.Events().OnReplaced(func(succ *Call) { mu.Lock(); replaced = succ; mu.Unlock() })

	if err := a.PlaceVoice(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return a.State() == StateInviteSent })
	aID := a.ID()

	b := newTestCall(t, sig, provB, sched)
	err := b.OnInvite(InvitePayload{
		CallID: "c0.remote", Offer: SessionDescription{SDP: audioOfferSDP, Type: "offer"}, Lifetime: 60000,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	a.ReplacedBy(b)

	// A's captured stream moved to B's answer path.
	provB.pc.mu.Lock()
	attached := len(provB.pc.streams) == 1 && provB.pc.streams[0] == MediaStream(provA.stream)
	provB.pc.mu.Unlock()
	if !attached {
		t.Fatal("stream was not handed to the successor")
	}
	if provA.stream.wasStopped() {
		t.Fatal("handed-over stream must not be stopped by the old call")
	}
	if b.State() != StateConnecting {
		t.Fatalf("successor did not run its answer path: %s", b.State())
	}
	if len(sig.eventsOf(EventAnswer)) != 1 {
		t.Fatal("successor did not publish an answer")
	}

	mu.Lock()
	got := replaced
	mu.Unlock()
	if got != b {
		t.Fatal("replaced emission missing or wrong")
	}
	if a.State() != StateEnded || a.HangupReason() != ReasonReplaced {
		t.Fatalf("old call not ended as replaced: %s/%s", a.State(), a.HangupReason())
	}
	// Replacement never publishes a hangup for the old call.
	for _, h := range sig.eventsOf(EventHangup) {
		if h.(HangupPayload).CallID == aID {
			t.Fatal("replacement published a hangup event")
		}
	}
}

func TestAdaptICEServersMozilla(t *testing.T) {
	in := []ICEServer{{URLs: []string{"stun:a", "turn:b"}, Username: "u", Credential: "p"}}
	out := adaptICEServers(VariantMozilla, in)
	if len(out) != 2 || out[0].URLs[0] != "stun:a" || out[1].URLs[0] != "turn:b" {
		t.Fatalf("mozilla split wrong: %+v", out)
	}
	if out[1].Username != "u" || out[1].Credential != "p" {
		t.Fatal("credentials lost in split")
	}
	same := adaptICEServers(VariantGeneric, in)
	if len(same) != 1 {
		t.Fatalf("generic shape must pass through, got %+v", same)
	}
}

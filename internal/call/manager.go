package call

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/roomcall/internal/util"
)

// traceDepth is how many recent signalling events the manager retains for
// diagnostics.
const traceDepth = 128

// Recorder receives terminated calls for the call log.
type Recorder interface {
	Record(c *Call)
	// RecordSynthetic logs a hangup observed for a call this session never
	// held — shown in history as a call that ended elsewhere.
	RecordSynthetic(roomID, callID, reason string, ts time.Time)
}

// TraceEntry is one row of the manager's recent-signalling trace.
type TraceEntry struct {
	Time   time.Time `json:"time"`
	Room   string    `json:"room"`
	Type   string    `json:"type"`
	CallID string    `json:"call_id"`
	From   string    `json:"from"`
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Signal Signaler
	Media  MediaProvider
	Minter URLMinter
	// TurnServers seed every new call; see SetTurnServers for hot reload.
	TurnServers    []ICEServer
	InviteLifetime time.Duration
	// Recorder is optional.
	Recorder Recorder
}

// Manager owns live calls and routes inbound room envelopes to them. The
// hosting application feeds envelopes via HandleEnvelope and learns about
// inbound calls via OnIncoming.
type Manager struct {
	signal   Signaler
	media    MediaProvider
	minter   URLMinter
	lifetime time.Duration
	recorder Recorder

	turnMu sync.RWMutex
	turn   []ICEServer

	mu     sync.RWMutex
	byID   map[string]*Call
	byRoom map[string]*Call
	seen   map[string]struct{}

	incomingMu sync.RWMutex
	incoming   []func(*Call)

	trace *util.RingBuffer[TraceEntry]
}

// NewManager creates a call manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		signal:   opts.Signal,
		media:    opts.Media,
		minter:   opts.Minter,
		lifetime: opts.InviteLifetime,
		recorder: opts.Recorder,
		turn:     opts.TurnServers,
		byID:     make(map[string]*Call),
		byRoom:   make(map[string]*Call),
		seen:     make(map[string]struct{}),
		trace:    util.NewRingBuffer[TraceEntry](traceDepth),
	}
}

// OnIncoming registers a callback fired for each inbound ringing call.
func (m *Manager) OnIncoming(fn func(*Call)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// SetTurnServers replaces the TURN list used for calls created afterwards.
// Live calls keep the list they were built with.
func (m *Manager) SetTurnServers(servers []ICEServer) {
	m.turnMu.Lock()
	m.turn = servers
	m.turnMu.Unlock()
	log.Printf("CALL: turn server list updated (%d entries)", len(servers))
}

func (m *Manager) turnServers() []ICEServer {
	m.turnMu.RLock()
	defer m.turnMu.RUnlock()
	out := make([]ICEServer, len(m.turn))
	copy(out, m.turn)
	return out
}

// CreateCall constructs a fledgling call bound to roomID and registers it.
// The caller subscribes to its Events and then places it.
func (m *Manager) CreateCall(roomID string) (*Call, error) {
	c, err := m.newCall(roomID)
	if err != nil {
		return nil, err
	}
	m.register(c)
	return c, nil
}

// Get returns the live call with the given ID, if any.
func (m *Manager) Get(callID string) (*Call, bool) {
	m.mu.RLock()
	c, ok := m.byID[callID]
	m.mu.RUnlock()
	return c, ok
}

// ActiveInRoom returns the live call bound to roomID, if any.
func (m *Manager) ActiveInRoom(roomID string) (*Call, bool) {
	m.mu.RLock()
	c, ok := m.byRoom[roomID]
	m.mu.RUnlock()
	return c, ok
}

// Recent returns the recent signalling trace, oldest first.
func (m *Manager) Recent() []TraceEntry {
	return m.trace.Snapshot()
}

// Close hangs up all live calls.
func (m *Manager) Close() {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.byID))
	for _, c := range m.byID {
		calls = append(calls, c)
	}
	m.mu.Unlock()
	for _, c := range calls {
		c.Hangup(ReasonUserHangup)
	}
}

func (m *Manager) newCall(roomID string) (*Call, error) {
	return New(Options{
		RoomID:         roomID,
		Signal:         m.signal,
		Media:          m.media,
		Minter:         m.minter,
		TurnServers:    m.turnServers(),
		InviteLifetime: m.lifetime,
	})
}

func (m *Manager) register(c *Call) {
	m.mu.Lock()
	m.byID[c.ID()] = c
	m.byRoom[c.RoomID()] = c
	m.mu.Unlock()

	c.Events().OnHangup(func(ended *Call) {
		m.mu.Lock()
		delete(m.byID, ended.ID())
		if cur, ok := m.byRoom[ended.RoomID()]; ok && cur == ended {
			delete(m.byRoom, ended.RoomID())
		}
		m.mu.Unlock()
		if m.recorder != nil {
			m.recorder.Record(ended)
		}
	})
}

// HandleEnvelope routes one inbound room envelope. Envelopes are expected
// in arrival order; the caller's read loop provides that.
func (m *Manager) HandleEnvelope(env Envelope) {
	switch env.Type {
	case EventInvite:
		var p InvitePayload
		if err := json.Unmarshal(env.Content, &p); err != nil {
			log.Printf("CALL: bad invite in %s: %v", env.Room, err)
			return
		}
		m.pushTrace(env, p.CallID)
		m.handleInvite(env, p)

	case EventAnswer:
		var p AnswerPayload
		if err := json.Unmarshal(env.Content, &p); err != nil {
			log.Printf("CALL: bad answer in %s: %v", env.Room, err)
			return
		}
		m.pushTrace(env, p.CallID)
		c, ok := m.Get(p.CallID)
		if !ok {
			log.Printf("CALL: answer for unknown call %s", p.CallID)
			return
		}
		if c.Direction() == DirectionInbound {
			// We were ringing on this call and someone else answered it:
			// another session of ours picked up.
			c.OnAnsweredElsewhere()
			return
		}
		c.OnAnswer(p)

	case EventCandidates:
		var p CandidatesPayload
		if err := json.Unmarshal(env.Content, &p); err != nil {
			log.Printf("CALL: bad candidates in %s: %v", env.Room, err)
			return
		}
		m.pushTrace(env, p.CallID)
		if c, ok := m.Get(p.CallID); ok {
			c.OnCandidates(p)
		} else {
			log.Printf("CALL: candidates for unknown call %s", p.CallID)
		}

	case EventHangup:
		var p HangupPayload
		if err := json.Unmarshal(env.Content, &p); err != nil {
			log.Printf("CALL: bad hangup in %s: %v", env.Room, err)
			return
		}
		m.pushTrace(env, p.CallID)
		if c, ok := m.Get(p.CallID); ok {
			c.OnHangup(p)
			return
		}
		// A call this session never held ended; keep it for history.
		if m.recorder != nil {
			ts := time.UnixMilli(env.TS)
			if env.TS == 0 {
				ts = time.Now()
			}
			m.recorder.RecordSynthetic(env.Room, p.CallID, p.Reason, ts)
		}

	default:
		log.Printf("CALL: unknown event type %q in %s", env.Type, env.Room)
	}
}

func (m *Manager) handleInvite(env Envelope, p InvitePayload) {
	m.mu.Lock()
	if _, dup := m.seen[p.CallID]; dup {
		m.mu.Unlock()
		log.Printf("CALL: duplicate invite %s, dropping", p.CallID)
		return
	}
	m.seen[p.CallID] = struct{}{}
	existing := m.byRoom[env.Room]
	m.mu.Unlock()

	// Glare: we sent an invite into this room and one arrived before it was
	// answered. Both sides keep the call with the lexically smaller ID.
	if existing != nil && existing.Direction() == DirectionOutbound && !existing.State().IsTerminal() {
		switch existing.State() {
		case StateWaitLocalMedia, StateCreateOffer, StateInviteSent:
			if p.CallID >= existing.ID() {
				log.Printf("CALL: glare in %s, our call %s wins over %s", env.Room, existing.ID(), p.CallID)
				return
			}
			log.Printf("CALL: glare in %s, their call %s wins over %s", env.Room, p.CallID, existing.ID())
			succ, err := m.newCall(env.Room)
			if err != nil {
				log.Printf("CALL: glare replacement failed: %v", err)
				return
			}
			if err := succ.OnInvite(p, inviteAge(env)); err != nil {
				log.Printf("CALL: glare replacement invite: %v", err)
				return
			}
			m.register(succ)
			existing.ReplacedBy(succ)
			return
		}
	}
	if existing != nil && !existing.State().IsTerminal() {
		log.Printf("CALL: busy in room %s (call %s), ignoring invite %s", env.Room, existing.ID(), p.CallID)
		return
	}

	c, err := m.newCall(env.Room)
	if err != nil {
		log.Printf("CALL: incoming call in %s: %v", env.Room, err)
		return
	}
	if err := c.OnInvite(p, inviteAge(env)); err != nil {
		log.Printf("CALL: incoming call in %s: %v", env.Room, err)
		return
	}
	m.register(c)

	m.incomingMu.RLock()
	handlers := make([]func(*Call), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(c)
	}
}

// inviteAge derives how long an invite spent in transit from the envelope
// origin timestamp.
func inviteAge(env Envelope) int64 {
	if env.TS <= 0 {
		return 0
	}
	age := time.Now().UnixMilli() - env.TS
	if age < 0 {
		return 0
	}
	return age
}

func (m *Manager) pushTrace(env Envelope, callID string) {
	m.trace.Push(TraceEntry{
		Time:   time.Now(),
		Room:   env.Room,
		Type:   env.Type,
		CallID: callID,
		From:   env.From,
	})
}

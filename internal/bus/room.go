package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// topicPrefix scopes room topics on the shared gossipsub mesh.
const topicPrefix = "room:"

// Envelope is the wire shape of one room event. TS is unix milliseconds at
// the origin; receivers derive invite age from it.
type Envelope struct {
	ID      string          `json:"id"`
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	TS      int64           `json:"ts"`
}

// Room is one joined room topic.
type Room struct {
	id     string
	node   *Node
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc

	handlerMu sync.RWMutex
	handlers  []func(Envelope)
}

// JoinRoom subscribes the node to a room, starting the read loop. Joining
// an already-joined room returns the existing Room.
func (n *Node) JoinRoom(roomID string) (*Room, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if r, ok := n.rooms[roomID]; ok {
		return r, nil
	}

	topic, err := n.ps.Join(topicPrefix + roomID)
	if err != nil {
		return nil, fmt.Errorf("bus: join room %s: %w", roomID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("bus: subscribe room %s: %w", roomID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{id: roomID, node: n, topic: topic, sub: sub, cancel: cancel}
	n.rooms[roomID] = r
	go r.readLoop(ctx)
	log.Printf("BUS: joined room %s", roomID)
	return r, nil
}

// Publish implements call.Signaler: it marshals content into an envelope
// and publishes it on the room topic, joining the room first if needed.
func (n *Node) Publish(ctx context.Context, roomID, eventType string, content any) error {
	r, err := n.JoinRoom(roomID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", eventType, err)
	}
	env := Envelope{
		ID:      uuid.NewString(),
		Room:    roomID,
		From:    n.ID(),
		Type:    eventType,
		Content: raw,
		TS:      time.Now().UnixMilli(),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	if err := r.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("bus: publish %s to %s: %w", eventType, roomID, err)
	}
	return nil
}

// Subscribe registers a handler for this room's envelopes. Handlers run on
// the room's read loop, in arrival order. Returns an unsubscribe function.
func (r *Room) Subscribe(fn func(Envelope)) func() {
	r.handlerMu.Lock()
	r.handlers = append(r.handlers, fn)
	idx := len(r.handlers) - 1
	r.handlerMu.Unlock()

	return func() {
		r.handlerMu.Lock()
		defer r.handlerMu.Unlock()
		// Replace the slot with a no-op so other handlers keep their
		// indices and repeated calls stay harmless.
		if idx < len(r.handlers) {
			r.handlers[idx] = func(Envelope) {}
		}
	}
}

// readLoop decodes envelopes and dispatches them serially so signalling
// messages are processed in arrival order.
func (r *Room) readLoop(ctx context.Context) {
	self := r.node.ID()
	for {
		m, err := r.sub.Next(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Printf("BUS: bad envelope in %s: %v", r.id, err)
			continue
		}
		// Pubsub echoes our own messages back; dropping them keeps our
		// offers and candidates from corrupting our own peer connection.
		if env.From == self {
			continue
		}
		if env.Room == "" {
			env.Room = r.id
		}

		r.handlerMu.RLock()
		handlers := make([]func(Envelope), len(r.handlers))
		copy(handlers, r.handlers)
		r.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(env)
		}
	}
}

func (r *Room) close() {
	r.cancel()
	r.sub.Cancel()
	if err := r.topic.Close(); err != nil {
		log.Printf("BUS: close room %s: %v", r.id, err)
	}
}

// Leave departs from a room and stops its read loop.
func (n *Node) Leave(roomID string) {
	n.mu.Lock()
	r, ok := n.rooms[roomID]
	if ok {
		delete(n.rooms, roomID)
	}
	n.mu.Unlock()
	if ok {
		r.close()
		log.Printf("BUS: left room %s", roomID)
	}
}

// Package wsbridge implements the signaller port over a websocket to a
// central room server, for deployments where peers have no direct p2p path.
// Wire format: JSON frames; every published event is acknowledged by the
// server so callers see real publish failures.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// ackTimeout is how long Publish waits for the server ACK before
	// returning an error to the caller.
	ackTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// Envelope is a copy of bus.Envelope — avoids importing internal/bus.
type Envelope struct {
	ID      string          `json:"id"`
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	TS      int64           `json:"ts"`
}

// frame is one websocket message in either direction.
type frame struct {
	Kind     string    `json:"kind"` // "hello" | "join" | "event" | "ack"
	From     string    `json:"from,omitempty"`
	Room     string    `json:"room,omitempty"`
	ID       string    `json:"id,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

// Bridge is one client connection to a room server.
type Bridge struct {
	selfID string

	writeMu sync.Mutex
	conn    *websocket.Conn

	ackMu   sync.Mutex
	pending map[string]chan struct{}

	handlerMu sync.RWMutex
	handlers  map[string][]func(Envelope)

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a room server and starts the read loop.
func Dial(ctx context.Context, url, selfID string) (*Bridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbridge: dial %s: %w", url, err)
	}
	b := &Bridge{
		selfID:   selfID,
		conn:     conn,
		pending:  make(map[string]chan struct{}),
		handlers: make(map[string][]func(Envelope)),
		done:     make(chan struct{}),
	}
	if err := b.write(frame{Kind: "hello", From: selfID}); err != nil {
		conn.Close()
		return nil, err
	}
	go b.readLoop()
	log.Printf("WSBRIDGE: connected to %s as %s", url, selfID)
	return b, nil
}

// Join subscribes this connection to a room on the server.
func (b *Bridge) Join(roomID string) error {
	return b.write(frame{Kind: "join", Room: roomID})
}

// Subscribe registers a handler for a room's envelopes. Handlers run on the
// read loop, in arrival order. Returns an unsubscribe function.
func (b *Bridge) Subscribe(roomID string, fn func(Envelope)) func() {
	b.handlerMu.Lock()
	b.handlers[roomID] = append(b.handlers[roomID], fn)
	idx := len(b.handlers[roomID]) - 1
	b.handlerMu.Unlock()

	return func() {
		b.handlerMu.Lock()
		defer b.handlerMu.Unlock()
		// Replace the slot with a no-op so other handlers keep their
		// indices and repeated calls stay harmless.
		hs := b.handlers[roomID]
		if idx < len(hs) {
			hs[idx] = func(Envelope) {}
		}
	}
}

// Publish implements call.Signaler: it sends one event frame and waits for
// the server ACK.
func (b *Bridge) Publish(ctx context.Context, roomID, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("wsbridge: encode %s: %w", eventType, err)
	}
	env := &Envelope{
		ID:      uuid.NewString(),
		Room:    roomID,
		From:    b.selfID,
		Type:    eventType,
		Content: raw,
		TS:      time.Now().UnixMilli(),
	}

	// Register the ACK channel before writing so it cannot be missed.
	ackCh := make(chan struct{}, 1)
	b.ackMu.Lock()
	b.pending[env.ID] = ackCh
	b.ackMu.Unlock()
	defer func() {
		b.ackMu.Lock()
		delete(b.pending, env.ID)
		b.ackMu.Unlock()
	}()

	if err := b.write(frame{Kind: "event", Envelope: env}); err != nil {
		return err
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("wsbridge: no ack for %s within %v", eventType, ackTimeout)
	case <-b.done:
		return fmt.Errorf("wsbridge: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) write(f frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("wsbridge: write %s frame: %w", f.Kind, err)
	}
	return nil
}

func (b *Bridge) readLoop() {
	defer b.Close()
	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			log.Printf("WSBRIDGE: read: %v", err)
			return
		}
		switch f.Kind {
		case "ack":
			b.ackMu.Lock()
			ch, ok := b.pending[f.ID]
			b.ackMu.Unlock()
			if ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		case "event":
			if f.Envelope == nil {
				continue
			}
			env := *f.Envelope
			if env.From == b.selfID {
				continue
			}
			b.handlerMu.RLock()
			handlers := make([]func(Envelope), len(b.handlers[env.Room]))
			copy(handlers, b.handlers[env.Room])
			b.handlerMu.RUnlock()
			for _, fn := range handlers {
				fn(env)
			}
		default:
			log.Printf("WSBRIDGE: unknown frame kind %q", f.Kind)
		}
	}
}

// Close shuts the connection down. Idempotent.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}

// Package app wires the roomcall subsystems into a runnable peer.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/roomcall/internal/bus"
	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/config"
	"github.com/petervdpas/roomcall/internal/history"
	"github.com/petervdpas/roomcall/internal/media"
	"github.com/petervdpas/roomcall/internal/util"
	"github.com/petervdpas/roomcall/internal/wsbridge"
)

// Options carry everything Run needs.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Rooms to join and take calls in.
	Rooms []string
	// CallRoom, when set, places an outbound voice call into that room.
	CallRoom string
	// AutoAnswer answers inbound calls immediately (demo peers).
	AutoAnswer bool
}

// Run starts the peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	store, err := history.Open(util.ResolvePath(opts.PeerDir, opts.Cfg.History.Dir))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	provider, err := media.New()
	if err != nil {
		return fmt.Errorf("media provider: %w", err)
	}

	rooms := append([]string(nil), opts.Rooms...)
	if opts.CallRoom != "" {
		rooms = append(rooms, opts.CallRoom)
	}
	if len(rooms) == 0 {
		return fmt.Errorf("no rooms to join")
	}

	var (
		signal    call.Signaler
		subscribe func(roomID string, fn func(call.Envelope)) error
		shutdown  func()
	)
	if ws := opts.Cfg.Bridge.WSURL; ws != "" {
		bridge, err := wsbridge.Dial(ctx, ws, uuid.NewString())
		if err != nil {
			return err
		}
		signal = bridge
		subscribe = func(roomID string, fn func(call.Envelope)) error {
			if err := bridge.Join(roomID); err != nil {
				return err
			}
			bridge.Subscribe(roomID, func(env wsbridge.Envelope) {
				fn(call.Envelope{Room: env.Room, From: env.From, Type: env.Type, Content: env.Content, TS: env.TS})
			})
			return nil
		}
		shutdown = func() { bridge.Close() }
	} else {
		node, err := bus.NewNode(ctx, opts.Cfg.P2P.ListenPort,
			util.ResolvePath(opts.PeerDir, opts.Cfg.Identity.KeyFile), opts.Cfg.P2P.MdnsTag)
		if err != nil {
			return fmt.Errorf("start bus node: %w", err)
		}
		signal = node
		subscribe = func(roomID string, fn func(call.Envelope)) error {
			room, err := node.JoinRoom(roomID)
			if err != nil {
				return err
			}
			room.Subscribe(func(env bus.Envelope) {
				fn(call.Envelope{Room: env.Room, From: env.From, Type: env.Type, Content: env.Content, TS: env.TS})
			})
			return nil
		}
		shutdown = func() { node.Close() }
	}
	defer shutdown()

	mgr := call.NewManager(call.ManagerOptions{
		Signal:         signal,
		Media:          provider,
		TurnServers:    opts.Cfg.Call.TurnServers,
		InviteLifetime: time.Duration(opts.Cfg.Call.InviteLifetimeMS) * time.Millisecond,
		Recorder:       store,
	})
	defer mgr.Close()

	mgr.OnIncoming(func(c *call.Call) {
		log.Printf("APP: incoming %s call %s in room %s", c.Type(), c.ID(), c.RoomID())
		watchCall(c)
		if opts.AutoAnswer {
			if err := c.Answer(); err != nil {
				log.Printf("APP: answer: %v", err)
			}
		}
	})

	for _, roomID := range rooms {
		if err := subscribe(roomID, mgr.HandleEnvelope); err != nil {
			return fmt.Errorf("join room %s: %w", roomID, err)
		}
	}

	// TURN credentials rotate without a restart.
	go func() {
		if err := config.WatchTurnServers(ctx, opts.CfgPath, mgr.SetTurnServers); err != nil {
			log.Printf("APP: turn watcher: %v", err)
		}
	}()

	if opts.CallRoom != "" {
		c, err := mgr.CreateCall(opts.CallRoom)
		if err != nil {
			return err
		}
		watchCall(c)
		if err := c.PlaceVoice(); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

// watchCall logs a call's lifecycle to the terminal.
func watchCall(c *call.Call) {
	c.Events().OnError(func(code, message string) {
		log.Printf("APP: call %s error %s: %s", c.ID(), code, message)
	})
	c.Events().OnHangup(func(ended *call.Call) {
		log.Printf("APP: call %s ended — party=%s reason=%q connected=%v",
			ended.ID(), ended.HangupParty(), ended.HangupReason(), ended.DidConnect())
	})
	c.Events().OnReplaced(func(succ *call.Call) {
		log.Printf("APP: call %s replaced by %s", c.ID(), succ.ID())
		watchCall(succ)
	})
}

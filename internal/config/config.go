// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Call     Call     `json:"call"`
	History  History  `json:"history"`
	Bridge   Bridge   `json:"bridge"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Call struct {
	InviteLifetimeMS int              `json:"invite_lifetime_ms"`
	TurnServers      []call.ICEServer `json:"turn_servers"`
}

type History struct {
	Dir string `json:"dir"`
}

type Bridge struct {
	// WSURL switches signalling from the p2p bus to a websocket room
	// server when set. Example: wss://rooms.example.org/ws
	WSURL string `json:"ws_url"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "roomcall-mdns",
		},
		Call: Call{
			InviteLifetimeMS: call.CallTimeoutMS,
			TurnServers:      nil,
		},
		History: History{
			Dir: "data",
		},
		Bridge: Bridge{
			WSURL: "",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Call.InviteLifetimeMS <= 0 {
		return errors.New("call.invite_lifetime_ms must be > 0")
	}
	for i, s := range c.Call.TurnServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.turn_servers[%d]: urls is required", i)
		}
	}

	if strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required")
	}

	if ws := strings.TrimSpace(c.Bridge.WSURL); ws != "" {
		if err := validateWSURL(ws); err != nil {
			return fmt.Errorf("bridge.ws_url: %w", err)
		}
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/petervdpas/roomcall/internal/call"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Call.InviteLifetimeMS != call.CallTimeoutMS {
		t.Fatalf("default lifetime %d, want %d", cfg.Call.InviteLifetimeMS, call.CallTimeoutMS)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"zero lifetime", func(c *Config) { c.Call.InviteLifetimeMS = 0 }},
		{"turn server without urls", func(c *Config) {
			c.Call.TurnServers = []call.ICEServer{{Username: "u"}}
		}},
		{"http bridge url", func(c *Config) { c.Bridge.WSURL = "http://rooms.example.org" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	// Second call loads the existing file.
	again, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure recreated the file")
	}
	if again.P2P.MdnsTag != cfg.P2P.MdnsTag {
		t.Fatalf("reload mismatch: %q vs %q", again.P2P.MdnsTag, cfg.P2P.MdnsTag)
	}
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.json")
	if err := os.WriteFile(path, []byte(`{"p2p":{"listen_port":4001,"mdns_tag":"x"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.P2P.ListenPort != 4001 {
		t.Fatalf("explicit field lost: %d", cfg.P2P.ListenPort)
	}
	if cfg.Call.InviteLifetimeMS != call.CallTimeoutMS {
		t.Fatalf("missing field not defaulted: %d", cfg.Call.InviteLifetimeMS)
	}
}

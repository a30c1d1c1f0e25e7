// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/roomcall/internal/app"
	"github.com/petervdpas/roomcall/internal/config"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	autoAnswer = flag.Bool("auto-answer", false, "Answer inbound calls immediately")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("roomcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires a directory and at least one room")
			fmt.Fprintln(os.Stderr, "Usage: roomcall peer <peer-directory> <room> [room...]")
			os.Exit(1)
		}
		run(args[1], args[2:], "")

	case "call":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: call command requires a directory and a room")
			fmt.Fprintln(os.Stderr, "Usage: roomcall call <peer-directory> <room>")
			os.Exit(1)
		}
		run(args[1], nil, args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(peerDirArg string, rooms []string, callRoom string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "roomcall.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Created default config: %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg, rooms, callRoom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir:    absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		Rooms:      rooms,
		CallRoom:   callRoom,
		AutoAnswer: *autoAnswer,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("roomcall - p2p voice/video calls over room signalling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  roomcall peer <directory> <room> [room...]   Wait for calls in the given rooms")
	fmt.Println("  roomcall call <directory> <room>             Place a voice call into a room")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h             Show this help message")
	fmt.Println("  -version       Show version information")
	fmt.Println("  -auto-answer   Answer inbound calls immediately")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Wait for calls in room 'lobby'")
	fmt.Println("  roomcall -auto-answer peer ./peers/alice lobby")
	fmt.Println()
	fmt.Println("  # Call into room 'lobby'")
	fmt.Println("  roomcall call ./peers/bob lobby")
}

func printBanner(peerDir, cfgPath string, cfg config.Config, rooms []string, callRoom string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   roomcall peer                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Bridge.WSURL != "" {
		fmt.Printf("Signalling:     websocket bridge (%s)\n", cfg.Bridge.WSURL)
	} else {
		fmt.Println("Signalling:     p2p bus (libp2p gossipsub)")
	}
	if len(rooms) > 0 {
		fmt.Printf("Rooms:          %v\n", rooms)
	}
	if callRoom != "" {
		fmt.Printf("Calling into:   %s\n", callRoom)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

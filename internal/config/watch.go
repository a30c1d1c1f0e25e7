package config

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/roomcall/internal/call"
)

// WatchTurnServers re-reads the config file whenever it changes on disk and
// delivers the new TURN server list. Operators rotate TURN credentials
// without restarting the peer; the new list applies to calls created
// afterwards. Blocks until ctx is done; run in a goroutine.
func WatchTurnServers(ctx context.Context, path string, onChange func([]call.ICEServer)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors replace files on save, which drops the
	// watch when it is placed on the file itself.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload %s: %v", path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s (%d turn servers)", path, len(cfg.Call.TurnServers))
			onChange(cfg.Call.TurnServers)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch: %v", err)
		}
	}
}

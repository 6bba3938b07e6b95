package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sidekeep/sidekeep"
)

// Serve hosts resident supervision: one manager, the optional status API,
// and a signal-aware shutdown. With --detach the command re-execs itself
// into the background first.
func (c command) Serve(flags *ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if flags.Detach {
		pidFile := flags.PidFile
		if pidFile == "" {
			pidFile = filepath.Join(cfg.Sidecar.StateDir, "sidekeep.pid")
		}
		if err := os.MkdirAll(cfg.Sidecar.StateDir, 0o750); err != nil {
			return fmt.Errorf("state dir %s: %w", cfg.Sidecar.StateDir, err)
		}
		return daemonize(pidFile, flags.LogFile)
	}

	m, err := sidekeep.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	log := m.Logger()

	// One attempt up front so the daemon comes up holding a handle. A failure
	// is not fatal: the loop heals on the next consumer call or POST /acquire.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if h, err := m.Acquire(ctx); err != nil {
		log.Warn("initial acquire failed", "error", err)
	} else {
		log.Info("sidecar acquired", "pid", h.PID, "version", h.Version)
	}
	cancel()

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = sidekeep.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, m)
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		fmt.Printf("sidekeep status API on http://%s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("shutting down...")
	if srv != nil {
		_ = srv.Close()
	}
	if flags.PidFile != "" {
		_ = removePidFile(flags.PidFile)
	}
	return nil
}

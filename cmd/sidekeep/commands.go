package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sidekeep/sidekeep"
	"github.com/sidekeep/sidekeep/internal/diag/sqlite"
	"github.com/sidekeep/sidekeep/internal/procman"
	"github.com/sidekeep/sidekeep/pkg/client"
)

// command carries the persistent flags into each subcommand implementation.
type command struct {
	flags *GlobalFlags
}

// loadConfig resolves the effective configuration: the --config file when
// given, built-in defaults otherwise.
func (c command) loadConfig() (sidekeep.Config, error) {
	if c.flags.ConfigPath == "" {
		return sidekeep.DefaultConfig(), nil
	}
	return sidekeep.LoadConfig(c.flags.ConfigPath)
}

// localController builds a process controller for one-shot CLI operations.
// It logs nowhere; the commands print their own outcome.
func localController(cfg sidekeep.Config) *procman.Controller {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return procman.New(procman.Options{
		ExecPath: cfg.Sidecar.ExecPath,
		Port:     cfg.Sidecar.Port,
		StateDir: cfg.Sidecar.StateDir,
		LogFile:  cfg.Sidecar.LogFile,
		TermWait: cfg.Supervisor.TermWait,
		KillWait: cfg.Supervisor.KillWait,
	}, quiet, nil, nil)
}

// Up runs one supervisory attempt and prints the resulting handle.
func (c command) Up(timeout time.Duration) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	m, err := sidekeep.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	h, err := m.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	printJSON(map[string]any{
		"state":       string(m.State()),
		"pid":         h.PID,
		"version":     h.Version,
		"acquired_at": h.AcquiredAt,
	})
	return nil
}

// Status reports the resident daemon's view when its status API answers,
// falling back to the recorded process handle.
func (c command) Status() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if st, err := daemonClient(cfg).Status(ctx); err == nil {
			printJSON(st)
			return nil
		}
	}
	proc := localController(cfg)
	defer func() { _ = proc.Close() }()
	if h, ok := proc.Adopt(); ok {
		printJSON(map[string]any{
			"running":    true,
			"pid":        h.PID,
			"started_at": h.StartedAt,
		})
		return nil
	}
	printJSON(map[string]any{"running": false})
	return nil
}

// Down terminates the sidecar recorded in the handle file, escalating from a
// soft signal to a hard kill.
func (c command) Down(timeout time.Duration) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	proc := localController(cfg)
	defer func() { _ = proc.Close() }()
	h, ok := proc.Adopt()
	if !ok {
		fmt.Println("no running sidecar recorded")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := proc.Terminate(ctx, h.PID); err != nil {
		return err
	}
	fmt.Printf("sidecar %d terminated\n", h.PID)
	return nil
}

// Logs prints the sidecar's log file, optionally following appended output
// until interrupted.
func (c command) Logs(follow bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Sidecar.LogFile
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no sidecar log at %s", path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	offset, err := io.Copy(os.Stdout, f)
	if err != nil {
		return err
	}
	if !follow {
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			fi, err := os.Stat(path)
			if err != nil {
				continue
			}
			if fi.Size() < offset {
				// The file shrank: rotation replaced it, reopen from the top.
				nf, err := os.Open(path)
				if err != nil {
					continue
				}
				_ = f.Close()
				f = nf
				offset = 0
			}
			n, err := io.Copy(os.Stdout, f)
			offset += n
			if err != nil {
				return err
			}
		}
	}
}

// Diag prints the most recent diagnostic records from the sqlite backend.
func (c command) Diag(limit int) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Diag.Backend != "sqlite" {
		return fmt.Errorf("diag records are browsable only with the sqlite backend (configured: %s)", cfg.Diag.Backend)
	}
	sink, err := sqlite.New(cfg.Diag.Path)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := sink.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no diagnostic records")
		return nil
	}
	printJSON(records)
	return nil
}

// daemonClient builds a status API client for the configured listen address.
// It logs nowhere; the commands print their own outcome.
func daemonClient(cfg sidekeep.Config) *client.Client {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return client.New(client.Config{
		BaseURL: "http://" + cfg.Server.Listen + cfg.Server.BasePath,
		Timeout: 3 * time.Second,
		Logger:  quiet,
	})
}

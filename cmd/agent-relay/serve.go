package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/relay"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/telegram"
)

const recorderBuffer = 256

func runServe(ctx context.Context, opts *rootOptions) error {
	path, err := config.ResolvePath(opts.configPath)
	if err != nil {
		return err
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", path, err)
	}
	patterns, err := cfg.CompilePatterns()
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingConfig(opts.debug)
	if opts.debug || term.IsTerminal(int(os.Stderr.Fd())) {
		logCfg.Console = os.Stderr
	}
	logging.Init(logCfg)
	defer logging.Shutdown()
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompRelay))
	relayLog := logging.ForComponent(logging.CompRelay)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dumpOnSignal(ctx, cfg.Logs.Dir)

	db, err := statedb.Open(cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	now := time.Now()
	if n, err := db.MarkOrphansEnded(ctx, now); err != nil {
		relayLog.Warn("mark_orphans_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		relayLog.Info("orphans_ended", slog.Int64("count", n))
	}
	if days := cfg.State.EventRetentionDays; days > 0 {
		if _, err := db.PruneEvents(ctx, now.AddDate(0, 0, -days)); err != nil {
			relayLog.Warn("prune_events_failed", slog.String("error", err.Error()))
		}
	}
	rec := statedb.NewRecorder(db, recorderBuffer)
	defer rec.Close()

	tb, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.AllowedUsers, db)
	if err != nil {
		return err
	}
	sink := tb.Sink()

	src := process.PTYSource{
		MaxPending: cfg.Process.MaxPendingBytes,
		Grace:      time.Duration(cfg.Process.TerminateGraceMS) * time.Millisecond,
	}
	mgr := session.NewManager(src, sink, patterns, cfg.SessionConfig())
	orch := relay.New(mgr, sink, rec, patterns, relay.Config{
		Interval: cfg.PollInterval(),
		Retry:    cfg.StreamConfig().Retry,
	})
	tb.Attach(orch)

	watcher, err := config.NewWatcher(loader, func(c *config.Config) {
		p, err := c.CompilePatterns()
		if err != nil {
			relayLog.Warn("patterns_rejected", slog.String("error", err.Error()))
			return
		}
		orch.SetPatterns(p)
		logging.SetLevel(c.LoggingConfig(opts.debug).Level)
	})
	if err != nil {
		relayLog.Warn("config_watch_unavailable", slog.String("error", err.Error()))
	} else {
		go watcher.Run(ctx)
	}

	relayLog.Info("serve_started",
		slog.String("version", Version),
		slog.String("config", path),
		slog.String("command", cfg.Sessions.Command))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tb.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	err = g.Wait()
	relayLog.Info("serve_stopped", slog.Int64("events_dropped", rec.Dropped()))
	return err
}

// dumpOnSignal writes the log ring buffer to dir on SIGUSR1.
func dumpOnSignal(ctx context.Context, dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.ForComponent(logging.CompRelay).Error("crash_dump_failed",
					slog.String("error", err.Error()))
			} else {
				logging.ForComponent(logging.CompRelay).Info("crash_dump_written",
					slog.String("path", dumpPath))
			}
		}
	}
}

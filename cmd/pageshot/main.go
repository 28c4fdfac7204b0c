package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"pageshot-go/internal/archive"
	"pageshot-go/internal/config"
	"pageshot-go/internal/engine"
	_ "pageshot-go/internal/engine/cdp"
	_ "pageshot-go/internal/engine/software"
	"pageshot-go/internal/events"
	"pageshot-go/internal/server"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	log.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "pageshot",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger
}

func run(cfg config.Config, logger *log.Logger) error {
	backend, err := engine.Open(cfg.Engine, engine.Options{ChromeBin: cfg.ChromeBin, ChromeURL: cfg.ChromeURL})
	if err != nil {
		return fmt.Errorf("open %s engine (available: %s): %w", cfg.Engine, strings.Join(engine.Backends(), ", "), err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close engine", "err", err)
		}
	}()
	logger.Info("engine ready", "engine", backend.Name(), "detail", backend.Describe())

	eventsRoot := cfg.EventsDir
	ownEventsRoot := eventsRoot == ""
	if ownEventsRoot {
		eventsRoot = filepath.Join(os.TempDir(), fmt.Sprintf("pageshot-go-events-%d", os.Getpid()))
	}
	if err := os.MkdirAll(eventsRoot, 0o755); err != nil {
		return err
	}
	store := events.NewStore(eventsRoot)
	if ownEventsRoot {
		defer func() { _ = store.Cleanup() }()
	}

	var shots *archive.Archive
	if cfg.ArchiveDir != "" {
		if shots, err = archive.Open(cfg.ArchiveDir); err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		logger.Info("archiving screenshots", "dir", shots.Root())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fatalCh := make(chan error, 1)
	srv := server.New(cfg, server.Options{
		Backend:    backend,
		EventStore: store,
		Archive:    shots,
		Logger:     logger,
		OnFatal: func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
	})

	servers := []*http.Server{{
		Addr:    fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler: srv.Handler(),
	}}
	if cfg.AdminPort > 0 {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.AdminBind, cfg.AdminPort),
			Handler: srv.AdminHandler(),
		})
	}

	allowListNote := ""
	if len(cfg.AllowCIDRs) > 0 {
		allowListNote = fmt.Sprintf(" (admin allowed CIDRs: %s, plus localhost)", strings.Join(cfg.AllowCIDRs, ", "))
	}
	logger.Info("listening",
		"render", "http://"+servers[0].Addr,
		"admin", adminAddr(servers)+allowListNote,
		"size", fmt.Sprintf("%dx%d@%gx", cfg.Width, cfg.Height, cfg.Scale),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range servers {
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", hs.Addr, err)
			}
			return nil
		})
	}

	var fatalErr error
	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("shutting down")
		case fatalErr = <-fatalCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, hs := range servers {
			_ = hs.Shutdown(shutdownCtx)
		}
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if fatalErr != nil {
		return fmt.Errorf("session pool halted: %w", fatalErr)
	}
	return nil
}

func adminAddr(servers []*http.Server) string {
	if len(servers) < 2 {
		return "disabled"
	}
	return "http://" + servers[1].Addr
}

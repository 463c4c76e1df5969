package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"santinel/internal/ai"
	"santinel/internal/config"
	"santinel/internal/realtime"
	"santinel/internal/session"
	"santinel/internal/shellexec"
	"santinel/internal/watcher"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		shell       string
		logLevel    string
		maxSessions int
		authToken   string
	)

	flagSet := pflag.NewFlagSet("santinel-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("SANTINEL_CONFIG"), "path to YAML config file")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address (default :3001)")
	flagSet.StringVar(&shell, "shell", "", "shell to spawn for terminal sessions")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.IntVar(&maxSessions, "max-sessions", 0, "maximum concurrent terminal sessions")
	flagSet.StringVar(&authToken, "auth-token", "", "bearer token for the privileged API")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flagSet.Changed("shell") {
		cfg.Shell = shell
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("max-sessions") {
		cfg.MaxSessions = maxSessions
	}
	if flagSet.Changed("auth-token") {
		cfg.AuthToken = authToken
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.Shell == "" {
		cfg.Shell = session.DefaultShell()
	}

	sessMgr := session.NewManager(cfg.MaxSessions, cfg.ScrollbackBytes, logger)

	engine := ai.NewEngine(ai.Config{
		Endpoint:  cfg.AIEndpoint,
		FastModel: cfg.AIFastModel,
		DeepModel: cfg.AIDeepModel,
		APIKey:    cfg.APIKey,
	})

	var execStore *shellexec.Store
	if cfg.ExecEnabled() {
		execStore = shellexec.NewStore(cfg.Shell, logger)
	} else {
		logger.Warn("no auth token configured; command endpoint disabled, terminal restricted to loopback")
	}

	// Reload the API key when the config file changes.
	var configWatch *watcher.Watcher
	if configPath != "" {
		configWatch = watcher.New(func(path string) {
			reloadAPIKey(path, engine, logger)
		}, logger)
		abs, err := filepath.Abs(configPath)
		if err == nil {
			err = configWatch.Watch(abs)
		}
		if err != nil {
			logger.Warn("config watch unavailable", "path", configPath, "error", err)
		}
	}

	rtServer := realtime.New(realtime.Options{
		Sessions:        sessMgr,
		Exec:            execStore,
		Engine:          engine,
		Logger:          logger,
		AuthToken:       cfg.AuthToken,
		AllowedOrigins:  cfg.AllowedOrigins,
		MinAPIKeyLength: cfg.MinAPIKeyLength,
		Shell:           cfg.Shell,
		InitialCols:     uint16(cfg.InitialCols),
		InitialRows:     uint16(cfg.InitialRows),
		MaxSessions:     cfg.MaxSessions,
		Version:         version,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("santinel server running",
			"addr", cfg.ListenAddr,
			"shell", cfg.Shell,
			"ai", engine.Configured(),
			"exec", cfg.ExecEnabled(),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if configWatch != nil {
		configWatch.Shutdown()
	}
	sessMgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		httpServer.Close()
	}
	return nil
}

func reloadAPIKey(path string, engine *ai.Engine, logger *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Warn("config reload failed", "path", path, "error", err)
		return
	}
	if cfg.APIKey == "" {
		return
	}
	wasConfigured := engine.Configured()
	engine.Configure(cfg.APIKey)
	logger.Info("AI key reloaded", "path", path, "was_configured", wasConfigured)
}

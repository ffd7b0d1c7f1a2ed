// Package main is the entry point for the relaydesk binary.
// relaydesk supervises the relay-gateway process, maintains the duplex
// protocol session against it, and exposes a local control API for the
// host UI layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydesk/relaydesk/internal/api"
	"github.com/relaydesk/relaydesk/internal/common/config"
	"github.com/relaydesk/relaydesk/internal/common/logger"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/history"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "directory containing config.yaml")
		writeConfig = flag.String("write-config", "", "write a starter config file to the given path and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
		noAutoStart = flag.Bool("no-autostart", false, "do not launch the gateway at startup")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("relaydesk", version)
		return
	}
	if *writeConfig != "" {
		if err := config.WriteDefault(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("wrote", *writeConfig)
		return
	}

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting relaydesk",
		zap.String("version", version),
		zap.String("gateway_binary", cfg.Gateway.Binary),
		zap.Int("gateway_port", cfg.Gateway.Port),
		zap.Bool("api_enabled", cfg.API.Enabled))

	if err := run(cfg, log, !*noAutoStart); err != nil {
		log.Error("relaydesk exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger, autoStart bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var hist *history.Store
	if cfg.History.Enabled {
		var err error
		hist, err = history.Open(cfg.History.Path, cfg.History.MaxRows)
		if err != nil {
			// History is best-effort; the gateway works without it.
			log.Warn("history disabled", zap.Error(err))
		} else {
			defer hist.Close()
		}
	}

	provider := config.NewFileProvider(cfg, log)
	gw := gateway.New(gateway.Options{
		Config:        cfg,
		Provider:      provider,
		History:       hist,
		Logger:        log,
		ClientName:    "relaydesk",
		ClientVersion: version,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Token rotation watcher; exits when the context is cancelled.
	g.Go(func() error {
		if err := provider.Watch(gctx); err != nil {
			log.Warn("token watch unavailable", zap.Error(err))
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.API.Enabled {
		server := api.NewServer(gw, hist, log)
		httpServer = &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           server.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("control API listening", zap.String("address", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API server: %w", err)
			}
			return nil
		})
	}

	if autoStart {
		startCtx, cancel := context.WithTimeout(gctx, 60*time.Second)
		if err := gw.Start(startCtx); err != nil {
			// Keep running so the control API can retry the launch.
			log.Error("gateway failed to start", zap.Error(err))
		}
		cancel()
	}

	<-gctx.Done()
	log.Info("shutting down relaydesk")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("control API shutdown error", zap.Error(err))
		}
	}
	if err := gw.Close(shutdownCtx); err != nil {
		log.Error("error stopping gateway", zap.Error(err))
	}

	return g.Wait()
}

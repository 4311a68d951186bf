// Package main provides the entry point for the chatrelay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chatrelay/chatrelay/internal/cleanup"
	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/portarbiter"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/server"
	"github.com/chatrelay/chatrelay/internal/stream"
)

var (
	port      = flag.Int("port", 0, "Base port to bind (overrides config)")
	directory = flag.String("directory", "", "Working directory for config lookup")
	dev       = flag.Bool("dev", false, "Dev mode: handle SIGINT/SIGTERM/SIGHUP")
	reclaim   = flag.Bool("reclaim", false, "Terminate whatever holds the base port without asking")
	version   = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	workDir := *directory
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get working directory: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logCfg.TraceFile = cfg.TraceFile
	logging.Init(logCfg)

	logging.Info().Str("version", Version).Int("port", cfg.Port).Msg("starting chatrelay server")

	bus := event.NewBus()

	// The server owns its port: a busy base port is reclaimed (with -reclaim
	// skipping the confirmation) or substituted by the next free one.
	confirmer := portarbiter.DenyAll
	if *reclaim {
		confirmer = portarbiter.AllowAll
	}
	arbiter := portarbiter.New(
		portarbiter.WithBus(bus),
		portarbiter.WithConfirmer(confirmer),
		portarbiter.WithMaxAttempts(cfg.MaxPortAttempts),
	)

	ctx := context.Background()
	boundPort, err := arbiter.Reserve(ctx, cfg.Port, cfg.AutoReclaim)
	if err != nil {
		logging.Fatal().Err(err).Int("port", cfg.Port).Msg("no port available")
	}
	if boundPort != cfg.Port {
		logging.Warn().Int("requested", cfg.Port).Int("bound", boundPort).Msg("base port busy, using substitute")
	}

	sessions := stream.NewManager(cfg.SessionTTL, bus)

	registry := provider.NewRegistry()
	registry.Register(provider.NewSimulated())

	serverCfg := server.DefaultConfig()
	serverCfg.Port = boundPort
	serverCfg.EnableCORS = cfg.EnableCORS
	serverCfg.HeartbeatInterval = cfg.HeartbeatInterval
	srv := server.New(serverCfg, registry, sessions, bus)

	coordinator := cleanup.New(arbiter)
	coordinator.Register("http server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	coordinator.Register("sessions", func(ctx context.Context) error {
		sessions.Close()
		return nil
	})
	coordinator.Register("event bus", func(ctx context.Context) error {
		bus.Close()
		return nil
	})

	serverErr := make(chan error, 1)
	go func() {
		logging.Info().Msgf("listening on http://localhost:%d", boundPort)
		serverErr <- srv.Start()
	}()

	runCtx, stop := coordinator.HandleSignals(ctx, *dev)
	defer stop()

	select {
	case <-runCtx.Done():
		logging.Info().Msg("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	coordinator.Run(shutdownCtx)

	logging.Info().Msg("server stopped")
}

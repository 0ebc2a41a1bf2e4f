package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/internal/config"
	"github.com/mcastellin/p2pmesh/internal/healthcheck"
	"github.com/mcastellin/p2pmesh/internal/logging"
	"github.com/mcastellin/p2pmesh/internal/persistence"
	"github.com/mcastellin/p2pmesh/pkg/gossip"
	"github.com/mcastellin/p2pmesh/pkg/registry"
	"github.com/mcastellin/p2pmesh/pkg/tracker"
)

// App wires a Tracker, its backing Local Registry, the Gossip Engine that
// disseminates what it learns, and an optional health-check HTTP surface,
// shutting all of them down cooperatively on the process context.
type App struct {
	logger *zap.Logger

	reg     *registry.Local
	eng     *gossip.Engine
	tr      *tracker.Tracker
	health  *healthProcess
	cleanup func()
}

type healthProcess struct {
	srv *http.Server
}

func (a *App) Run(ctx context.Context) error {
	if a.cleanup != nil {
		defer a.cleanup()
	}

	a.reg.Start()
	a.eng.Start()
	go a.tr.Serve()

	a.logger.Info("tracker started", zap.String("tracker.addr", a.tr.Addr().String()),
		zap.String("gossip.addr", a.eng.Addr()))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.tr.Shutdown()
	_ = a.eng.Shutdown(shutdownCtx)
	_ = a.reg.Shutdown(shutdownCtx)
	if a.health != nil {
		_ = a.health.srv.Shutdown(shutdownCtx)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "tracker",
		Short: "Run a p2pmesh tracker node",
	}
	root.PersistentFlags().StringVar(&configFile, "config.file", "", "path to a properties file of config overrides")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the tracker process",
		// --config.<key>=<value> arguments are read by config.New from
		// os.Args, so cobra must not reject them as unknown flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracker()
		},
	}
	root.AddCommand(run)
	return root
}

func runTracker() error {
	argv := os.Args[1:]
	bootstrapCfg := config.New(argv, os.Environ(), nil)

	logger, err := logging.New(bootstrapCfg.String("log.level", "info"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.New(argv, os.Environ(), logger)

	nodeID := cfg.String("node.id", "")
	if nodeID == "" {
		nodeID = "tracker-" + uuid.NewString()
	}
	trackerAddr := cfg.String("tracker.bind.addr", "0.0.0.0:7000")
	gossipAddr := cfg.String("discovery.gossip.bind.addr", "0.0.0.0:7100")
	healthAddr := cfg.String("health.bind.addr", "")
	maxConns := cfg.Int("tracker.max.connections", tracker.DefaultMaxConnections)
	bootstrapPeers := cfg.StringSlice("discovery.gossip.bootstrap.peers", nil)
	dbURL := cfg.String("persistence.database.url", "")

	var cleanup func()
	var persister registry.Persister
	if dbURL != "" {
		store, err := persistence.Open(dbURL)
		if err != nil {
			return fmt.Errorf("open persistence store: %w", err)
		}
		persister = store
		cleanup = func() { _ = store.Close() }
	}

	reg := registry.NewLocal(registry.Config{
		NodeID:          nodeID,
		TombstoneGrace:  cfg.Duration("registry.tombstone.grace.ms", registry.DefaultTombstoneGrace),
		Persister:       persister,
		PersistInterval: cfg.Duration("persistence.interval.ms", 0),
	}, logger)

	eng, err := gossip.NewEngine(gossip.Config{
		NodeID:         nodeID,
		BindAddr:       gossipAddr,
		GossipInterval: cfg.Duration("discovery.gossip.interval.ms", gossip.DefaultGossipInterval),
		BootstrapPeers: bootstrapPeers,
	}, reg, &gossip.TCPTransport{}, logger)
	if err != nil {
		return fmt.Errorf("create gossip engine: %w", err)
	}

	tr, err := tracker.New(trackerAddr, maxConns, reg, logger)
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}

	app := &App{logger: logger, reg: reg, eng: eng, tr: tr, cleanup: cleanup}

	if healthAddr != "" {
		hc := healthcheck.New(reg, eng)
		srv := &http.Server{Addr: healthAddr, Handler: hc.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("health server stopped", zap.Error(err))
			}
		}()
		app.health = &healthProcess{srv: srv}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

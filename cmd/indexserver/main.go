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
	"github.com/mcastellin/p2pmesh/pkg/indexserver"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// App wires an Index Server, its backing Local Registry and Gossip Engine,
// and an optional health-check surface, all sharing one process context.
type App struct {
	logger *zap.Logger

	reg     *registry.Local
	eng     *gossip.Engine
	idx     *indexserver.Server
	idxSrv  *http.Server
	health  *http.Server
	cleanup func()
}

func (a *App) Run(ctx context.Context) error {
	if a.cleanup != nil {
		defer a.cleanup()
	}

	a.reg.Start()
	a.eng.Start()

	go func() {
		if err := a.idxSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("index server stopped", zap.Error(err))
		}
	}()

	a.logger.Info("index server started", zap.String("index.addr", a.idxSrv.Addr),
		zap.String("gossip.addr", a.eng.Addr()))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.idxSrv.Shutdown(shutdownCtx)
	_ = a.idx.Shutdown(shutdownCtx)
	_ = a.eng.Shutdown(shutdownCtx)
	_ = a.reg.Shutdown(shutdownCtx)
	if a.health != nil {
		_ = a.health.Shutdown(shutdownCtx)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "indexserver",
		Short: "Run a p2pmesh file index server",
	}
	root.PersistentFlags().StringVar(&configFile, "config.file", "", "path to a properties file of config overrides")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the index server process",
		// --config.<key>=<value> arguments are read by config.New from
		// os.Args, so cobra must not reject them as unknown flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexServer()
		},
	}
	root.AddCommand(run)
	return root
}

func runIndexServer() error {
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
		nodeID = "indexserver-" + uuid.NewString()
	}
	httpAddr := cfg.String("index.bind.addr", "0.0.0.0:7200")
	gossipAddr := cfg.String("discovery.gossip.bind.addr", "0.0.0.0:7300")
	healthAddr := cfg.String("health.bind.addr", "")
	bootstrapPeers := cfg.StringSlice("discovery.gossip.bootstrap.peers", nil)
	cacheTTL := cfg.Duration("cache.default.ttl.ms", indexserver.DefaultCacheTTL)
	cacheRefresh := cfg.Duration("cache.default.refresh.ms", indexserver.DefaultCacheRefresh)
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

	idx := indexserver.New(reg, cacheTTL, cacheRefresh, logger)
	idxSrv := &http.Server{Addr: httpAddr, Handler: idx.Handler()}

	app := &App{logger: logger, reg: reg, eng: eng, idx: idx, idxSrv: idxSrv, cleanup: cleanup}

	if healthAddr != "" {
		hc := healthcheck.New(reg, eng)
		srv := &http.Server{Addr: healthAddr, Handler: hc.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("health server stopped", zap.Error(err))
			}
		}()
		app.health = srv
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

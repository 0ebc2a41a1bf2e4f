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
	"github.com/mcastellin/p2pmesh/pkg/gossip"
	"github.com/mcastellin/p2pmesh/pkg/peer"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

// App wires a peer Node into a Local Registry and Gossip Engine, joining the
// tracker (if configured) and leaving a tombstone behind on shutdown.
type App struct {
	logger *zap.Logger

	reg    *registry.Local
	eng    *gossip.Engine
	node   *peer.Node
	health *http.Server
}

func (a *App) Run(ctx context.Context) error {
	a.reg.Start()
	a.eng.Start()

	if err := a.node.Join(ctx); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	a.logger.Info("peer joined", zap.String("gossip.addr", a.eng.Addr()))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.node.Leave()
	_ = a.node.Shutdown(shutdownCtx)
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
		Use:   "peer",
		Short: "Run a p2pmesh file-sharing peer node",
	}
	root.PersistentFlags().StringVar(&configFile, "config.file", "", "path to a properties file of config overrides")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the peer process",
		// --config.<key>=<value> arguments are read by config.New from
		// os.Args, so cobra must not reject them as unknown flags.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer()
		},
	}
	root.AddCommand(run)
	return root
}

func runPeer() error {
	argv := os.Args[1:]
	bootstrapCfg := config.New(argv, os.Environ(), nil)

	logger, err := logging.New(bootstrapCfg.String("log.level", "info"))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.New(argv, os.Environ(), logger)

	peerID := cfg.String("peer.id", "")
	if peerID == "" {
		peerID = "peer-" + uuid.NewString()
	}
	bindAddr := cfg.String("peer.bind.addr", "0.0.0.0:7400")
	gossipAddr := cfg.String("discovery.gossip.bind.addr", "0.0.0.0:7500")
	trackerAddr := cfg.String("tracker.addr", "")
	healthAddr := cfg.String("health.bind.addr", "")
	bootstrapPeers := cfg.StringSlice("discovery.gossip.bootstrap.peers", nil)

	reg := registry.NewLocal(registry.Config{
		NodeID:         peerID,
		TombstoneGrace: cfg.Duration("registry.tombstone.grace.ms", registry.DefaultTombstoneGrace),
	}, logger)

	eng, err := gossip.NewEngine(gossip.Config{
		NodeID:               peerID,
		BindAddr:             gossipAddr,
		GossipInterval:       cfg.Duration("discovery.gossip.interval.ms", gossip.DefaultGossipInterval),
		BootstrapPeers:       bootstrapPeers,
		PeerFailureThreshold: cfg.Int("discovery.peer.failure.threshold", gossip.DefaultPeerFailureThreshold),
	}, reg, &gossip.TCPTransport{}, logger)
	if err != nil {
		return fmt.Errorf("create gossip engine: %w", err)
	}

	node := peer.New(peer.Config{
		PeerID:               peerID,
		BindAddr:             bindAddr,
		TrackerAddr:          trackerAddr,
		MaxConcurrentDials:   cfg.Int("peer.max.concurrent.dials", 0),
		DialTimeout:          cfg.Duration("peer.dial.timeout.ms", 0),
		PeerFailureThreshold: cfg.Int("discovery.peer.failure.threshold", 0),
		BreakerResetTimeout:  cfg.Duration("peer.breaker.reset.timeout.ms", 0),
	}, reg, logger)

	app := &App{logger: logger, reg: reg, eng: eng, node: node}

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

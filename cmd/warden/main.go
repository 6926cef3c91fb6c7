// Package main — cmd/warden/main.go
//
// Warden node agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config (env + optional WARDEN_CONFIG YAML file).
//  2. Initialise structured logger (zap).
//  3. Start Prometheus metrics server on its own loopback-bound port.
//  4. Build the node context object and open the durability store.
//  5. Replay checkpoint + WAL (§4.5 startup sequence), then wire the
//     persister so future mutations are WAL-logged.
//  6. Seed default trust/strikes/quarantine rows for self and every peer.
//  7. Build the trust engine, coordinator, detector, and peer protocol
//     server, then start every background loop.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wardenmesh/warden/internal/attacksim"
	"github.com/wardenmesh/warden/internal/config"
	"github.com/wardenmesh/warden/internal/coordinator"
	"github.com/wardenmesh/warden/internal/detector"
	"github.com/wardenmesh/warden/internal/durability"
	"github.com/wardenmesh/warden/internal/observability"
	"github.com/wardenmesh/warden/internal/peerrpc"
	"github.com/wardenmesh/warden/internal/scanner"
	"github.com/wardenmesh/warden/internal/state"
	"github.com/wardenmesh/warden/internal/trust"
)

func main() {
	configPath := flag.String("config", os.Getenv("WARDEN_CONFIG"), "path to an optional YAML tunables file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.BuildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("warden starting",
		zap.String("node", cfg.NodeName),
		zap.Strings("peers", cfg.Peers),
		zap.Bool("attack_mode", cfg.AttackMode),
		zap.String("data_dir", cfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))

	node := state.NewNode(cfg.NodeName, log)

	store, err := durability.Open(ctx, node, cfg.DataDir, cfg.Durability.CompactionEventLog, metrics, log)
	if err != nil {
		log.Fatal("durability store open failed", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	if err := store.Replay(cfg.Detector.VoteTimeout); err != nil {
		log.Fatal("wal replay failed", zap.Error(err))
	}
	node.SetPersister(store)

	allNodes := append([]string{cfg.NodeName}, cfg.Peers...)
	node.EnsureDefaults(allNodes, cfg.Trust.DefaultTrust)

	trustEngine := trust.NewEngine(node, trust.ParamsFromConfig(cfg.Trust), log, metrics)

	peers := newStaticPeers(cfg.Peers, cfg.ListenAddr)
	client := peerrpc.NewClient(cfg.Durability.RPCTimeout, metrics)
	sc := scanner.NewGopsutilScanner()

	coord := coordinator.New(node, trustEngine, client, peers, sc, cfg.Detector, log, metrics)

	var sim *attacksim.Simulator
	if cfg.AttackMode {
		sim = attacksim.NewSimulator(attacksim.ProfileFromConfig(cfg.Attack))
		log.Warn("attack mode enabled — this node will behave adversarially")
	}

	det := detector.New(cfg.NodeName, sc, coord, cfg.Detector, cfg.AttackMode, sim, log)
	peerServer := peerrpc.NewServer(node, trustEngine, coord, peers, client, cfg.AttackMode, sim, log)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: peerServer.Handler()}
	go func() {
		log.Info("peer protocol listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("peer protocol server error", zap.Error(err))
		}
	}()

	go det.Run(ctx)
	go trustEngine.RunDecayLoop(ctx)
	go trustEngine.RunWatchdog(ctx)
	go store.RunSelfRecovery(ctx, peers, client, cfg.Trust.DefaultTrust,
		cfg.Durability.BootstrapGrace, cfg.Durability.RecoveryCooldown, cfg.Durability.SelfRecoveryPeriod,
		cfg.Durability.ControllerURL)
	go store.RunReplicaSync(ctx, peers, client, cfg.Durability.ReplicaSyncPeriod)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("peer protocol server shutdown error", zap.Error(err))
	}

	log.Info("warden shutdown complete")
}

// staticPeers resolves peer hostnames to base URLs by assuming every node
// in the cluster listens on the same port as this one — the PEERS env var
// names hosts only, per spec §6. Satisfies coordinator.PeerDirectory,
// peerrpc.PeerResolver, and durability.PeerDirectory identically.
type staticPeers struct {
	names []string
	port  string
}

func newStaticPeers(hostnames []string, listenAddr string) *staticPeers {
	return &staticPeers{names: hostnames, port: portSuffix(listenAddr)}
}

func (p *staticPeers) Names() []string { return p.names }

func (p *staticPeers) BaseURL(name string) (string, bool) {
	for _, n := range p.names {
		if n == name {
			return "http://" + name + p.port, true
		}
	}
	return "", false
}

func portSuffix(listenAddr string) string {
	idx := strings.LastIndex(listenAddr, ":")
	if idx < 0 {
		return ":5000"
	}
	return listenAddr[idx:]
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/cluster"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/config"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/latch"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/repo"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/storage"
	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/wire"
	"github.com/gotchoices/votetorrent-sub002/pkg/log"
	"github.com/gotchoices/votetorrent-sub002/pkg/metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blockpeer",
	Short: "blockpeer runs one node of a versioned, peer-to-peer block store",
	Long: `blockpeer serves the repo and cluster wire protocols for one node
of a block store: local materialization and pending-transaction state
over bbolt, and the promise/commit consensus round with the peers that
share responsibility for each block.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "blockpeer.yaml", "path to the peer's YAML config file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start this peer's repo and cluster listeners",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("blockpeer")

	keyPair, err := loadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return err
	}

	if cfg.TLS.Enabled {
		if err := ensurePeerCertificate(cfg); err != nil {
			return fmt.Errorf("ensure peer certificate: %w", err)
		}
	}
	tlsCfg := wire.TLSConfig{Enabled: cfg.TLS.Enabled, CertDir: cfg.TLS.CertDir}

	latches := latch.NewRegistry()

	engine, err := storage.Open(cfg.DataDir, nil, latches, logger)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	localRepo := repo.NewRepo(engine, cfg.Sync.TailFirstCommit)

	repoListener, err := wire.Listen(cfg.RepoListen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen repo %s: %w", cfg.RepoListen, err)
	}
	repoServer := repo.NewRepoServer(localRepo, repoListener, logger)

	clusterClient := cluster.NewClusterClient(tlsCfg)
	member := cluster.NewMember(cfg.PeerId, keyPair, localRepo, cfg.Cluster.PromiseTimeout, logger)

	clusterListener, err := wire.Listen(cfg.ClusterListen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listen cluster %s: %w", cfg.ClusterListen, err)
	}
	clusterServer := cluster.NewClusterServer(member, clusterClient.Update, clusterListener, logger)

	// The daemon only serves the inbound half of the protocol (Repo +
	// Member). Originating writes through a Coordinator/StaticDiscoverer
	// /PeerDialer is an embedding application's concern — it opens its
	// own Collection against this peer's (and its cluster's) repo/cluster
	// listeners using those same types as a client library.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := repoServer.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("repo server: %w", err)
		}
	}()
	go func() {
		if err := clusterServer.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("cluster server: %w", err)
		}
	}()
	go member.Run(ctx, cfg.Cluster.ResolutionPoll)

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Listen).Msg("metrics endpoint listening")
	}

	logger.Info().
		Str("peerId", cfg.PeerId).
		Str("repoListen", cfg.RepoListen).
		Str("clusterListen", cfg.ClusterListen).
		Msg("blockpeer serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	cancel()
	time.Sleep(100 * time.Millisecond) // let in-flight handlers observe ctx cancellation
	logger.Info().Msg("shutdown complete")
	return nil
}

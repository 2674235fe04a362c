package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blockforge-node/config"
	"blockforge-node/consensus"
	"blockforge-node/core"
	"blockforge-node/health"
	"blockforge-node/logger"
	"blockforge-node/metrics"
	"blockforge-node/network"
	"blockforge-node/rpc"
)

var startNodeCmd = &cobra.Command{
	Use:   "startnode",
	Short: "Start the blockchain node",
	Long:  `Start the blockchain node with P2P networking, RPC server, and optional mining.`,
	RunE:  runStartNode,
}

func runStartNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	logger.SetLevel(cfg.GetLogLevel())
	logger.Info("Starting blockchain node...")
	logger.Infof("Effective Configuration: DataDir=%s, P2PPort=%d, RPCPort=%d, HealthPort=%d, ChainID=%d, Consensus=%s, Mining=%t",
		cfg.DataDir, cfg.Port, cfg.RPCPort, cfg.HealthPort, cfg.ChainID, cfg.Consensus.Algorithm, cfg.Consensus.Mining)

	engine, err := consensus.NewEngine(cfg.Consensus.Algorithm, &cfg.Consensus)
	if err != nil {
		return fmt.Errorf("failed to initialize consensus engine: %v", err)
	}
	defer engine.Terminate("node shutdown")

	blockchain, err := core.NewBlockchain(cfg, engine)
	if err != nil {
		return fmt.Errorf("failed to initialize blockchain: %v", err)
	}
	defer func() {
		if err := blockchain.Close(); err != nil {
			logger.Errorf("Failed to close blockchain: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	var p2pServer *network.Server
	if cfg.EnableP2P {
		p2pServer = network.NewServer(cfg.Port, cfg.MaxPeers, cfg.ChainID, blockchain, cfg.BootNodes)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("Starting P2P server on port %d", cfg.Port)
			if err := p2pServer.Start(ctx); err != nil {
				logger.Errorf("P2P server error: %v", err)
				cancel()
			}
		}()
	} else {
		logger.Info("P2P server is disabled via configuration.")
	}

	var broadcaster core.Broadcaster
	if p2pServer != nil {
		broadcaster = p2pServer
	}
	miner := core.NewMiner(blockchain, engine, broadcaster, cfg.BlockTxLimit, cfg.Consensus.AdjustmentInterval)

	rpcConfig := &rpc.Config{
		Host: cfg.RPCAddr,
		Port: cfg.RPCPort,
	}
	var peerCounter rpc.PeerCounter
	if p2pServer != nil {
		peerCounter = p2pServer
	}
	rpcServer := rpc.NewServer(rpcConfig, cfg.ChainID, blockchain, miner, peerCounter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Infof("Starting RPC server on %s:%d", cfg.RPCAddr, cfg.RPCPort)
		if err := rpcServer.Start(); err != nil {
			logger.Errorf("RPC server error: %v", err)
			cancel()
		}
		<-ctx.Done()
		rpcServer.Stop()
	}()

	if cfg.EnableHealth {
		healthChecker := health.NewHealthChecker(blockchain, blockchain.GetDatabase())
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			mux.HandleFunc("/health", healthChecker.HealthHandler)
			mux.HandleFunc("/ready", healthChecker.ReadinessHandler)
			if cfg.EnableMetrics {
				mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					json.NewEncoder(w).Encode(metrics.GetMetrics().ToMap())
				})
			}
			healthServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HealthPort), Handler: mux}
			logger.Infof("Starting health & metrics server on port %d", cfg.HealthPort)

			serverErrCh := make(chan error, 1)
			go func() {
				serverErrCh <- healthServer.ListenAndServe()
			}()

			select {
			case err := <-serverErrCh:
				if err != nil && err != http.ErrServerClosed {
					logger.Errorf("Health server error: %v", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Health server graceful shutdown error: %v", err)
			}
			logger.Info("Health & metrics server stopped.")
		}()
	}

	if cfg.Consensus.Mining {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Mining enabled by configuration, starting miner.")
			miner.Start()
			<-ctx.Done()
			logger.Info("Received stop signal for miner, stopping...")
			miner.Stop()
		}()
	} else {
		logger.Info("Mining is disabled. Start it via the mining RPC API if needed.")
	}

	logger.Info("Blockchain node started successfully. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		logger.Infof("Received signal: %v, initiating shutdown...", s)
	case <-ctx.Done():
		logger.Info("Context cancelled by other service error, initiating shutdown...")
	}

	logger.Info("Broadcasting shutdown signal to all services...")
	cancel()

	shutdownCompleted := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownCompleted)
	}()

	select {
	case <-shutdownCompleted:
		logger.Info("All services stopped gracefully.")
	case <-time.After(10 * time.Second):
		logger.Warning("Timeout waiting for services to stop. Forcing exit.")
	}

	logger.Info("Blockchain node stopped.")
	return nil
}

//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/adapters/clients/objectstore"
	"github.com/weaviate/pipeminer/adapters/clients/orchestrator"
	"github.com/weaviate/pipeminer/adapters/handlers/health"
	"github.com/weaviate/pipeminer/adapters/repos/queue"
	"github.com/weaviate/pipeminer/adapters/repos/snapshot"
	"github.com/weaviate/pipeminer/usecases/auth/wallet"
	"github.com/weaviate/pipeminer/usecases/config"
	"github.com/weaviate/pipeminer/usecases/merge"
	"github.com/weaviate/pipeminer/usecases/miner"
	"github.com/weaviate/pipeminer/usecases/state"
)

type Options struct {
	LogLevel     string `long:"log-level" description:"log level (debug, info, warn, error)" default:"info"`
	MockCompute  bool   `long:"mock-compute" description:"run with the deterministic mock compute backend"`
	HealthPort   int    `long:"health-port" description:"port for the health and metrics endpoints" default:"8080"`
	MockWeights  int    `long:"mock-weights" description:"weight vector size for the mock compute backend" default:"1024"`
	ConfigChecks bool   `long:"validate-config" description:"validate the configuration and exit"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(opts.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("app", "pipeminer")

	cfg := config.Defaults()
	if err := config.FromEnv(&cfg); err != nil {
		log.WithError(err).Fatal("could not read configuration from environment")
	}
	if opts.MockCompute {
		cfg.MockCompute = true
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if opts.ConfigChecks {
		log.Info("configuration is valid")
		return
	}

	if err := os.MkdirAll(cfg.Persistence.DataPath, 0o755); err != nil {
		log.WithError(err).Fatal("could not create data path")
	}

	walletPath := cfg.Persistence.WalletPath
	if walletPath == "" {
		walletPath = filepath.Join(cfg.Persistence.DataPath, "hotkey.seed")
	}
	w, err := wallet.Load(walletPath)
	if err != nil {
		log.WithError(err).Fatal("could not load wallet")
	}
	log = log.WithField("hotkey", w.Hotkey()[:8])

	orch := orchestrator.New(cfg.OrchestratorURL, w, log)

	var store objectstore.Store
	switch cfg.StorageBackend {
	case config.StorageBackendS3:
		store, err = objectstore.NewS3(objectstore.S3Config{
			Endpoint: cfg.S3.Endpoint,
			Bucket:   cfg.S3.Bucket,
			Root:     cfg.S3.Root,
			UseSSL:   cfg.S3.UseSSL,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("could not build s3 client")
		}
	default:
		store = objectstore.NewPresigned(orch, log)
	}

	cache, err := state.NewCache(
		snapshot.NewStore(filepath.Join(cfg.Persistence.DataPath, "cache_snapshot.bin")),
		cfg.CacheMaxSize, orch, log)
	if err != nil {
		log.WithError(err).Fatal("could not restore activation cache")
	}
	manager := state.NewManager(cache, cfg.PhasePollInterval, log)

	q := queue.New(cfg.Persistence.DataPath, log)

	var compute miner.Compute
	if cfg.MockCompute {
		compute = miner.NewMockCompute(opts.MockWeights)
	} else {
		log.Fatal("no compute backend configured, run with --mock-compute")
	}

	var grid miner.LayerEstimator
	if cfg.MinerGridURL != "" {
		grid = miner.NewGridClient(cfg.MinerGridURL, log)
	}

	node := miner.NewNode(miner.NodeDeps{
		Orchestrator:           orch,
		Store:                  store,
		Queue:                  q,
		State:                  manager,
		Compute:                compute,
		Merger:                 merge.NewMerger(store, log),
		Grid:                   grid,
		Hotkey:                 w.Hotkey(),
		DataPath:               cfg.Persistence.DataPath,
		NumLayers:              cfg.NumLayers,
		CacheTimeout:           cfg.CacheTimeout,
		LayerEstimationTimeout: cfg.LayerEstimationTimeout,
		Logger:                 log,
	})

	poller := miner.NewPoller(miner.PollerDeps{
		Source:              orch,
		Queue:               q,
		DataPath:            cfg.Persistence.DataPath,
		PollInterval:        cfg.ActivationPollInterval,
		PruneInterval:       cfg.PruneInterval,
		PruneMaxAge:         cfg.PruneMaxAge,
		RegistrationRefresh: cfg.RegistrationRefresh,
		Logger:              log,
	})

	healthServer := health.NewServer(opts.HealthPort, w.Hotkey(), manager,
		cfg.Monitoring.Enabled, log)

	if cfg.Monitoring.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.Port)
			log.WithField("addr", addr).Info("serving prometheus metrics")
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := healthServer.Start(); err != nil {
			log.WithError(err).Error("health server failed")
		}
	}()
	poller.Start()

	runErr := node.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := poller.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("poller did not stop cleanly")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("health server did not stop cleanly")
	}

	if runErr != nil {
		log.WithError(runErr).Fatal("miner terminated with fatal error")
	}
	log.Info("miner shut down")
}

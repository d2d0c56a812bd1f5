// Package main is the beacon fulfillment operator entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/R3E-Network/beacon_operator/infrastructure/chain"
	"github.com/R3E-Network/beacon_operator/internal/beacon"
	"github.com/R3E-Network/beacon_operator/internal/config"
	"github.com/R3E-Network/beacon_operator/internal/executor"
	"github.com/R3E-Network/beacon_operator/internal/ledger"
	"github.com/R3E-Network/beacon_operator/internal/logging"
	"github.com/R3E-Network/beacon_operator/internal/metrics"
	"github.com/R3E-Network/beacon_operator/internal/prioritizer"
	commonservice "github.com/R3E-Network/beacon_operator/services/common/service"
	"github.com/R3E-Network/beacon_operator/services/operator"
)

const redisKeyPrefix = "beacon:pulse"

var (
	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "Path to the YAML configuration file",
		EnvVar: "OPERATOR_CONFIG",
	}
	envFileFlag = cli.StringFlag{
		Name:  "env-file",
		Usage: "Optional .env file loaded before OPERATOR_* overrides",
		Value: ".env",
	}
	networkFlag = cli.StringFlag{
		Name:  "network",
		Usage: "Beacon network to follow (overrides the config file)",
	}
	listenFlag = cli.StringFlag{
		Name:  "http.addr",
		Usage: "Status API listen address (overrides the config file)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "beacon-operator"
	app.Usage = "Fulfill on-chain randomness requests with drand beacon signatures"
	app.Version = operator.Version
	app.Flags = []cli.Flag{configFlag, envFileFlag, networkFlag, listenFlag}
	app.Action = run
	app.Commands = []cli.Command{
		{
			Name:   "verify",
			Usage:  "Check the configured beacon network against its published info and exit",
			Action: verify,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.GlobalString("config"), c.GlobalString(envFileFlag.Name))
	if err != nil {
		return nil, err
	}
	if v := c.GlobalString(networkFlag.Name); v != "" {
		cfg.Network = v
	}
	if v := c.GlobalString(listenFlag.Name); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	return cfg, cfg.Validate()
}

func newBeacon(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*beacon.Client, *beacon.RedisStore, error) {
	var store *beacon.RedisStore
	bcfg := beacon.Config{
		Networks: []beacon.Network{{
			Name:        cfg.Network,
			URL:         cfg.Selected().URL,
			GenesisTime: cfg.Selected().GenesisTime,
			Period:      cfg.Selected().Period,
		}},
		HTTPClient:        &http.Client{Timeout: cfg.Beacon.HTTPTimeout},
		Retry:             beacon.DefaultRetryConfig(),
		CircuitBreaker:    beacon.DefaultCircuitBreakerConfig(),
		LatestTTL:         cfg.Beacon.LatestTTL,
		RoundCacheSize:    cfg.Beacon.RoundCacheSize,
		RequestsPerSecond: cfg.Beacon.RequestsPerSecond,
		Burst:             cfg.Beacon.Burst,
		Logger:            logger,
		Metrics:           m,
	}
	if cfg.Beacon.RedisURL != "" {
		s, err := beacon.NewRedisStore(cfg.Beacon.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		store = s
		bcfg.Store = s
	}
	client, err := beacon.New(bcfg)
	if err != nil {
		return nil, nil, err
	}
	return client, store, nil
}

func verify(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.New(operator.ServiceID, logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	bc, _, err := newBeacon(cfg, logger, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := bc.VerifyNetwork(ctx, cfg.Network)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]any{
		"network":      cfg.Network,
		"genesis_time": info.GenesisTime,
		"period":       info.Period,
		"hash":         info.Hash,
	}).Info("beacon network verified")
	return nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.New(operator.ServiceID, logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock, err := cfg.RoundClock()
	if err != nil {
		return err
	}

	bc, store, err := newBeacon(cfg, logger, m)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	if cfg.Beacon.VerifyOnStart {
		if _, err := bc.VerifyNetwork(ctx, cfg.Network); err != nil {
			return fmt.Errorf("verify beacon network: %w", err)
		}
	}

	led := ledger.New(ledger.Config{
		Clock:      clock,
		OverlayTTL: cfg.Ledger.OverlayTTL,
		Logger:     logger,
		Metrics:    m,
	})

	prioCfg, err := cfg.PrioritizerSettings()
	if err != nil {
		return err
	}
	prio, err := prioritizer.New(prioCfg, clock)
	if err != nil {
		return err
	}

	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:        cfg.Chain.RPCURL,
		OracleAddress: cfg.Chain.OracleAddress,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	writer, err := chain.NewWriter(chainClient, chain.WriterConfig{
		PrivateKey:     cfg.Chain.PrivateKey,
		ChainID:        cfg.Chain.ChainID,
		GasLimitBuffer: cfg.Chain.GasLimitBuffer,
		PollInterval:   cfg.Chain.ReceiptPollInterval,
	})
	if err != nil {
		return err
	}
	listener := chain.NewEventListener(chainClient, chain.ListenerConfig{
		StartBlock:   cfg.Chain.StartBlock,
		PollInterval: cfg.Chain.EventPollInterval,
		MaxRange:     cfg.Chain.LogRange,
	})

	exec, err := executor.New(executor.Config{
		Network:        cfg.Network,
		Confirmations:  cfg.Executor.Confirmations,
		ConfirmTimeout: cfg.Executor.ConfirmTimeout,
		Ledger:         led,
		Beacon:         bc,
		Writer:         writer,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	svc, err := operator.New(operator.Config{
		Network:          cfg.Network,
		Clock:            clock,
		Thresholds:       cfg.StalenessThresholds(),
		PollInterval:     cfg.Ledger.PollInterval,
		DispatchInterval: cfg.Executor.DispatchInterval,
		MaxConcurrent:    cfg.Executor.MaxConcurrent,
		EvictSchedule:    cfg.Ledger.EvictSchedule,
		Retention:        cfg.Ledger.Retention,
		APIRateLimit:     cfg.HTTP.RequestsPerSecond,
		APIBurst:         cfg.HTTP.Burst,
		Ledger:           led,
		Prioritizer:      prio,
		Beacon:           bc,
		Chain:            chainClient,
		Events:           listener,
		Runner:           executor.NewRunner(exec, cfg.RetrySettings()),
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	if store != nil {
		svc.AddProbe(commonservice.Probe{Name: "redis", Check: store.Ping})
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      svc.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]any{"addr": cfg.HTTP.ListenAddr, "operator": writer.From().Hex()}).Info("status API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.WithError(err).Error("status API failed")
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("status API shutdown")
	}
	if serr := svc.Stop(); serr != nil {
		logger.WithError(serr).Warn("service stop")
	}
	logger.Info("service stopped")
	return err
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/accountant"
	"github.com/halcyon-lab/paper-broker/internal/config"
	"github.com/halcyon-lab/paper-broker/internal/engine"
	"github.com/halcyon-lab/paper-broker/internal/feed"
	"github.com/halcyon-lab/paper-broker/internal/ledger"
	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/monitor"
	"github.com/halcyon-lab/paper-broker/internal/notify"
	"github.com/halcyon-lab/paper-broker/internal/pricecache"
	"github.com/halcyon-lab/paper-broker/internal/server"
	"github.com/halcyon-lab/paper-broker/internal/version"
	"github.com/halcyon-lab/paper-broker/pkg/utils"
)

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	l, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer l.Sync() //nolint:errcheck // stdout sync failure on shutdown is harmless

	// Storage.
	store, err := ledger.NewStore(cfg.Ledger.Path, l)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer store.Close()

	initialBalance := decimal.NewFromFloat(cfg.Account.InitialBalance)
	if err := store.Initialize(ctx, initialBalance); err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}

	// Market data.
	cache := pricecache.NewCache()

	var priceFeed feed.Feed
	if cfg.Feed.Provider == "static" {
		priceFeed = feed.NewStaticFeed(cache, cfg.Feed.StaticPrices, l)
	} else {
		priceFeed = feed.NewBinanceFeed(cache, cfg.Feed.Symbols, l)
	}

	if err := priceFeed.Start(ctx); err != nil {
		return fmt.Errorf("failed to start price feed: %w", err)
	}
	defer priceFeed.Stop()

	// Core.
	acct := accountant.New(store, cache, cfg.Engine.SnapshotTTL(), l)

	events := notify.NewDispatcher(l, 128, notify.LogHandler(l))
	defer events.Close()

	sim := engine.NewSimulator(store, cache, acct, events, engine.Config{
		SlippageRate: decimal.NewFromFloat(cfg.Engine.SlippageRate),
		TakerFeeRate: decimal.NewFromFloat(cfg.Engine.TakerFeeRate),
		MarginModel:  engine.MarginModel(cfg.Engine.MarginModel),
		MaxFillDelay: cfg.Engine.MaxFillDelay(),
	}, l)

	riskMonitor := monitor.New(store, sim, cache, monitor.Config{
		Interval:  cfg.Monitor.Interval(),
		PriceTTL:  cfg.Monitor.PriceTTL(),
		GapPolicy: monitor.GapPolicy(cfg.Monitor.GapPolicy),
	}, l)
	riskMonitor.Start(ctx)
	defer riskMonitor.Stop()

	// HTTP facade.
	srv := server.New(sim, acct, l)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe(cfg.Server.ListenAddr)
	}()

	l.Info("paper broker started",
		zap.String("version", version.GetVersion()),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("ledger_path", cfg.Ledger.Path),
		zap.Strings("symbols", cfg.Feed.Symbols))

	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func schemaAction(_ context.Context, _ *cli.Command) error {
	schema, err := utils.GetSchemaFromConfig(config.Config{})
	if err != nil {
		return fmt.Errorf("failed to generate config schema: %w", err)
	}

	fmt.Println(schema)

	return nil
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}

		return cfg, nil
	}

	return config.Load(path)
}

func main() {
	cmd := &cli.Command{
		Name:    "broker",
		Usage:   "Run the paper futures broker",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "schema",
				Usage:  "Print the JSON schema for the configuration file",
				Action: schemaAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

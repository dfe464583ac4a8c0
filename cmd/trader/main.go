package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/coveredcall/api"
	"github.com/gregtusar/coveredcall/internal/config"
	"github.com/gregtusar/coveredcall/pkg/account"
	"github.com/gregtusar/coveredcall/pkg/engine"
	"github.com/gregtusar/coveredcall/pkg/gateway"
	"github.com/gregtusar/coveredcall/pkg/journal"
	"github.com/gregtusar/coveredcall/pkg/models"
	"github.com/gregtusar/coveredcall/pkg/pricing"
	"github.com/gregtusar/coveredcall/pkg/reconcile"
	"github.com/gregtusar/coveredcall/pkg/strategy"
	"github.com/gregtusar/coveredcall/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
	logger  *logrus.Logger

	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coveredcall-trader",
		Short: "Covered-call option trading system",
		Long:  `Writes short-dated calls against stock holdings and buys them back near expiry, walking limit prices down a paced ladder`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", ".env file (default is ./.env if present)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and run the trader",
		Long: `Connect to the broker and run the trader.

With gateway.mode "bridge" the trader streams quotes and routes orders through
the broker bridge at gateway.url. The default "paper" mode is a dry run: the
simulated gateway has no market data feed, so no quotes arrive and no trades are
placed. Use it to check configuration, the journal and the API server.`,
		Run: runTrader,
	}

	var side, min, max string
	ladderCmd := &cobra.Command{
		Use:   "ladder",
		Short: "Preview the price ladder and pacing for a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printLadder(side, min, max)
		},
	}
	ladderCmd.Flags().StringVar(&side, "side", "SELL", "BUY or SELL")
	ladderCmd.Flags().StringVar(&min, "min", "", "lowest acceptable price")
	ladderCmd.Flags().StringVar(&max, "max", "", "highest acceptable price")
	ladderCmd.MarkFlagRequired("min")
	ladderCmd.MarkFlagRequired("max")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, ladderCmd, versionCmd)
	return rootCmd
}

func setupLogger(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.WithError(err).Error("Failed to open log file, logging to stderr")
			return
		}
		logger.SetOutput(f)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := journal.Open(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open trade journal")
	}
	defer store.Close()

	var gw gateway.Gateway
	switch cfg.Gateway.Mode {
	case "bridge":
		bridge := gateway.NewBridge(cfg.Gateway.Bridge(), logger)
		if err := bridge.Connect(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to connect to broker bridge")
		}
		defer bridge.Close()
		gw = bridge
	default:
		var opts []gateway.PaperOption
		if cfg.Gateway.AutoFill {
			opts = append(opts, gateway.WithAutoFill())
		}
		paper := gateway.NewPaper(logger, opts...)
		go paper.Run(ctx)
		gw = paper
		logger.Warn("Paper gateway has no market data feed, no trades will be placed; set gateway.mode to bridge to trade")
	}

	rec := reconcile.New(gw, cfg.Engine.Reconcile(), logger)

	newEngine := func(side models.Side) *engine.Engine {
		e, err := engine.New(gw, rec, engine.Options{
			Symbol:     cfg.Trading.Symbol,
			Side:       side,
			Pricing:    cfg.Engine.PricingFactory(),
			AckTimeout: cfg.Engine.AckTimeout,
			Recorder:   store,
		}, logger)
		if err != nil {
			logger.WithError(err).WithField("side", side).Fatal("Failed to create execution engine")
		}
		return e
	}
	sell := newEngine(models.SideSell)
	buy := newEngine(models.SideBuy)
	defer sell.Close()
	defer buy.Close()

	strat := strategy.NewThreshold(cfg.Trading.Threshold(), time.Now)
	coveredCall, err := trader.NewCoveredCallTrader(gw, strat, rec, sell, buy,
		account.NewManager(account.DefaultMultiplier),
		trader.Config{Symbol: cfg.Trading.Symbol, DTELow: cfg.Trading.DTELow, DTEHigh: cfg.Trading.DTEHigh},
		logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create trader")
	}

	if err := coveredCall.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start trader")
	}

	apiServer := api.NewServer(coveredCall, store, logger, api.Options{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Server.JWTSecret,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"symbol":  cfg.Trading.Symbol,
		"gateway": cfg.Gateway.Mode,
		"pricing": cfg.Engine.Pricing,
	}).Info("Covered-call trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	coveredCall.Stop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server did not shut down cleanly")
	}
	cancel()

	logger.Info("Covered-call trader stopped")
}

func printLadder(side, min, max string) error {
	lo, err := decimal.NewFromString(min)
	if err != nil {
		return fmt.Errorf("invalid --min: %w", err)
	}
	hi, err := decimal.NewFromString(max)
	if err != nil {
		return fmt.Errorf("invalid --max: %w", err)
	}

	l, err := pricing.NewLadder(models.Side(strings.ToUpper(side)), lo, hi)
	if errors.Is(err, pricing.ErrLadderTooNarrow) {
		return fmt.Errorf("%w; widen the range past two ticks", err)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPRICE\tRESTS\tAT")
	for i, r := range api.Rungs(l) {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i, r.Price.StringFixed(2), r.Interval, r.Offset)
	}
	return w.Flush()
}

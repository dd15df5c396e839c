package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gregtusar/fundingdesk/api"
	"github.com/gregtusar/fundingdesk/internal/config"
	"github.com/gregtusar/fundingdesk/internal/logging"
	"github.com/gregtusar/fundingdesk/pkg/bitfinex"
	"github.com/gregtusar/fundingdesk/pkg/funding"
	"github.com/gregtusar/fundingdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	cfgFile      string
	borrowerOnly bool
	allSides     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "fundingd",
		Short:        "Bitfinex funding position service",
		Long:         `Reads active Bitfinex funding credits and loans over the authenticated websocket feed and closes them over signed REST`,
		RunE:         runServe,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}

	positionsCmd := &cobra.Command{
		Use:   "positions",
		Short: "Print active funding positions",
		RunE:  runPositions,
	}
	positionsCmd.Flags().BoolVar(&borrowerOnly, "borrower-only", false, "only borrower positions (overrides config)")
	positionsCmd.Flags().BoolVar(&allSides, "all", false, "all sides (overrides config)")
	positionsCmd.MarkFlagsMutuallyExclusive("borrower-only", "all")

	closeCmd := &cobra.Command{
		Use:   "close ID [ID...]",
		Short: "Close funding positions by id",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClose,
	}

	bookCmd := &cobra.Command{
		Use:   "book [SYMBOL]",
		Short: "Print the ask side of the public funding book",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBook,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print stream and platform status",
		RunE:  runStatus,
	}

	rootCmd.AddCommand(serveCmd, positionsCmd, closeCmd, bookCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	service *funding.Service
}

// bootstrap loads configuration and wires the exchange clients. Missing
// credentials stop the process here, before any client exists.
func bootstrap(console io.Writer) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging, console)
	if err != nil {
		return nil, err
	}

	signer := bitfinex.NewSigner(cfg.Bitfinex.APIKey, cfg.Bitfinex.APISecret)
	retry := bitfinex.RetryPolicy{
		MaxAttempts:     cfg.Bitfinex.Retry.MaxAttempts,
		InitialInterval: cfg.Bitfinex.Retry.InitialInterval,
		MaxInterval:     cfg.Bitfinex.Retry.MaxInterval,
	}

	streamOpts := []bitfinex.StreamOption{
		bitfinex.WithStreamURL(cfg.Bitfinex.WebSocketURL),
		bitfinex.WithStreamRetryPolicy(retry),
		bitfinex.WithFrameTimeout(cfg.Bitfinex.FrameTimeout),
		bitfinex.WithAuthTimeout(cfg.Bitfinex.AuthTimeout),
	}
	if cfg.Bitfinex.IncludeWallet {
		streamOpts = append(streamOpts, bitfinex.WithWalletChannel())
	}
	stream := bitfinex.NewStreamClient(signer, logger, streamOpts...)

	restOpts := []bitfinex.RESTOption{
		bitfinex.WithRESTURL(cfg.Bitfinex.RESTURL),
		bitfinex.WithPublicURL(cfg.Bitfinex.PublicURL),
		bitfinex.WithRetryPolicy(retry),
		bitfinex.WithRateLimiter(newLimiter(cfg.Bitfinex.RateLimit)),
		bitfinex.WithRequestTimeout(cfg.Bitfinex.RequestTimeout),
	}
	if cfg.Bitfinex.PreflightCheck {
		restOpts = append(restOpts, bitfinex.WithPreflightCheck())
	}
	commands := bitfinex.NewRESTClient(signer, logger, restOpts...)

	return &app{
		cfg:     cfg,
		logger:  logger,
		service: funding.NewService(stream, commands, cfg.Funding.FrameBudget, logger),
	}, nil
}

func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), burst)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(os.Stdout)
	if err != nil {
		return err
	}
	defer a.service.Shutdown()

	ctx, cancel := signalContext()
	defer cancel()

	server := api.NewServer(a.service, a.logger, strconv.Itoa(a.cfg.Server.Port),
		api.WithAuth(a.cfg.Server.Auth),
		api.WithPositionDefaults(funding.PositionQuery{
			KeepAlive:    a.cfg.Funding.KeepAlive,
			BorrowerOnly: a.cfg.Funding.BorrowerOnly,
		}),
		api.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
	)

	a.logger.Info("Funding service is running. Press Ctrl+C to stop.")
	if err := server.Start(ctx); err != nil {
		a.logger.WithError(err).Error("API server stopped with error")
		return err
	}
	a.logger.Info("Funding service stopped")
	return nil
}

// oneShot bootstraps with logs on stderr so stdout carries only JSON.
func oneShot() (*app, context.Context, context.CancelFunc, error) {
	a, err := bootstrap(os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signalContext()
	return a, ctx, cancel, nil
}

func runPositions(cmd *cobra.Command, args []string) error {
	a, ctx, cancel, err := oneShot()
	if err != nil {
		return err
	}
	defer cancel()
	defer a.service.Shutdown()

	q := funding.PositionQuery{BorrowerOnly: a.cfg.Funding.BorrowerOnly}
	switch {
	case borrowerOnly:
		q.BorrowerOnly = true
	case allSides:
		q.BorrowerOnly = false
	}
	return printJSON(a.service.ActivePositions(ctx, q))
}

func runClose(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	a, ctx, cancel, err := oneShot()
	if err != nil {
		return err
	}
	defer cancel()
	defer a.service.Shutdown()

	results := a.service.ClosePositions(ctx, ids)
	if err := printJSON(results); err != nil {
		return err
	}
	if !models.AllSucceeded(results) {
		return fmt.Errorf("%w: not every position was closed", bitfinex.ErrCommandFailed)
	}
	return nil
}

func runBook(cmd *cobra.Command, args []string) error {
	symbol := "fUSD"
	if len(args) == 1 {
		symbol = args[0]
	}

	a, ctx, cancel, err := oneShot()
	if err != nil {
		return err
	}
	defer cancel()

	return printJSON(a.service.FundingBook(ctx, symbol))
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, ctx, cancel, err := oneShot()
	if err != nil {
		return err
	}
	defer cancel()

	return printJSON(a.service.Status(ctx))
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid position id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // embedded zone data for hosts without it

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/calendar"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/config"
	"github.com/eddiefleurent/spx_straddler/internal/dashboard"
	"github.com/eddiefleurent/spx_straddler/internal/mock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/orders"
	"github.com/eddiefleurent/spx_straddler/internal/retry"
	"github.com/eddiefleurent/spx_straddler/internal/risk"
	"github.com/eddiefleurent/spx_straddler/internal/scheduler"
	"github.com/eddiefleurent/spx_straddler/internal/storage"
	"github.com/eddiefleurent/spx_straddler/internal/strategy"
)

// Process exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitUnhedged = 2
)

// liveConfirmDelay gives the operator time to abort a live start.
const liveConfirmDelay = 10 * time.Second

// Bot holds the components shared by every trading cycle.
type Bot struct {
	config   *config.Config
	gateway  broker.Gateway
	calendar *calendar.Calendar
	selector *strategy.Selector
	sizer    risk.Sizer
	executor *orders.Executor
	storage  storage.Interface
	clock    clock.Clock
	logger   logrus.FieldLogger
}

// newBot builds the strategy components from cfg around gw and store.
func newBot(cfg *config.Config, gw broker.Gateway, store storage.Interface, clk clock.Clock, logger logrus.FieldLogger) (*Bot, error) {
	cal, err := calendar.New(cfg.CalendarConfig())
	if err != nil {
		return nil, err
	}

	sizer, err := risk.NewSizer(cfg.Risk.Policy, cfg.Risk.MaxRiskFraction, logger)
	if err != nil {
		return nil, err
	}

	selector := strategy.NewSelector(gw, cal, clk, strategy.Config{
		Root:            cfg.Strategy.Symbol,
		IndexSymbol:     cfg.Strategy.IndexSymbol,
		LadderHalfWidth: cfg.Strategy.LadderHalfWidth,
		MaxSpreadPct:    cfg.Strategy.MaxSpreadPct,
		MinSpot:         cfg.Strategy.MinSpot,
		MaxSpot:         cfg.Strategy.MaxSpot,
	}, logger)

	executor := orders.NewExecutor(gw, clk, logger, orders.Config{
		Pricing: orders.PricingConfig{
			WideSpreadPct:  cfg.Orders.WideSpreadPct,
			TightSpreadPct: cfg.Orders.TightSpreadPct,
			UrgentMarkup:   cfg.Orders.UrgentMarkup,
			TightFraction:  cfg.Orders.TightFraction,
			NormalFraction: cfg.Orders.NormalFraction,
		},
		MaxAttempts:    cfg.Orders.MaxAttempts,
		PollInterval:   cfg.PollInterval(),
		AttemptTimeout: cfg.AttemptTimeout(),
		FinalTimeout:   cfg.FinalTimeout(),
	})

	return &Bot{
		config:   cfg,
		gateway:  gw,
		calendar: cal,
		selector: selector,
		sizer:    sizer,
		executor: executor,
		storage:  store,
		clock:    clk,
		logger:   logger,
	}, nil
}

// buildGateway returns the broker stack for cfg: the Tradier adapter (or a
// simulated gateway) behind a circuit breaker and connection retries.
func buildGateway(cfg *config.Config, clk clock.Clock, logger logrus.FieldLogger) (broker.Gateway, error) {
	var base broker.Gateway
	switch cfg.Broker.Provider {
	case "simulated":
		sim, err := newSimulatedGateway(cfg, clk)
		if err != nil {
			return nil, err
		}
		logger.Info("Using simulated broker")
		base = sim
	default:
		api := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading(),
			cfg.Broker.APIEndpoint, logger)
		base = broker.NewTradierGateway(api)
	}

	cb := broker.NewCircuitBreakerGateway(base, logger)
	return retry.NewGateway(cb, logger, clk, retry.Config{MaxAttempts: cfg.Broker.ConnectionRetries}), nil
}

// newSimulatedGateway seeds a paper gateway with a synthetic chain for the
// current weekly expiry and a funded account.
func newSimulatedGateway(cfg *config.Config, clk clock.Clock) (*mock.Gateway, error) {
	cal, err := calendar.New(cfg.CalendarConfig())
	if err != nil {
		return nil, err
	}
	now := clk.Now()
	expiry := strategy.ExpiryFor(now, cal)
	days := int(math.Ceil(expiry.Sub(now).Hours() / 24))

	data := mock.NewDataProvider(0)
	gw := mock.NewGateway()
	gw.SetQuote(data.IndexQuote(cfg.Strategy.IndexSymbol))
	gw.SetQuotes(data.Chain(cfg.Strategy.Symbol, strategy.ExpiryLabel(expiry),
		strategy.StrikeInterval(data.Spot()), cfg.Strategy.LadderHalfWidth, max(1, days)))
	gw.SetAccount(models.AccountSnapshot{
		AccountID:   "SIM",
		Cash:        100000,
		BuyingPower: 100000,
		TotalValue:  100000,
	})
	return gw, nil
}

// newLogger builds the process logger at level.
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

type runOptions struct {
	configPath string
	envFile    string
	paper      bool
	simulate   bool
	once       bool
}

// loadConfig reads .env and the YAML file and applies command-line overrides.
func loadConfig(opts runOptions) (*config.Config, error) {
	if err := config.LoadEnv(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.paper {
		cfg.Environment.Mode = "paper"
	}
	if opts.simulate {
		cfg.Broker.Provider = "simulated"
	}
	return cfg, nil
}

func runBot(ctx context.Context, opts runOptions) (int, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return exitFatal, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Environment.LogLevel)
	clk := clock.Real{}

	logger.WithFields(logrus.Fields{
		"mode":   cfg.Environment.Mode,
		"policy": cfg.Risk.Policy,
		"broker": cfg.Broker.Provider,
	}).Info("Starting SPX Straddle Bot")
	if cfg.Risk.Policy == config.PolicyNoLimits {
		logger.Warn("NO_LIMITS risk policy selected: position size is bounded only by max_risk_fraction")
	}
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Warnf("LIVE TRADING MODE - Real money at risk! Waiting %s to confirm...", liveConfirmDelay)
		if err := clk.Sleep(ctx, liveConfirmDelay); err != nil {
			logger.Info("Start aborted")
			return exitOK, nil
		}
	}

	gw, err := buildGateway(cfg, clk, logger)
	if err != nil {
		return exitFatal, err
	}

	store, err := storage.NewStorage(cfg.Storage.JournalPath)
	if err != nil {
		return exitFatal, fmt.Errorf("failed to open journal: %w", err)
	}

	bot, err := newBot(cfg, gw, store, clk, logger)
	if err != nil {
		return exitFatal, err
	}

	// Verify broker connection
	acct, err := gw.GetAccountInfo(ctx)
	if err != nil {
		return exitFatal, fmt.Errorf("failed to connect to broker: %w", err)
	}
	logger.WithField("total_value", acct.TotalValue).Info("Connected to broker")

	cycle := NewTradingCycle(bot)
	if opts.once {
		_, err := cycle.Run(ctx)
		return exitCode(err), err
	}
	return runScheduled(ctx, bot, cycle)
}

// cycleDone stops the scheduler once a cycle has reached order submission.
type cycleDone struct {
	rec *models.TradeRecord
	err error
}

func (c *cycleDone) Error() string {
	if c.err != nil {
		return c.err.Error()
	}
	return "trade completed: " + string(c.rec.Status)
}

func (c *cycleDone) Unwrap() error { return c.err }

// runScheduled retries the cycle every interval until one places orders,
// serving the dashboard alongside when enabled.
func runScheduled(ctx context.Context, bot *Bot, cycle *TradingCycle) (int, error) {
	cfg := bot.config
	sched := scheduler.New(bot.clock, cfg.GetCycleInterval(), bot.logger)
	sched.Halt = func(err error) bool {
		var done *cycleDone
		return errors.As(err, &done)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var result error
	g.Go(func() error {
		defer cancel()
		account := cfg.Broker.AccountID
		if account == "" {
			account = "default"
		}
		result = sched.Run(gctx, account, func(ctx context.Context) error {
			rec, err := cycle.Run(ctx)
			if rec != nil {
				return &cycleDone{rec: rec, err: err}
			}
			var unhedged *models.UnhedgedLegError
			if errors.As(err, &unhedged) {
				return &cycleDone{err: err}
			}
			return err
		})
		return nil
	})

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
			Root:      cfg.Strategy.Symbol,
		}, bot.storage, bot.gateway, bot.calendar, bot.clock, bot.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return exitFatal, err
	}
	var done *cycleDone
	if errors.As(result, &done) {
		return exitCode(done.err), done.err
	}
	bot.logger.Info("Bot stopped successfully")
	return exitOK, nil
}

// exitCode maps a cycle error to the process exit code. Aborts and failed
// orders exit cleanly; an unhedged leg needs operator attention.
func exitCode(err error) int {
	var unhedged *models.UnhedgedLegError
	var cfgErr *models.ConfigError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &unhedged):
		return exitUnhedged
	case errors.As(err, &cfgErr):
		return exitFatal
	case errors.Is(err, models.ErrMarketClosed),
		errors.Is(err, models.ErrQuoteUnavailable),
		errors.Is(err, models.ErrInsufficientCapital),
		errors.Is(err, models.ErrOrderRejected),
		errors.Is(err, models.ErrFillTimeout),
		errors.Is(err, errExistingPosition):
		return exitOK
	default:
		return exitFatal
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the exit code.
func execute(ctx context.Context, args []string) int {
	code := exitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if code == exitOK {
			code = exitFatal
		}
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "spx-straddler",
		Short:         "Same-week SPX straddle trading bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().String("env", ".env", "Path to .env file")

	root.AddCommand(newRunCmd(code), newCheckCmd(), newJournalCmd(), newLiquidateCmd())
	return root
}

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/calendar"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/storage"
	"github.com/eddiefleurent/spx_straddler/internal/strategy"
)

func commonOptions(cmd *cobra.Command) runOptions {
	configPath, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env")
	return runOptions{configPath: configPath, envFile: envFile}
}

func newRunCmd(code *int) *cobra.Command {
	var paper, simulate, once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trade the weekly straddle",
		Long: "Runs trading cycles until one reaches order submission. With --once a single " +
			"cycle runs immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := commonOptions(cmd)
			opts.paper, opts.simulate, opts.once = paper, simulate, once
			c, err := runBot(cmd.Context(), opts)
			*code = c
			if c == exitOK {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&paper, "paper", false, "Force paper trading mode")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use the simulated broker")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single cycle and exit")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var simulate bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show market status, spot, account and positions without trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := commonOptions(cmd)
			opts.simulate = simulate
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Environment.LogLevel)
			clk := clock.Real{}
			gw, err := buildGateway(cfg, clk, logger)
			if err != nil {
				return err
			}
			bot, err := newBot(cfg, gw, storage.NewMockStorage(), clk, logger)
			if err != nil {
				return err
			}
			return runCheck(cmd, bot, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use the simulated broker")
	return cmd
}

// runCheck prints the pre-trade view. Gateway failures are shown inline
// rather than aborting the report.
func runCheck(cmd *cobra.Command, bot *Bot, w io.Writer) error {
	ctx := cmd.Context()
	now := bot.clock.Now()
	session := bot.calendar.Check(now)
	expiry := strategy.ExpiryFor(now, bot.calendar)

	market := newTable(w, "Market", "Value")
	market.Append([]string{"Time", now.In(bot.calendar.Location()).Format("2006-01-02 15:04:05 MST")})
	market.Append([]string{"Session", sessionLabel(session)})
	market.Append([]string{"Close", bot.calendar.CloseOn(now).Format("15:04 MST")})
	market.Append([]string{"Weekly expiry", strategy.ExpiryLabel(expiry)})
	if spot, err := bot.selector.Spot(ctx); err != nil {
		market.Append([]string{"Spot", "unavailable: " + err.Error()})
	} else {
		market.Append([]string{"Spot", money(spot)})
	}
	market.Render()

	acct, err := bot.gateway.GetAccountInfo(ctx)
	if err != nil {
		fmt.Fprintf(w, "Account unavailable: %v\n", err)
		return nil
	}
	account := newTable(w, "Account", "Value")
	account.Append([]string{"Cash", money(acct.Cash)})
	account.Append([]string{"Buying power", money(acct.BuyingPower)})
	account.Append([]string{"Total value", money(acct.TotalValue)})
	account.Append([]string{"Daily P&L", money(acct.DailyPnL)})
	account.Append([]string{"Risk policy", bot.sizer.Policy()})
	account.Render()

	positions, err := bot.gateway.ListPositions(ctx)
	if err != nil {
		fmt.Fprintf(w, "Positions unavailable: %v\n", err)
		return nil
	}
	root := bot.config.Strategy.Symbol
	pos := newTable(w, "Code", "Qty", "Cost basis", "Market value", "Unrealized")
	n := 0
	for _, p := range positions {
		if !broker.HasRoot(p.Code, root) {
			continue
		}
		n++
		pos.Append([]string{p.Code, strconv.Itoa(p.Qty), money(p.CostBasis), money(p.MarketValue), money(p.UnrealizedPnL)})
	}
	if n == 0 {
		fmt.Fprintf(w, "No open %s positions\n", root)
		return nil
	}
	pos.Render()
	return nil
}

func newJournalCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the trade journal",
	}
	cmd.PersistentFlags().StringVar(&path, "journal", "", "Journal path (defaults to storage.journal_path)")

	records := func(cmd *cobra.Command) ([]models.TradeRecord, error) {
		p := path
		if p == "" {
			cfg, err := loadConfig(commonOptions(cmd))
			if err != nil {
				return nil, err
			}
			p = cfg.Storage.JournalPath
		}
		store, err := storage.NewJSONLStorage(p)
		if err != nil {
			return nil, err
		}
		return store.Records()
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write journal records as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := records(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out) // #nosec G304 -- user-provided output path
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return storage.ExportCSV(recs, w)
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")

	summary := &cobra.Command{
		Use:   "summary",
		Short: "Summarize journal outcomes and costs",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := records(cmd)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), storage.Summarize(recs))
			return nil
		},
	}

	cmd.AddCommand(export, summary)
	return cmd
}

func printSummary(w io.Writer, s storage.Statistics) {
	t := newTable(w, "Metric", "Value")
	t.Append([]string{"Trades", strconv.Itoa(s.TotalTrades)})
	t.Append([]string{"Filled", strconv.Itoa(s.FilledTrades)})
	t.Append([]string{"Partial", strconv.Itoa(s.PartialTrades)})
	t.Append([]string{"Failed", strconv.Itoa(s.FailedTrades)})
	t.Append([]string{"Fill rate", fmt.Sprintf("%.1f%%", s.FillRate*100)})
	t.Append([]string{"Contracts", strconv.Itoa(s.TotalContracts)})
	t.Append([]string{"Total cost", money(s.TotalCost)})
	t.Append([]string{"Mean cost", money(s.MeanCost)})
	t.Append([]string{"Median cost", money(s.MedianCost)})
	t.Append([]string{"Max cost", money(s.MaxCost)})
	t.Append([]string{"Cost std dev", money(s.CostStdDev)})
	t.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	return t
}

func sessionLabel(s calendar.Session) string {
	if s.Open {
		return "OPEN"
	}
	return "CLOSED (" + s.Reason + ")"
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

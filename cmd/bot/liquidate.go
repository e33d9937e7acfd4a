package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/orders"
	"github.com/eddiefleurent/spx_straddler/internal/storage"
)

// errLiquidationIncomplete reports positions left open after liquidation.
var errLiquidationIncomplete = errors.New("liquidation incomplete")

func newLiquidateCmd() *cobra.Command {
	var yes, simulate bool
	cmd := &cobra.Command{
		Use:   "liquidate",
		Short: "Close every open long position on the option root at urgent prices",
		Long: "Sells to close each open position on strategy.symbol through the order executor. " +
			"Use it to flatten an unhedged leg after a run exits with code 2.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to liquidate without --yes")
			}
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
			closed, err := liquidate(cmd.Context(), bot)
			fmt.Fprintf(cmd.OutOrStdout(), "Closed %d position(s)\n", closed)
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm liquidation")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use the simulated broker")
	return cmd
}

// liquidate sells every long position on the configured root and returns
// how many were fully closed. Short positions are reported, not touched.
func liquidate(ctx context.Context, bot *Bot) (int, error) {
	root := bot.config.Strategy.Symbol
	log := bot.logger.WithField("component", "liquidate")

	positions, err := bot.gateway.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}

	var targets []broker.Position
	codes := make([]string, 0, len(positions))
	for _, p := range positions {
		if !broker.HasRoot(p.Code, root) || p.Qty == 0 {
			continue
		}
		if p.Qty < 0 {
			log.WithFields(logrus.Fields{"code": p.Code, "qty": p.Qty}).Warn("Short position left untouched")
			continue
		}
		targets = append(targets, p)
		codes = append(codes, p.Code)
	}
	if len(targets) == 0 {
		log.WithField("root", root).Info("No open positions to liquidate")
		return 0, nil
	}

	quotes, err := bot.gateway.GetMarketSnapshot(ctx, codes)
	if err != nil {
		return 0, fmt.Errorf("quote positions: %w", err)
	}

	closed := 0
	var failed []string
	for _, p := range targets {
		q, ok := quotes[p.Code]
		if !ok || !q.Valid() {
			log.WithField("code", p.Code).Error("No two-sided quote, skipping")
			failed = append(failed, p.Code)
			continue
		}
		order, err := bot.executor.Execute(ctx, orders.LegRequest{
			Code:   p.Code,
			Side:   models.SideSellToClose,
			Qty:    p.Qty,
			Bid:    q.Bid,
			Ask:    q.Ask,
			Urgent: true,
		})
		if err != nil || order.State != models.StateFilled {
			log.WithError(err).WithFields(logrus.Fields{
				"code":   p.Code,
				"state":  order.State,
				"closed": order.FilledQty,
			}).Error("Position not fully closed")
			failed = append(failed, p.Code)
			continue
		}
		closed++
		log.WithFields(logrus.Fields{"code": p.Code, "qty": p.Qty, "price": order.AvgFillPrice}).Info("Position closed")
	}

	if len(failed) > 0 {
		return closed, fmt.Errorf("%w: %v", errLiquidationIncomplete, failed)
	}
	return closed, nil
}

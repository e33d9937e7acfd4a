package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/metrics"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/orders"
)

// unwindTimeout bounds the closing order for an exposed leg. The unwind
// runs even after the cycle context is cancelled.
const unwindTimeout = 2 * time.Minute

// errExistingPosition aborts a cycle when block_on_existing is set and the
// account already holds contracts on the option root.
var errExistingPosition = errors.New("existing position")

// Cycle outcomes reported to metrics.
const (
	outcomeFilled       = "filled"
	outcomePartial      = "partial"
	outcomeFailed       = "failed"
	outcomeUnhedged     = "unhedged"
	outcomeMarketClosed = "market_closed"
	outcomeNoCandidate  = "no_candidate"
	outcomeRejected     = "rejected"
	outcomeError        = "error"
)

// TradingCycle encapsulates the main trading logic
type TradingCycle struct {
	bot *Bot
}

// NewTradingCycle creates a new trading cycle handler
func NewTradingCycle(bot *Bot) *TradingCycle {
	return &TradingCycle{bot: bot}
}

// Run executes one trading cycle: session guard, account refresh, strike
// selection, sizing, the call leg and then the put leg. A record is
// journaled for every cycle that reached order submission.
func (tc *TradingCycle) Run(ctx context.Context) (*models.TradeRecord, error) {
	rec, err := tc.run(ctx)
	metrics.ObserveCycle(cycleOutcome(rec, err), tc.bot.clock.Now())
	return rec, err
}

func (tc *TradingCycle) run(ctx context.Context) (*models.TradeRecord, error) {
	b := tc.bot
	now := b.clock.Now()
	cycleID := uuid.NewString()
	log := b.logger.WithField("cycle_id", shortID(cycleID))

	session := b.calendar.Check(now)
	if !session.Open {
		log.WithField("reason", session.Reason).Info("Market closed, skipping cycle")
		return nil, fmt.Errorf("%w: %s", models.ErrMarketClosed, session.Reason)
	}

	log.Info("Starting trading cycle...")

	acct, err := b.gateway.GetAccountInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh account: %w", err)
	}
	log.WithFields(logrus.Fields{
		"cash":         acct.Cash,
		"buying_power": acct.BuyingPower,
		"total_value":  acct.TotalValue,
		"daily_pnl":    acct.DailyPnL,
	}).Info("Account refreshed")

	root := b.config.Strategy.Symbol
	if existing := acct.HoldingsMatching(root); len(existing) > 0 {
		log.WithFields(logrus.Fields{"root": root, "count": len(existing)}).Warn("Found existing positions")
		if b.config.Risk.BlockOnExisting {
			return nil, fmt.Errorf("%w: %d open %s positions", errExistingPosition, len(existing), root)
		}
	}

	spot, err := b.selector.Spot(ctx)
	if err != nil {
		log.WithError(err).Warn("Spot unavailable, skipping cycle")
		return nil, err
	}

	cand, err := b.selector.Select(ctx, spot)
	if err != nil {
		log.WithError(err).Warn("No straddle selected, skipping cycle")
		return nil, err
	}

	premium := cand.PremiumPerContract(b.config.Strategy.Multiplier)
	decision := b.sizer.Size(acct, premium)
	for _, w := range decision.Warnings {
		log.WithField("policy", decision.Policy).Warn(w)
	}
	if !decision.Accepted {
		log.WithFields(logrus.Fields{
			"policy":  decision.Policy,
			"reason":  decision.Reason,
			"premium": premium,
		}).Warn("Trade rejected by risk checks")
		return nil, fmt.Errorf("%w: %s", models.ErrInsufficientCapital, decision.Reason)
	}

	estimated := premium * float64(decision.Contracts) * (1 + b.config.Orders.PriceBufferPct/100)
	if estimated > acct.BuyingPower {
		log.WithFields(logrus.Fields{
			"estimated_cost": estimated,
			"buying_power":   acct.BuyingPower,
		}).Warn("Insufficient buying power")
		return nil, fmt.Errorf("%w: need $%.2f, have $%.2f buying power",
			models.ErrInsufficientCapital, estimated, acct.BuyingPower)
	}

	log.WithFields(logrus.Fields{
		"strike":         cand.Strike,
		"expiry":         cand.ExpiryLabel,
		"spot":           spot,
		"contracts":      decision.Contracts,
		"premium":        cand.TotalPremium,
		"estimated_cost": estimated,
		"max_risk":       decision.MaxRiskDollars,
	}).Info("Executing straddle")

	rec := &models.TradeRecord{
		Timestamp:   now,
		CycleID:     cycleID,
		Environment: b.config.Environment.Mode,
		Policy:      b.sizer.Policy(),
		ExpiryLabel: cand.ExpiryLabel,
		SPXPrice:    spot,
		Strike:      cand.Strike,
		Contracts:   decision.Contracts,
		Legs: [2]models.LegFill{
			{Code: cand.CallCode},
			{Code: cand.PutCode},
		},
		Notes: fmt.Sprintf("liquidity score %.1f", cand.LiquidityScore),
	}

	callOrder, callErr := b.executor.Execute(ctx, orders.LegRequest{
		Code: cand.CallCode,
		Side: models.SideBuyToOpen,
		Qty:  decision.Contracts,
		Bid:  cand.CallQuote.Bid,
		Ask:  cand.CallQuote.Ask,
	})
	rec.Legs[0] = models.LegFillFromOrder(cand.CallCode, callOrder)
	callFilled := rec.Legs[0].FillQty
	if callFilled == 0 {
		if callErr == nil {
			callErr = models.ErrFillTimeout
		}
		log.WithError(callErr).Warn("Call leg not filled, skipping put")
		rec.Notes = fmt.Sprintf("%s; call leg not filled: %v", rec.Notes, callErr)
		return tc.finish(rec, fmt.Errorf("call leg: %w", callErr), log)
	}
	if callFilled < decision.Contracts {
		log.WithFields(logrus.Fields{"filled": callFilled, "requested": decision.Contracts}).
			Warn("Call leg partially filled, sizing put to match")
	}

	putOrder, putErr := b.executor.Execute(ctx, orders.LegRequest{
		Code: cand.PutCode,
		Side: models.SideBuyToOpen,
		Qty:  callFilled,
		Bid:  cand.PutQuote.Bid,
		Ask:  cand.PutQuote.Ask,
	})
	rec.Legs[1] = models.LegFillFromOrder(cand.PutCode, putOrder)

	if excess := callFilled - rec.Legs[1].FillQty; excess > 0 {
		cause := putErr
		if cause == nil {
			cause = fmt.Errorf("put leg filled %d of %d: %w", rec.Legs[1].FillQty, callFilled, models.ErrFillTimeout)
		}
		unhedged := tc.unwind(ctx, cand.CallCode, excess, cand.CallQuote, cause, log)
		rec.Notes = fmt.Sprintf("%s; %s", rec.Notes, unwindNote(unhedged))
		return tc.finish(rec, unhedged, log)
	}

	return tc.finish(rec, nil, log)
}

// unwind sells excess contracts of the exposed leg at urgent prices. The
// quote is refreshed first; the selection quote is the fallback.
func (tc *TradingCycle) unwind(ctx context.Context, code string, qty int, fallback models.OptionQuote,
	cause error, log logrus.FieldLogger) *models.UnhedgedLegError {
	b := tc.bot
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwindTimeout)
	defer cancel()

	quote := fallback
	if snap, err := b.gateway.GetMarketSnapshot(ctx, []string{code}); err != nil {
		log.WithError(err).Warn("Quote refresh for unwind failed, using selection quote")
	} else if q, ok := snap[code]; ok && q.Valid() {
		quote = q
	}

	order, err := b.executor.Execute(ctx, orders.LegRequest{
		Code:   code,
		Side:   models.SideSellToClose,
		Qty:    qty,
		Bid:    quote.Bid,
		Ask:    quote.Ask,
		Urgent: true,
	})
	state := models.StateFailed
	closed := 0
	if order != nil {
		state = order.State
		closed = order.FilledQty
	}

	metrics.UnhedgedTotal.Inc()
	entry := log.WithFields(logrus.Fields{
		"unhedged":     true,
		"code":         code,
		"qty":          qty,
		"closed":       closed,
		"unwind_state": state,
	})
	if err != nil {
		entry = entry.WithField("unwind_error", err.Error())
	}
	entry.WithError(cause).Error("Put leg failed after call fill, unwinding call")

	return &models.UnhedgedLegError{
		FilledCode:  code,
		FilledQty:   qty,
		UnwindState: state,
		Cause:       cause,
	}
}

func unwindNote(e *models.UnhedgedLegError) string {
	if e.Unwound() {
		return fmt.Sprintf("put leg failed; unwound %d %s", e.FilledQty, e.FilledCode)
	}
	return fmt.Sprintf("put leg failed; unwind of %d %s ended %s, position may be open",
		e.FilledQty, e.FilledCode, e.UnwindState)
}

// finish derives status and cost, journals rec and returns cause. A journal
// failure is reported only when the cycle has no other error.
func (tc *TradingCycle) finish(rec *models.TradeRecord, cause error, log logrus.FieldLogger) (*models.TradeRecord, error) {
	rec.TotalCost = rec.ComputeTotalCost(tc.bot.config.Strategy.Multiplier)
	rec.Status = rec.DeriveStatus()

	if err := tc.bot.storage.Append(rec); err != nil {
		log.WithError(err).Error("Failed to journal trade record")
		if cause == nil {
			cause = fmt.Errorf("journal: %w", err)
		}
	}

	log.WithFields(logrus.Fields{
		"status":     rec.Status,
		"total_cost": rec.TotalCost,
		"call_fill":  rec.Legs[0].FillPrice,
		"put_fill":   rec.Legs[1].FillPrice,
		"contracts":  rec.Contracts,
	}).Info("Trading cycle complete")
	return rec, cause
}

func cycleOutcome(rec *models.TradeRecord, err error) string {
	var unhedged *models.UnhedgedLegError
	switch {
	case errors.As(err, &unhedged):
		return outcomeUnhedged
	case rec != nil:
		switch rec.Status {
		case models.TradeFilled:
			return outcomeFilled
		case models.TradePartial:
			return outcomePartial
		default:
			return outcomeFailed
		}
	case errors.Is(err, models.ErrMarketClosed):
		return outcomeMarketClosed
	case errors.Is(err, models.ErrQuoteUnavailable):
		return outcomeNoCandidate
	case errors.Is(err, models.ErrInsufficientCapital), errors.Is(err, errExistingPosition):
		return outcomeRejected
	default:
		return outcomeError
	}
}

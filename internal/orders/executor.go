// Package orders executes single option legs: it prices a limit order,
// submits it, polls for a fill and cancels and escalates when an attempt
// times out.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/metrics"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Config contains configuration for the order executor.
type Config struct {
	Pricing        PricingConfig
	MaxAttempts    int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	FinalTimeout   time.Duration
	CancelTimeout  time.Duration // bound on cancel calls issued after the cycle context ends
}

// DefaultConfig is the default configuration for the order executor.
var DefaultConfig = Config{
	Pricing:        DefaultPricing,
	MaxAttempts:    3,
	PollInterval:   1 * time.Second,
	AttemptTimeout: 10 * time.Second,
	FinalTimeout:   30 * time.Second,
	CancelTimeout:  5 * time.Second,
}

// LegRequest asks for qty contracts of one option at the quoted market.
type LegRequest struct {
	Code   string
	Side   models.Side
	Qty    int
	Bid    float64
	Ask    float64
	Urgent bool // price every attempt aggressively
}

// Executor runs the per-leg order state machine.
type Executor struct {
	gateway broker.Gateway
	clock   clock.Clock
	logger  logrus.FieldLogger
	config  Config
}

// NewExecutor creates an executor. Zero config values fall back to
// DefaultConfig.
func NewExecutor(gateway broker.Gateway, clk clock.Clock, logger logrus.FieldLogger, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig.AttemptTimeout
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = DefaultConfig.FinalTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultConfig.CancelTimeout
	}
	if cfg.Pricing == (PricingConfig{}) {
		cfg.Pricing = DefaultPricing
	}

	if gateway == nil {
		panic("orders.NewExecutor: gateway must not be nil")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Executor{
		gateway: gateway,
		clock:   clk,
		logger:  logger.WithField("component", "orders"),
		config:  cfg,
	}
}

// attemptResult is how one submitted attempt ended.
type attemptResult int

const (
	resultFilled attemptResult = iota
	resultPartial
	resultRejected
	resultTimedOut
	resultUnconfirmed // cancel could not be confirmed; the order may still be working
	resultAborted
)

// Execute drives req to a final state. The returned order is always non-nil.
// A filled order returns a nil error, as does an order that ends
// partially_filled. Exhaustion returns models.ErrFillTimeout or
// models.ErrOrderRejected; cancellation of ctx returns ctx.Err().
func (e *Executor) Execute(ctx context.Context, req LegRequest) (*models.Order, error) {
	order := models.NewOrder(req.Code, req.Side, req.Qty)
	log := e.logger.WithFields(logrus.Fields{"leg": req.Code, "side": req.Side, "qty": req.Qty})
	start := e.clock.Now()
	defer func() {
		metrics.OrdersTotal.WithLabelValues(string(req.Side), string(order.State)).Inc()
		metrics.FillLatency.WithLabelValues(string(req.Side)).Observe(e.clock.Now().Sub(start).Seconds())
	}()

	if req.Qty <= 0 {
		_ = order.Transition(models.StateFailed, models.ConditionAttemptsExhausted, e.clock.Now())
		return order, fmt.Errorf("%s: %w: quantity %d", req.Code, models.ErrOrderRejected, req.Qty)
	}

	var price float64
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		final := attempt == e.config.MaxAttempts
		urgent := req.Urgent || final

		if attempt > 1 {
			if err := e.clock.Sleep(ctx, e.config.PollInterval); err != nil {
				e.abortPending(order)
				return order, err
			}
			if order.State == models.StateCancelled {
				_ = order.Transition(models.StatePending, models.ConditionRetry, e.clock.Now())
			}
		}

		price = atLeastAsAggressive(req.Side, price, PriceFor(req.Side, req.Bid, req.Ask, urgent, e.config.Pricing))
		log.WithFields(logrus.Fields{"attempt": attempt, "price": price, "urgent": urgent}).Info("Placing order")

		result, err := e.runAttempt(ctx, order, price, urgent, final, log)
		lastErr = err
		switch result {
		case resultFilled, resultPartial:
			log.WithFields(logrus.Fields{
				"state":      order.State,
				"filled_qty": order.FilledQty,
				"avg_price":  order.AvgFillPrice,
			}).Info("Leg executed")
			return order, nil
		case resultAborted:
			return order, err
		case resultUnconfirmed:
			_ = order.Transition(models.StateTimedOut, models.ConditionAttemptsExhausted, e.clock.Now())
			return order, fmt.Errorf("%s: %w: cancel of order %s unconfirmed", req.Code, models.ErrFillTimeout, order.BrokerOrderID())
		}
	}

	switch order.State {
	case models.StateCancelled:
		_ = order.Transition(models.StateTimedOut, models.ConditionAttemptsExhausted, e.clock.Now())
	case models.StatePending:
		_ = order.Transition(models.StateFailed, models.ConditionAttemptsExhausted, e.clock.Now())
	}

	log.WithFields(logrus.Fields{
		"state":  order.State,
		"detail": order.StateDescription(),
		"prices": order.Prices(),
	}).Warn("Leg not filled after all attempts")
	if order.State == models.StateTimedOut {
		return order, fmt.Errorf("%s after %d attempts: %w", req.Code, len(order.Attempts), models.ErrFillTimeout)
	}
	if lastErr != nil && !errors.Is(lastErr, models.ErrOrderRejected) {
		return order, fmt.Errorf("%s after %d attempts: %w: %w", req.Code, len(order.Attempts), models.ErrOrderRejected, lastErr)
	}
	return order, fmt.Errorf("%s after %d attempts: %w", req.Code, len(order.Attempts), models.ErrOrderRejected)
}

// runAttempt submits one priced order and waits for it to resolve. On return
// the order is filled, partially_filled, back in pending after a rejection,
// failed after a final rejection, cancelled after a timeout, or cancelled by
// an abort.
func (e *Executor) runAttempt(ctx context.Context, order *models.Order, price float64, urgent, final bool, log logrus.FieldLogger) (attemptResult, error) {
	order.Attempts = append(order.Attempts, models.Attempt{
		SubmittedAt: e.clock.Now(),
		Price:       price,
		Urgent:      urgent,
	})
	att := order.LastAttempt()

	id, err := e.gateway.PlaceOrder(ctx, order.Code, order.Side, order.RequestedQty, price)
	if err != nil {
		if ctx.Err() != nil {
			e.finishAttempt(att, models.OutcomeCancelled, err)
			e.abortPending(order)
			return resultAborted, ctx.Err()
		}
		e.finishAttempt(att, models.OutcomeRejected, err)
		log.WithError(err).Warn("Order submission failed")
		return resultRejected, err
	}
	att.BrokerOrderID = id
	_ = order.Transition(models.StateSubmitted, models.ConditionOrderPlaced, e.clock.Now())
	log = log.WithField("order_id", id)

	timeout := e.config.AttemptTimeout
	if final {
		timeout = e.config.FinalTimeout
	}
	deadline := e.clock.Now().Add(timeout)

	for {
		st, err := e.gateway.GetOrderStatus(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return e.abort(ctx, order, att, log)
		case err != nil:
			log.WithError(err).Debug("Order status unavailable")
		default:
			e.applyStatus(order, st)
			switch st.State {
			case broker.StatusFilled:
				e.markFilled(order, att)
				return resultFilled, nil
			case broker.StatusRejected, broker.StatusCancelled:
				if order.FilledQty > 0 {
					e.markPartial(order, att)
					return resultPartial, nil
				}
				rejErr := fmt.Errorf("%w: broker reported %s", models.ErrOrderRejected, st.State)
				e.finishAttempt(att, models.OutcomeRejected, rejErr)
				to := models.StatePending
				if final {
					to = models.StateFailed
				}
				_ = order.Transition(to, models.ConditionOrderRejected, e.clock.Now())
				log.WithField("status", st.State).Warn("Order rejected by broker")
				return resultRejected, rejErr
			case broker.StatusPartiallyFilled:
				if order.State == models.StateSubmitted && order.FilledQty > 0 {
					_ = order.Transition(models.StatePartiallyFilled, models.ConditionPartialFill, e.clock.Now())
					log.WithField("filled_qty", st.FilledQty).Info("Order partially filled")
				}
			}
		}

		if !e.clock.Now().Before(deadline) {
			break
		}
		if err := e.clock.Sleep(ctx, e.config.PollInterval); err != nil {
			return e.abort(ctx, order, att, log)
		}
	}

	log.WithField("timeout", timeout).Warn("Order not filled in time, cancelling")
	return e.cancelAndSettle(ctx, order, att, models.ConditionAttemptTimeout, log)
}

// cancelAndSettle cancels the working order and re-checks its status once so
// that a fill racing the cancel is honoured.
func (e *Executor) cancelAndSettle(ctx context.Context, order *models.Order, att *models.Attempt, condition string, log logrus.FieldLogger) (attemptResult, error) {
	id := att.BrokerOrderID
	cancelErr := e.gateway.CancelOrder(ctx, id)
	if cancelErr != nil {
		log.WithError(cancelErr).Error("Cancel failed")
	}

	st, err := e.gateway.GetOrderStatus(ctx, id)
	if err == nil {
		e.applyStatus(order, st)
	}
	switch {
	case err == nil && st.State == broker.StatusFilled:
		log.Info("Order filled while cancelling")
		e.markFilled(order, att)
		return resultFilled, nil
	case order.FilledQty > 0:
		e.markPartial(order, att)
		return resultPartial, nil
	case cancelErr != nil && (err != nil || !st.State.IsTerminal()):
		e.finishAttempt(att, models.OutcomeTimedOut, cancelErr)
		_ = order.Transition(models.StateCancelled, condition, e.clock.Now())
		log.Error("Order may still be working at the broker; not resubmitting")
		return resultUnconfirmed, cancelErr
	}

	outcome := models.OutcomeTimedOut
	if condition == models.ConditionCycleAborted {
		outcome = models.OutcomeCancelled
	}
	e.finishAttempt(att, outcome, nil)
	_ = order.Transition(models.StateCancelled, condition, e.clock.Now())
	return resultTimedOut, nil
}

// abort cancels the working order after ctx ended. The cancel runs on a
// detached context bounded by CancelTimeout.
func (e *Executor) abort(ctx context.Context, order *models.Order, att *models.Attempt, log logrus.FieldLogger) (attemptResult, error) {
	log.Warn("Cycle aborted while order working, cancelling")
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CancelTimeout)
	defer cancel()

	result, _ := e.cancelAndSettle(cctx, order, att, models.ConditionCycleAborted, log)
	if result == resultFilled || result == resultPartial {
		return result, nil
	}
	return resultAborted, ctx.Err()
}

func (e *Executor) abortPending(order *models.Order) {
	if order.State == models.StateCancelled {
		return
	}
	if order.State == models.StatePending {
		_ = order.Transition(models.StateCancelled, models.ConditionCycleAborted, e.clock.Now())
	}
}

func (e *Executor) applyStatus(order *models.Order, st broker.OrderStatus) {
	if st.FilledQty > order.FilledQty {
		order.FilledQty = min(st.FilledQty, order.RequestedQty)
	}
	if st.AvgFillPrice > 0 {
		order.AvgFillPrice = st.AvgFillPrice
	}
}

func (e *Executor) markFilled(order *models.Order, att *models.Attempt) {
	order.FilledQty = order.RequestedQty
	if order.AvgFillPrice == 0 {
		order.AvgFillPrice = att.Price
	}
	e.finishAttempt(att, models.OutcomeFilled, nil)
	_ = order.Transition(models.StateFilled, models.ConditionOrderFilled, e.clock.Now())
}

func (e *Executor) markPartial(order *models.Order, att *models.Attempt) {
	if order.AvgFillPrice == 0 {
		order.AvgFillPrice = att.Price
	}
	e.finishAttempt(att, models.OutcomePartial, nil)
	if order.State == models.StateSubmitted {
		_ = order.Transition(models.StatePartiallyFilled, models.ConditionPartialFill, e.clock.Now())
	}
}

func (e *Executor) finishAttempt(att *models.Attempt, outcome models.AttemptOutcome, err error) {
	att.Outcome = outcome
	if err != nil {
		att.Error = err.Error()
	}
	metrics.OrderAttemptsTotal.WithLabelValues(string(outcome)).Inc()
}

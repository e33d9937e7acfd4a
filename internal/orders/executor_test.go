package orders

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/mock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

const legCode = "SPXW250314C05900000"

var start = time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)

func newTestExecutor(gw *mock.Gateway) (*Executor, *clock.Fake) {
	logger, _ := test.NewNullLogger()
	clk := clock.NewFake(start)
	return NewExecutor(gw, clk, logger), clk
}

func leg(qty int) LegRequest {
	return LegRequest{Code: legCode, Side: models.SideBuyToOpen, Qty: qty, Bid: 10, Ask: 10.2}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name     string
		bid, ask float64
		urgent   bool
		want     float64
	}{
		{"wide spread crosses", 1, 1.2, false, 1.21},
		{"tight spread near mid", 99.5, 100, false, 99.8},
		{"normal spread", 10, 10.2, false, 10.15},
		{"urgent crosses", 10, 10.2, true, 10.30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Price(tt.bid, tt.ask, tt.urgent, DefaultPricing); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Price(%v, %v, %v) = %v, want %v", tt.bid, tt.ask, tt.urgent, got, tt.want)
			}
		})
	}
}

func TestSellPrice(t *testing.T) {
	if got := SellPrice(10, 10.2, false, DefaultPricing); math.Abs(got-10.05) > 1e-9 {
		t.Errorf("normal sell = %v, want 10.05", got)
	}
	if got := SellPrice(10, 10.2, true, DefaultPricing); math.Abs(got-9.9) > 1e-9 {
		t.Errorf("urgent sell = %v, want 9.9", got)
	}
	if got := SellPrice(0, 0.05, true, DefaultPricing); got != 0.01 {
		t.Errorf("no-bid sell = %v, want 0.01 floor", got)
	}
}

func TestExecute_FillsOnFirstAttempt(t *testing.T) {
	gw := mock.NewGateway()
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(2))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != models.StateFilled {
		t.Fatalf("state = %s, want filled", order.State)
	}
	if order.FilledQty != 2 || order.AvgFillPrice != 10.15 {
		t.Errorf("fill = %d @ %v, want 2 @ 10.15", order.FilledQty, order.AvgFillPrice)
	}
	if len(order.Attempts) != 1 || order.Attempts[0].Outcome != models.OutcomeFilled {
		t.Errorf("attempts = %+v", order.Attempts)
	}
	if len(order.History) != 2 {
		t.Errorf("history = %+v, want pending->submitted->filled", order.History)
	}
	if order.BrokerOrderID() == "" {
		t.Error("broker order id not recorded")
	}
}

func TestExecute_EscalatesAfterTimeouts(t *testing.T) {
	gw := mock.NewGateway()
	gw.Script(legCode,
		mock.FillScript{FillAfterPolls: mock.Never},
		mock.FillScript{FillAfterPolls: mock.Never},
	)
	e, clk := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != models.StateFilled {
		t.Fatalf("state = %s, want filled", order.State)
	}

	prices := order.Prices()
	if len(prices) != 3 {
		t.Fatalf("prices = %v, want 3 attempts", prices)
	}
	for i := 1; i < len(prices); i++ {
		if prices[i] < prices[i-1] {
			t.Errorf("price decreased: %v", prices)
		}
	}
	if prices[2] != 10.30 || !order.Attempts[2].Urgent {
		t.Errorf("final attempt = %+v, want urgent at 10.30", order.Attempts[2])
	}
	if order.Attempts[0].Outcome != models.OutcomeTimedOut || order.Attempts[1].Outcome != models.OutcomeTimedOut {
		t.Errorf("outcomes = %+v", order.Attempts)
	}
	if n := len(gw.Cancelled()); n != 2 {
		t.Errorf("cancels = %d, want 2", n)
	}
	if elapsed := clk.Now().Sub(start); elapsed < 20*time.Second {
		t.Errorf("elapsed = %v, want at least two 10s attempts", elapsed)
	}
}

func TestExecute_AllAttemptsTimeOut(t *testing.T) {
	gw := mock.NewGateway()
	gw.DefaultScript = mock.FillScript{FillAfterPolls: mock.Never}
	e, clk := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if !errors.Is(err, models.ErrFillTimeout) {
		t.Fatalf("err = %v, want ErrFillTimeout", err)
	}
	if order.State != models.StateTimedOut {
		t.Errorf("state = %s, want timed_out", order.State)
	}
	if order.FilledQty != 0 {
		t.Errorf("filled qty = %d", order.FilledQty)
	}
	// 10s + 10s + 30s of polling plus two retry pauses.
	if elapsed := clk.Now().Sub(start); elapsed != 52*time.Second {
		t.Errorf("elapsed = %v, want 52s", elapsed)
	}
}

func TestExecute_RejectedEveryAttempt(t *testing.T) {
	gw := mock.NewGateway()
	gw.DefaultScript = mock.FillScript{RejectOnSubmit: true}
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if !errors.Is(err, models.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
	if order.State != models.StateFailed {
		t.Errorf("state = %s, want failed", order.State)
	}
	if len(order.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(order.Attempts))
	}
	if len(gw.Placed()) != 0 {
		t.Error("no order should have been accepted")
	}
}

func TestExecute_UnfilledLegLogsStateDetail(t *testing.T) {
	gw := mock.NewGateway()
	gw.DefaultScript = mock.FillScript{FillAfterPolls: mock.Never}
	logger, hook := test.NewNullLogger()
	e := NewExecutor(gw, clock.NewFake(start), logger)

	if _, err := e.Execute(context.Background(), leg(1)); !errors.Is(err, models.ErrFillTimeout) {
		t.Fatalf("err = %v, want ErrFillTimeout", err)
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Message != "Leg not filled after all attempts" {
		t.Fatalf("last entry = %+v", entry)
	}
	if got := entry.Data["detail"]; got != "Timed out - no fill within attempt budget" {
		t.Errorf("detail = %v", got)
	}
}

func TestExecute_RejectedAfterSubmitThenFilled(t *testing.T) {
	gw := mock.NewGateway()
	gw.Script(legCode, mock.FillScript{RejectAfterSubmit: true})
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != models.StateFilled || len(order.Attempts) != 2 {
		t.Errorf("state %s after %d attempts", order.State, len(order.Attempts))
	}
	if order.Attempts[0].Outcome != models.OutcomeRejected {
		t.Errorf("first outcome = %s", order.Attempts[0].Outcome)
	}
}

func TestExecute_PartialFillKeptAtCancel(t *testing.T) {
	gw := mock.NewGateway()
	gw.Script(legCode, mock.FillScript{FillAfterPolls: mock.Never, PartialQty: 1})
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(3))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != models.StatePartiallyFilled {
		t.Fatalf("state = %s, want partially_filled", order.State)
	}
	if order.FilledQty != 1 {
		t.Errorf("filled qty = %d, want 1", order.FilledQty)
	}
	if len(order.Attempts) != 1 {
		t.Errorf("partial fill must not be resubmitted, attempts = %d", len(order.Attempts))
	}
}

func TestExecute_FillRacingCancelIsHonoured(t *testing.T) {
	gw := mock.NewGateway()
	gw.Script(legCode, mock.FillScript{FillAfterPolls: mock.Never, FillOnCancel: true, FillPrice: 10.12})
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != models.StateFilled || order.AvgFillPrice != 10.12 {
		t.Errorf("got %s @ %v", order.State, order.AvgFillPrice)
	}
	if len(order.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(order.Attempts))
	}
}

func TestExecute_UnconfirmedCancelStops(t *testing.T) {
	gw := mock.NewGateway()
	gw.DefaultScript = mock.FillScript{FillAfterPolls: mock.Never}
	gw.Fail("CancelOrder", errors.New("connection reset"))
	e, _ := newTestExecutor(gw)

	order, err := e.Execute(context.Background(), leg(1))
	if !errors.Is(err, models.ErrFillTimeout) {
		t.Fatalf("err = %v, want ErrFillTimeout", err)
	}
	if len(gw.Placed()) != 1 {
		t.Errorf("placed = %d, must not resubmit while first order may be working", len(gw.Placed()))
	}
	if order.State != models.StateTimedOut {
		t.Errorf("state = %s", order.State)
	}
}

func TestExecute_SellToCloseUrgent(t *testing.T) {
	gw := mock.NewGateway()
	e, _ := newTestExecutor(gw)

	req := LegRequest{Code: legCode, Side: models.SideSellToClose, Qty: 1, Bid: 10, Ask: 10.2, Urgent: true}
	order, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if p := gw.Placed()[0]; p.Side != models.SideSellToClose || p.Price != 9.9 {
		t.Errorf("placed %+v, want sell at 9.9", p)
	}
	if order.State != models.StateFilled {
		t.Errorf("state = %s", order.State)
	}
}

func TestExecute_ContextAlreadyCancelled(t *testing.T) {
	gw := mock.NewGateway()
	e, _ := newTestExecutor(gw)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	order, err := e.Execute(ctx, leg(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if order.State != models.StateCancelled {
		t.Errorf("state = %s, want cancelled", order.State)
	}
}

// cancellingClock ends the context on the first sleep.
type cancellingClock struct {
	*clock.Fake
	cancel context.CancelFunc
}

func (c *cancellingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.cancel()
	return ctx.Err()
}

func TestExecute_AbortWhileWorkingCancelsOrder(t *testing.T) {
	gw := mock.NewGateway()
	gw.DefaultScript = mock.FillScript{FillAfterPolls: mock.Never}
	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := test.NewNullLogger()
	e := NewExecutor(gw, &cancellingClock{Fake: clock.NewFake(start), cancel: cancel}, logger)

	order, err := e.Execute(ctx, leg(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(gw.Cancelled()) != 1 {
		t.Errorf("working order must be cancelled on abort, cancels = %v", gw.Cancelled())
	}
	if order.State != models.StateCancelled {
		t.Errorf("state = %s, want cancelled", order.State)
	}
	last := order.History[len(order.History)-1]
	if last.Condition != models.ConditionCycleAborted {
		t.Errorf("last transition = %+v", last)
	}
}

func TestExecute_InvalidQuantity(t *testing.T) {
	e, _ := newTestExecutor(mock.NewGateway())
	order, err := e.Execute(context.Background(), leg(0))
	if !errors.Is(err, models.ErrOrderRejected) || order.State != models.StateFailed {
		t.Errorf("got %s, %v", order.State, err)
	}
}

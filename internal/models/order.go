package models

import "time"

// Side is the direction of an order.
type Side string

const (
	SideBuyToOpen   Side = "buy_to_open"
	SideSellToClose Side = "sell_to_close"
)

// AttemptOutcome describes how a single submission attempt ended.
type AttemptOutcome string

const (
	OutcomeFilled    AttemptOutcome = "filled"
	OutcomePartial   AttemptOutcome = "partial"
	OutcomeRejected  AttemptOutcome = "rejected"
	OutcomeTimedOut  AttemptOutcome = "timed_out"
	OutcomeCancelled AttemptOutcome = "cancelled"
)

// Attempt is one priced submission of a leg order.
type Attempt struct {
	SubmittedAt   time.Time      `json:"submitted_at"`
	BrokerOrderID string         `json:"broker_order_id,omitempty"`
	Outcome       AttemptOutcome `json:"outcome"`
	Error         string         `json:"error,omitempty"`
	Price         float64        `json:"price"`
	Urgent        bool           `json:"urgent"`
}

// Order is the per-leg execution record owned by the order executor.
// Callers receive it as a read-only result.
type Order struct {
	Code         string        `json:"code"`
	Side         Side          `json:"side"`
	State        OrderState    `json:"state"`
	Attempts     []Attempt     `json:"attempts"`
	History      []StateChange `json:"history"`
	RequestedQty int           `json:"requested_qty"`
	FilledQty    int           `json:"filled_qty"`
	AvgFillPrice float64       `json:"avg_fill_price"`
}

// NewOrder creates a pending order for one leg.
func NewOrder(code string, side Side, qty int) *Order {
	return &Order{
		Code:         code,
		Side:         side,
		State:        StatePending,
		RequestedQty: qty,
	}
}

// LastAttempt returns the most recent attempt, or nil if none was made.
func (o *Order) LastAttempt() *Attempt {
	if len(o.Attempts) == 0 {
		return nil
	}
	return &o.Attempts[len(o.Attempts)-1]
}

// BrokerOrderID returns the broker id of the last submitted attempt.
func (o *Order) BrokerOrderID() string {
	for i := len(o.Attempts) - 1; i >= 0; i-- {
		if o.Attempts[i].BrokerOrderID != "" {
			return o.Attempts[i].BrokerOrderID
		}
	}
	return ""
}

// Prices returns the submitted price of every attempt in order.
func (o *Order) Prices() []float64 {
	out := make([]float64, 0, len(o.Attempts))
	for _, a := range o.Attempts {
		out = append(out, a.Price)
	}
	return out
}

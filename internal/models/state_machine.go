package models

import (
	"fmt"
	"time"
)

// OrderState is the lifecycle state of a single leg order.
type OrderState string

const (
	StatePending         OrderState = "pending"          // Not yet submitted for the current attempt
	StateSubmitted       OrderState = "submitted"        // Working at the broker
	StatePartiallyFilled OrderState = "partially_filled" // Some quantity executed
	StateFilled          OrderState = "filled"           // Requested quantity executed
	StateCancelled       OrderState = "cancelled"        // Cancelled after an attempt timed out
	StateFailed          OrderState = "failed"           // Rejected with no attempts left
	StateTimedOut        OrderState = "timed_out"        // Every attempt timed out
)

// Transition conditions.
const (
	ConditionOrderPlaced       = "order_placed"
	ConditionOrderFilled       = "order_filled"
	ConditionPartialFill       = "partial_fill"
	ConditionOrderRejected     = "order_rejected"
	ConditionAttemptTimeout    = "attempt_timeout"
	ConditionRetry             = "retry"
	ConditionAttemptsExhausted = "attempts_exhausted"
	ConditionCycleAborted      = "cycle_aborted"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From        OrderState
	To          OrderState
	Condition   string
	Description string
}

// ValidTransitions lists every transition an order may take.
var ValidTransitions = []StateTransition{
	{StatePending, StateSubmitted, ConditionOrderPlaced, "Order accepted by broker"},
	{StatePending, StateFailed, ConditionAttemptsExhausted, "Final submission rejected"},
	{StatePending, StateCancelled, ConditionCycleAborted, "Cycle aborted before submission"},

	{StateSubmitted, StateFilled, ConditionOrderFilled, "Order filled"},
	{StateSubmitted, StatePartiallyFilled, ConditionPartialFill, "Order partially filled"},
	{StateSubmitted, StatePending, ConditionOrderRejected, "Broker rejected, escalating"},
	{StateSubmitted, StateFailed, ConditionOrderRejected, "Broker rejected on final attempt"},
	{StateSubmitted, StateCancelled, ConditionAttemptTimeout, "Attempt timed out and was cancelled"},
	{StateSubmitted, StateCancelled, ConditionCycleAborted, "Cycle aborted while working"},

	{StatePartiallyFilled, StateFilled, ConditionOrderFilled, "Remaining quantity filled"},

	{StateCancelled, StatePending, ConditionRetry, "Resubmitting at escalated price"},
	{StateCancelled, StateTimedOut, ConditionAttemptsExhausted, "No attempts left"},
}

// StateChange records one applied transition.
type StateChange struct {
	At        time.Time  `json:"at"`
	From      OrderState `json:"from"`
	To        OrderState `json:"to"`
	Condition string     `json:"condition"`
}

// IsValidTransition reports whether from -> to is allowed under condition.
func IsValidTransition(from, to OrderState, condition string) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is expected for the
// current execution. Partially filled orders are terminal only once the
// executor stops working them, so they are not included here.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// Transition moves the order to a new state, validating against ValidTransitions.
func (o *Order) Transition(to OrderState, condition string, at time.Time) error {
	if !IsValidTransition(o.State, to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition '%s'", o.State, to, condition)
	}
	o.History = append(o.History, StateChange{At: at, From: o.State, To: to, Condition: condition})
	o.State = to
	return nil
}

// StateDescription returns a human-readable description of the current state.
func (o *Order) StateDescription() string {
	switch o.State {
	case StatePending:
		return "Waiting to submit"
	case StateSubmitted:
		return "Working at broker, polling for fill"
	case StatePartiallyFilled:
		return fmt.Sprintf("Partially filled %d/%d", o.FilledQty, o.RequestedQty)
	case StateFilled:
		return fmt.Sprintf("Filled %d @ %.2f", o.FilledQty, o.AvgFillPrice)
	case StateCancelled:
		return "Cancelled"
	case StateFailed:
		return "Failed - rejected on every attempt"
	case StateTimedOut:
		return "Timed out - no fill within attempt budget"
	default:
		return "Unknown state"
	}
}

package models

import (
	"errors"
	"fmt"
)

// Error kinds shared across the engine. Callers wrap them with %w and test
// with errors.Is.
var (
	ErrTransientGateway    = errors.New("transient gateway error")
	ErrQuoteUnavailable    = errors.New("no qualifying quote")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrOrderRejected       = errors.New("order rejected")
	ErrFillTimeout         = errors.New("fill timeout")
	ErrMarketClosed        = errors.New("market closed")
)

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// UnhedgedLegError reports a cycle that left one leg open after the other
// leg could not be executed.
type UnhedgedLegError struct {
	FilledCode  string
	FilledQty   int
	UnwindState OrderState
	Cause       error
}

func (e *UnhedgedLegError) Error() string {
	return fmt.Sprintf("unhedged leg %s qty %d (unwind %s): %v", e.FilledCode, e.FilledQty, e.UnwindState, e.Cause)
}

func (e *UnhedgedLegError) Unwrap() error { return e.Cause }

// Unwound reports whether the exposed leg was fully closed.
func (e *UnhedgedLegError) Unwound() bool {
	return e.UnwindState == StateFilled
}

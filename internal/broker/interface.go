package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Gateway is the brokerage contract used by the straddle engine. Every
// call honours ctx cancellation. Transient failures wrap
// models.ErrTransientGateway; order rejections wrap models.ErrOrderRejected.
type Gateway interface {
	// Market data. Codes missing from the broker response are absent from
	// the map rather than an error.
	GetMarketSnapshot(ctx context.Context, codes []string) (map[string]models.OptionQuote, error)

	// Account operations
	GetAccountInfo(ctx context.Context) (models.AccountSnapshot, error)
	ListPositions(ctx context.Context) ([]Position, error)

	// Order operations
	PlaceOrder(ctx context.Context, code string, side models.Side, qty int, price float64) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderStatusState is the broker-side state of a working order.
type OrderStatusState string

const (
	StatusOpen            OrderStatusState = "open"
	StatusPartiallyFilled OrderStatusState = "partially_filled"
	StatusFilled          OrderStatusState = "filled"
	StatusCancelled       OrderStatusState = "cancelled"
	StatusRejected        OrderStatusState = "rejected"
)

// IsTerminal reports whether the broker will not change this order further.
func (s OrderStatusState) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderStatus is a point-in-time view of a broker order.
type OrderStatus struct {
	State        OrderStatusState
	FilledQty    int
	AvgFillPrice float64
}

// Position is an open position as reported by the broker.
type Position struct {
	Code          string
	Qty           int
	CostBasis     float64
	MarketValue   float64
	UnrealizedPnL float64
}

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerGateway implements Gateway at compile time.
var _ Gateway = (*CircuitBreakerGateway)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
// An open breaker surfaces as a transient gateway error.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	gateway Gateway,
	fn func(Gateway) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(gateway) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", models.ErrTransientGateway, err)
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with default settings
func NewCircuitBreakerGateway(gateway Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gateway, logger, DefaultCircuitBreakerSettings)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings.
// Order rejections and context cancellation do not count as failures.
func NewCircuitBreakerGatewayWithSettings(
	gateway Gateway,
	logger logrus.FieldLogger,
	settings CircuitBreakerSettings,
) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, models.ErrOrderRejected) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// GetMarketSnapshot wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetMarketSnapshot(ctx context.Context, codes []string) (map[string]models.OptionQuote, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (map[string]models.OptionQuote, error) {
		return g.GetMarketSnapshot(ctx, codes)
	})
}

// GetAccountInfo wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetAccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (models.AccountSnapshot, error) {
		return g.GetAccountInfo(ctx)
	})
}

// ListPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ListPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) ([]Position, error) {
		return g.ListPositions(ctx)
	})
}

// PlaceOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) PlaceOrder(ctx context.Context, code string, side models.Side, qty int, price float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (string, error) {
		return g.PlaceOrder(ctx, code, side, qty, price)
	})
}

// GetOrderStatus wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (OrderStatus, error) {
		return g.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.gateway, func(g Gateway) (struct{}, error) {
		return struct{}{}, g.CancelOrder(ctx, orderID)
	})
	return err
}

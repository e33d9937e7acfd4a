// Package retry wraps a broker gateway with bounded retries for transient
// connection failures.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Config controls the retry loop.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig mirrors the default connection_retries of 3.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Gateway retries idempotent gateway calls on transient errors. Order
// placement is passed through once: a retried submission could double the
// position, and the order executor already escalates on failure.
type Gateway struct {
	next   broker.Gateway
	logger logrus.FieldLogger
	clock  clock.Clock
	config Config
}

// Ensure Gateway implements broker.Gateway at compile time.
var _ broker.Gateway = (*Gateway)(nil)

// NewGateway wraps next. Invalid config values fall back to DefaultConfig.
func NewGateway(next broker.Gateway, logger logrus.FieldLogger, clk clock.Clock, config ...Config) *Gateway {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &Gateway{
		next:   next,
		logger: logger.WithField("component", "retry"),
		clock:  clk,
		config: cfg,
	}
}

// do runs fn until it succeeds, fails permanently or attempts run out.
func do[T any](ctx context.Context, g *Gateway, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := g.config.InitialBackoff

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		res, err := fn()
		if err == nil {
			if attempt > 1 {
				g.logger.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Info("Gateway call recovered")
			}
			return res, nil
		}
		lastErr = err

		if !g.isTransientError(err) || attempt == g.config.MaxAttempts {
			break
		}

		g.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff,
		}).WithError(err).Warn("Transient gateway error, retrying")

		if err := g.clock.Sleep(ctx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, err)
		}
		backoff = g.calculateNextBackoff(backoff)
	}

	return zero, lastErr
}

// GetMarketSnapshot retries the underlying call on transient errors.
func (g *Gateway) GetMarketSnapshot(ctx context.Context, codes []string) (map[string]models.OptionQuote, error) {
	return do(ctx, g, "get_market_snapshot", func() (map[string]models.OptionQuote, error) {
		return g.next.GetMarketSnapshot(ctx, codes)
	})
}

// GetAccountInfo retries the underlying call on transient errors.
func (g *Gateway) GetAccountInfo(ctx context.Context) (models.AccountSnapshot, error) {
	return do(ctx, g, "get_account_info", func() (models.AccountSnapshot, error) {
		return g.next.GetAccountInfo(ctx)
	})
}

// ListPositions retries the underlying call on transient errors.
func (g *Gateway) ListPositions(ctx context.Context) ([]broker.Position, error) {
	return do(ctx, g, "list_positions", func() ([]broker.Position, error) {
		return g.next.ListPositions(ctx)
	})
}

// PlaceOrder is not retried.
func (g *Gateway) PlaceOrder(ctx context.Context, code string, side models.Side, qty int, price float64) (string, error) {
	return g.next.PlaceOrder(ctx, code, side, qty, price)
}

// GetOrderStatus retries the underlying call on transient errors.
func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	return do(ctx, g, "get_order_status", func() (broker.OrderStatus, error) {
		return g.next.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder retries the underlying call on transient errors.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := do(ctx, g, "cancel_order", func() (struct{}, error) {
		return struct{}{}, g.next.CancelOrder(ctx, orderID)
	})
	return err
}

func (g *Gateway) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > g.config.MaxBackoff {
		backoff = g.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			g.logger.WithError(err).Debug("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (g *Gateway) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrTransientGateway) {
		return true
	}
	if errors.Is(err, models.ErrOrderRejected) || errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

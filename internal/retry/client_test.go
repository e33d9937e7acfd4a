package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// --- Test helpers ---

type flakyGateway struct {
	broker.Gateway // unimplemented methods panic

	calls     int
	failUntil int
	err       error
	placed    int
}

func (f *flakyGateway) GetAccountInfo(_ context.Context) (models.AccountSnapshot, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return models.AccountSnapshot{}, f.err
	}
	return models.AccountSnapshot{TotalValue: 50000}, nil
}

func (f *flakyGateway) CancelOrder(_ context.Context, _ string) error {
	f.calls++
	if f.calls <= f.failUntil {
		return f.err
	}
	return nil
}

func (f *flakyGateway) PlaceOrder(_ context.Context, _ string, _ models.Side, _ int, _ float64) (string, error) {
	f.placed++
	return "", f.err
}

func newGateway(t *testing.T, next broker.Gateway, cfg Config) (*Gateway, *clock.Fake, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	clk := clock.NewFake(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	return NewGateway(next, logger, clk, cfg), clk, hook
}

var transient = fmt.Errorf("get balance: %w: 503", models.ErrTransientGateway)

// --- Tests ---

func TestNewGateway_ConfigSanitization(t *testing.T) {
	g := NewGateway(&flakyGateway{}, nil, nil, Config{MaxAttempts: -1})
	assert.Equal(t, DefaultConfig, g.config)
	assert.NotNil(t, g.logger)
	assert.NotNil(t, g.clock)
}

func TestIsTransientError_Patterns(t *testing.T) {
	g, _, _ := newGateway(t, &flakyGateway{}, DefaultConfig)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", transient, true},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"rejected", fmt.Errorf("%w: 503 margin", models.ErrOrderRejected), false},
		{"canceled", context.Canceled, false},
		{"non-transient", errors.New("validation failed: credit check"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, g.isTransientError(tc.err))
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	g, _, _ := newGateway(t, &flakyGateway{}, Config{
		MaxAttempts:    2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	})

	next := g.calculateNextBackoff(4 * time.Millisecond) // base 6ms, jitter in [0, 1.5ms)
	assert.GreaterOrEqual(t, next, 6*time.Millisecond)
	assert.Less(t, next, 7500*time.Microsecond)

	capped := g.calculateNextBackoff(8 * time.Millisecond) // capped at 10ms, jitter in [0, 2.5ms)
	assert.GreaterOrEqual(t, capped, 10*time.Millisecond)
	assert.Less(t, capped, 12500*time.Microsecond)
}

func TestRetry_RecoversFromTransient(t *testing.T) {
	fg := &flakyGateway{failUntil: 2, err: transient}
	g, clk, hook := newGateway(t, fg, Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second})

	acct, err := g.GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50000.0, acct.TotalValue)
	assert.Equal(t, 3, fg.calls)

	_, sleeps := clk.Slept()
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	fg := &flakyGateway{failUntil: 10, err: transient}
	g, _, _ := newGateway(t, fg, Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second})

	err := g.CancelOrder(context.Background(), "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientGateway)
	assert.Equal(t, 3, fg.calls)
}

func TestRetry_FailFastOnNonTransient(t *testing.T) {
	fg := &flakyGateway{failUntil: 10, err: errors.New("invalid account")}
	g, clk, _ := newGateway(t, fg, DefaultConfig)

	_, err := g.GetAccountInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, fg.calls)
	_, sleeps := clk.Slept()
	assert.Zero(t, sleeps)
}

func TestRetry_PlaceOrderNotRetried(t *testing.T) {
	fg := &flakyGateway{err: transient}
	g, _, _ := newGateway(t, fg, DefaultConfig)

	_, err := g.PlaceOrder(context.Background(), "X", models.SideBuyToOpen, 1, 1)
	require.Error(t, err)
	assert.Equal(t, 1, fg.placed)
}

func TestRetry_ContextCanceled(t *testing.T) {
	fg := &flakyGateway{failUntil: 10, err: transient}
	g, _, _ := newGateway(t, fg, DefaultConfig)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.GetAccountInfo(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fg.calls)
}

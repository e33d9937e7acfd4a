package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/config"
	"github.com/eddiefleurent/spx_straddler/internal/mock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/storage"
)

const (
	testCall = "SPXW250314C05900000"
	testPut  = "SPXW250314P05900000"
)

// Wednesday 2025-03-12, 11:00 New York.
var wednesdayMorning = time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
broker:
  provider: simulated
risk:
  policy: strict
  max_risk_fraction: 0.2
`))
	require.NoError(t, err)
	return cfg
}

type cycleFixture struct {
	gw    *mock.Gateway
	store *storage.MockStorage
	clock *clock.Fake
	hook  *test.Hook
	cfg   *config.Config
}

func newFixture(t *testing.T) *cycleFixture {
	t.Helper()
	gw := mock.NewGateway()
	gw.SetQuotes(map[string]models.OptionQuote{
		"SPX":    {Code: "SPX", Last: 5903},
		testCall: {Code: testCall, Bid: 40, Ask: 40.5, Volume: 500},
		testPut:  {Code: testPut, Bid: 37.5, Ask: 38.5, Volume: 500},
	})
	gw.SetAccount(models.AccountSnapshot{Cash: 100000, BuyingPower: 100000, TotalValue: 100000})
	_, hook := test.NewNullLogger()
	return &cycleFixture{
		gw:    gw,
		store: storage.NewMockStorage(),
		clock: clock.NewFake(wednesdayMorning),
		hook:  hook,
		cfg:   testConfig(t),
	}
}

func (f *cycleFixture) cycle(t *testing.T, gw broker.Gateway) *TradingCycle {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(nopWriter{})
	logger.AddHook(f.hook)
	bot, err := newBot(f.cfg, gw, f.store, f.clock, logger)
	require.NoError(t, err)
	return NewTradingCycle(bot)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestTradingCycle_BothLegsFilled(t *testing.T) {
	f := newFixture(t)
	f.gw.Script(testCall, mock.FillScript{FillPrice: 40.4})
	f.gw.Script(testPut, mock.FillScript{FillPrice: 38.1})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, models.TradeFilled, rec.Status)
	assert.Equal(t, 5900, rec.Strike)
	assert.Equal(t, 2, rec.Contracts)
	assert.Equal(t, "250314", rec.ExpiryLabel)
	assert.Equal(t, "strict", rec.Policy)
	assert.Equal(t, "paper", rec.Environment)
	assert.Equal(t, 5903.0, rec.SPXPrice)
	assert.NotEmpty(t, rec.CycleID)
	assert.Equal(t, testCall, rec.Call().Code)
	assert.Equal(t, testPut, rec.Put().Code)
	assert.Equal(t, 2, rec.Call().FillQty)
	assert.Equal(t, 2, rec.Put().FillQty)
	assert.InDelta(t, (40.4+38.1)*2*100, rec.TotalCost, 1e-6)
	assert.Contains(t, rec.Notes, "liquidity score")

	placed := f.gw.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, testCall, placed[0].Code, "call leg goes first")
	assert.Equal(t, testPut, placed[1].Code)
	for _, p := range placed {
		assert.Equal(t, models.SideBuyToOpen, p.Side)
	}

	records, err := f.store.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.CycleID, records[0].CycleID)
}

func TestTradingCycle_ConfiguredMultiplier(t *testing.T) {
	f := newFixture(t)
	f.cfg.Strategy.Multiplier = 10
	f.gw.Script(testCall, mock.FillScript{FillPrice: 40.4})
	f.gw.Script(testPut, mock.FillScript{FillPrice: 38.1})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NoError(t, err)

	// $782.50 per contract fits the three-contract cap of a $100k account.
	assert.Equal(t, 3, rec.Contracts)
	assert.InDelta(t, (40.4+38.1)*3*10, rec.TotalCost, 1e-6)
}

func TestTradingCycle_MarketClosed(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2025, 3, 15, 15, 0, 0, 0, time.UTC)) // Saturday

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, models.ErrMarketClosed)
	assert.Equal(t, 0, f.gw.Calls("GetAccountInfo"))
	assert.Equal(t, 0, f.store.AppendCalls())
	assert.Equal(t, exitOK, exitCode(err))
}

func TestTradingCycle_NoCandidate(t *testing.T) {
	f := newFixture(t)
	f.gw.SetQuote(models.OptionQuote{Code: testPut, Bid: 0, Ask: 38.5})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, models.ErrQuoteUnavailable)
	assert.Empty(t, f.gw.Placed())
	assert.Equal(t, 0, f.store.AppendCalls())
}

func TestTradingCycle_RiskRejected(t *testing.T) {
	f := newFixture(t)
	f.gw.SetAccount(models.AccountSnapshot{Cash: 5000, BuyingPower: 5000, TotalValue: 5000})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, models.ErrInsufficientCapital)
	assert.Empty(t, f.gw.Placed())
	assert.Equal(t, exitOK, exitCode(err))
}

func TestTradingCycle_BuyingPowerBufferCheck(t *testing.T) {
	f := newFixture(t)
	// Sizer caps at one contract ($7,825); the 2% buffer needs $7,981.50.
	f.gw.SetAccount(models.AccountSnapshot{Cash: 7900, BuyingPower: 7900, TotalValue: 100000})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	assert.Nil(t, rec)
	require.ErrorIs(t, err, models.ErrInsufficientCapital)
	assert.Contains(t, err.Error(), "buying power")
	assert.Empty(t, f.gw.Placed())
}

func TestTradingCycle_ExistingPositions(t *testing.T) {
	t.Run("warn only", func(t *testing.T) {
		f := newFixture(t)
		f.gw.SetAccount(models.AccountSnapshot{
			Cash: 100000, BuyingPower: 100000, TotalValue: 100000,
			Positions: []models.Holding{{Code: "SPXW250307C05800000", Qty: 1, CostBasis: 5000}},
		})
		rec, err := f.cycle(t, f.gw).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.TradeFilled, rec.Status)

		warned := false
		for _, e := range f.hook.AllEntries() {
			if e.Message == "Found existing positions" {
				warned = true
			}
		}
		assert.True(t, warned)
	})

	t.Run("block", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.Risk.BlockOnExisting = true
		f.gw.SetAccount(models.AccountSnapshot{
			Cash: 100000, BuyingPower: 100000, TotalValue: 100000,
			Positions: []models.Holding{{Code: "SPXW250307C05800000", Qty: 1, CostBasis: 5000}},
		})
		rec, err := f.cycle(t, f.gw).Run(context.Background())
		assert.Nil(t, rec)
		assert.ErrorIs(t, err, errExistingPosition)
		assert.Empty(t, f.gw.Placed())
	})
}

func TestTradingCycle_CallNotFilled(t *testing.T) {
	f := newFixture(t)
	never := mock.FillScript{FillAfterPolls: mock.Never}
	f.gw.Script(testCall, never, never, never)

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NotNil(t, rec)
	assert.ErrorIs(t, err, models.ErrFillTimeout)
	assert.Equal(t, models.TradeFailed, rec.Status)
	assert.Zero(t, rec.TotalCost)
	assert.Contains(t, rec.Notes, "call leg not filled")

	for _, p := range f.gw.Placed() {
		assert.Equal(t, testCall, p.Code, "put must not be placed")
	}
	assert.Equal(t, 1, f.store.AppendCalls())
	assert.Equal(t, exitOK, exitCode(err))
}

func TestTradingCycle_PartialCallSizesPut(t *testing.T) {
	f := newFixture(t)
	f.gw.Script(testCall, mock.FillScript{FillAfterPolls: mock.Never, PartialQty: 1})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TradePartial, rec.Status)
	assert.Equal(t, 1, rec.Call().FillQty)
	assert.Equal(t, 1, rec.Put().FillQty)

	placed := f.gw.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, 1, placed[1].Qty, "put sized to the call fill")
}

func TestTradingCycle_PutFailsUnwindsCall(t *testing.T) {
	f := newFixture(t)
	f.gw.Script(testCall, mock.FillScript{FillPrice: 40.4})
	never := mock.FillScript{FillAfterPolls: mock.Never}
	f.gw.Script(testPut, never, never, never)

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NotNil(t, rec)

	var unhedged *models.UnhedgedLegError
	require.True(t, errors.As(err, &unhedged))
	assert.Equal(t, testCall, unhedged.FilledCode)
	assert.Equal(t, 2, unhedged.FilledQty)
	assert.True(t, unhedged.Unwound())
	assert.ErrorIs(t, err, models.ErrFillTimeout)
	assert.Equal(t, exitUnhedged, exitCode(err))

	assert.Equal(t, models.TradePartial, rec.Status)
	assert.Equal(t, 2, rec.Call().FillQty)
	assert.Zero(t, rec.Put().FillQty)
	assert.Contains(t, rec.Notes, "unwound 2 "+testCall)

	placed := f.gw.Placed()
	last := placed[len(placed)-1]
	assert.Equal(t, models.SideSellToClose, last.Side)
	assert.Equal(t, testCall, last.Code)
	assert.Equal(t, 2, last.Qty)
	assert.InDelta(t, 39.6, last.Price, 1e-9, "urgent sell prices through the bid")

	acct, err := f.gw.GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, acct.HoldingsMatching("SPXW"), "call position closed")

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["unhedged"] == true {
			logged = true
		}
	}
	assert.True(t, logged, "unhedged state logged at error level")
	assert.Equal(t, 1, f.store.AppendCalls())
}

func TestTradingCycle_PartialPutUnwindsExcess(t *testing.T) {
	f := newFixture(t)
	f.gw.Script(testPut, mock.FillScript{FillAfterPolls: mock.Never, PartialQty: 1})

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	var unhedged *models.UnhedgedLegError
	require.True(t, errors.As(err, &unhedged))
	assert.Equal(t, 1, unhedged.FilledQty)
	assert.True(t, unhedged.Unwound())
	assert.Equal(t, models.TradePartial, rec.Status)

	placed := f.gw.Placed()
	last := placed[len(placed)-1]
	assert.Equal(t, models.SideSellToClose, last.Side)
	assert.Equal(t, 1, last.Qty)
}

func TestTradingCycle_JournalFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetAppendError(errors.New("disk full"))

	rec, err := f.cycle(t, f.gw).Run(context.Background())
	require.NotNil(t, rec)
	assert.Equal(t, models.TradeFilled, rec.Status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, exitFatal, exitCode(err))
}

func TestCycleOutcome(t *testing.T) {
	tests := []struct {
		rec  *models.TradeRecord
		err  error
		want string
	}{
		{&models.TradeRecord{Status: models.TradeFilled}, nil, outcomeFilled},
		{&models.TradeRecord{Status: models.TradePartial}, nil, outcomePartial},
		{&models.TradeRecord{Status: models.TradeFailed}, models.ErrFillTimeout, outcomeFailed},
		{&models.TradeRecord{Status: models.TradePartial}, &models.UnhedgedLegError{Cause: models.ErrFillTimeout}, outcomeUnhedged},
		{nil, models.ErrMarketClosed, outcomeMarketClosed},
		{nil, models.ErrQuoteUnavailable, outcomeNoCandidate},
		{nil, models.ErrInsufficientCapital, outcomeRejected},
		{nil, errExistingPosition, outcomeRejected},
		{nil, errors.New("connection refused"), outcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cycleOutcome(tt.rec, tt.err), "err=%v", tt.err)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitOK, exitCode(models.ErrOrderRejected))
	assert.Equal(t, exitUnhedged, exitCode(&models.UnhedgedLegError{Cause: models.ErrOrderRejected}))
	assert.Equal(t, exitFatal, exitCode(&models.ConfigError{Field: "risk.policy", Reason: "bad"}))
	assert.Equal(t, exitFatal, exitCode(errors.New("failed to connect to broker")))
}

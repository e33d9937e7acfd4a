package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

func TestDataProvider_ChainIsTwoSidedAndSymmetric(t *testing.T) {
	p := NewDataProvider(5903)
	chain := p.Chain("SPXW", "250314", 25, 10, 4)

	require.Len(t, chain, 42)
	for code, q := range chain {
		assert.True(t, q.Valid(), "quote %s should be two-sided: %+v", code, q)
	}

	atmCall := chain["SPXW250314C05900000"]
	farCall := chain["SPXW250314C06150000"]
	assert.Greater(t, atmCall.Mid(), farCall.Mid(), "OTM call should be cheaper than ATM")
	assert.Greater(t, chain["SPXW250314P06150000"].Mid(), chain["SPXW250314P05900000"].Mid(), "ITM put should be richer")
}

func TestDataProvider_IndexQuote(t *testing.T) {
	p := NewDataProvider(5903.257)
	q := p.IndexQuote("SPX")
	assert.Equal(t, "SPX", q.Code)
	assert.InDelta(t, 5903.26, q.Last, 1e-9)
}

func TestGateway_DefaultFillsOnFirstPoll(t *testing.T) {
	g := NewGateway()
	g.SetAccount(models.AccountSnapshot{Cash: 10000, BuyingPower: 10000, TotalValue: 10000})
	ctx := context.Background()

	id, err := g.PlaceOrder(ctx, "C1", models.SideBuyToOpen, 2, 5.5)
	require.NoError(t, err)

	st, err := g.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusFilled, st.State)
	assert.Equal(t, 2, st.FilledQty)
	assert.Equal(t, 5.5, st.AvgFillPrice)

	acct, err := g.GetAccountInfo(ctx)
	require.NoError(t, err)
	require.Len(t, acct.Positions, 1)
	assert.Equal(t, 2, acct.Positions[0].Qty)
	assert.InDelta(t, 8900, acct.Cash, 1e-9)
}

func TestGateway_ScriptsConsumedInOrder(t *testing.T) {
	g := NewGateway()
	g.Script("P1",
		FillScript{RejectOnSubmit: true},
		FillScript{FillAfterPolls: Never, PartialQty: 1},
		FillScript{FillAfterPolls: 2},
	)
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, "P1", models.SideBuyToOpen, 2, 1)
	assert.True(t, errors.Is(err, models.ErrOrderRejected))

	id, err := g.PlaceOrder(ctx, "P1", models.SideBuyToOpen, 2, 1.1)
	require.NoError(t, err)
	st, _ := g.GetOrderStatus(ctx, id)
	assert.Equal(t, broker.StatusPartiallyFilled, st.State)
	require.NoError(t, g.CancelOrder(ctx, id))
	st, _ = g.GetOrderStatus(ctx, id)
	assert.Equal(t, broker.StatusCancelled, st.State)
	assert.Equal(t, 1, st.FilledQty)

	id, err = g.PlaceOrder(ctx, "P1", models.SideBuyToOpen, 2, 1.2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		st, _ = g.GetOrderStatus(ctx, id)
		assert.Equal(t, broker.StatusOpen, st.State)
	}
	st, _ = g.GetOrderStatus(ctx, id)
	assert.Equal(t, broker.StatusFilled, st.State)

	assert.Len(t, g.Placed(), 2)
	assert.Equal(t, 3, g.Calls("PlaceOrder"))
}

func TestGateway_FillOnCancelAndSellToClose(t *testing.T) {
	g := NewGateway()
	g.SetAccount(models.AccountSnapshot{Positions: []models.Holding{{Code: "C1", Qty: 1, CostBasis: 500}}})
	g.Script("C1", FillScript{FillAfterPolls: Never, FillOnCancel: true, FillPrice: 4.8})
	ctx := context.Background()

	id, err := g.PlaceOrder(ctx, "C1", models.SideSellToClose, 1, 4.5)
	require.NoError(t, err)
	require.NoError(t, g.CancelOrder(ctx, id))

	st, _ := g.GetOrderStatus(ctx, id)
	assert.Equal(t, broker.StatusFilled, st.State)
	assert.Equal(t, 4.8, st.AvgFillPrice)

	pos, err := g.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestGateway_InjectedFailures(t *testing.T) {
	g := NewGateway()
	boom := errors.New("boom")
	g.Fail("GetMarketSnapshot", boom)

	_, err := g.GetMarketSnapshot(context.Background(), []string{"X"})
	assert.ErrorIs(t, err, boom)

	g.Fail("GetMarketSnapshot", nil)
	snap, err := g.GetMarketSnapshot(context.Background(), []string{"X"})
	require.NoError(t, err)
	assert.Empty(t, snap)
}

package models

import (
	"time"

	"github.com/eddiefleurent/spx_straddler/internal/util"
)

// TradeStatus is the overall outcome of one trading cycle.
type TradeStatus string

const (
	TradeFilled  TradeStatus = "filled"
	TradePartial TradeStatus = "partial"
	TradeFailed  TradeStatus = "failed"
)

// LegFill is the execution summary for one leg of a straddle.
type LegFill struct {
	Code      string  `json:"code" csv:"code"`
	OrderID   string  `json:"order_id" csv:"order_id"`
	FillPrice float64 `json:"fill_price" csv:"fill_price"`
	FillQty   int     `json:"fill_qty" csv:"fill_qty"`
}

// LegFillFromOrder summarizes an executed order. A nil order yields an
// empty fill for code.
func LegFillFromOrder(code string, o *Order) LegFill {
	if o == nil {
		return LegFill{Code: code}
	}
	return LegFill{
		Code:      o.Code,
		OrderID:   o.BrokerOrderID(),
		FillPrice: o.AvgFillPrice,
		FillQty:   o.FilledQty,
	}
}

// Cost returns the dollar cost of the fill rounded to cents.
func (l LegFill) Cost(multiplier float64) float64 {
	return util.DollarCost(l.FillPrice, l.FillQty, multiplier)
}

// TradeRecord is the journal entry written once per cycle that reached
// order submission. Legs are always [call, put].
type TradeRecord struct {
	Timestamp   time.Time   `json:"timestamp"`
	CycleID     string      `json:"cycle_id,omitempty"`
	Environment string      `json:"environment,omitempty"`
	Policy      string      `json:"policy,omitempty"`
	ExpiryLabel string      `json:"expiry_label,omitempty"`
	Status      TradeStatus `json:"status"`
	Notes       string      `json:"notes,omitempty"`
	Legs        [2]LegFill  `json:"legs"`
	SPXPrice    float64     `json:"spx_price"`
	TotalCost   float64     `json:"total_cost"`
	Strike      int         `json:"strike"`
	Contracts   int         `json:"contracts"`
}

// Call returns the call leg.
func (r *TradeRecord) Call() LegFill { return r.Legs[0] }

// Put returns the put leg.
func (r *TradeRecord) Put() LegFill { return r.Legs[1] }

// ComputeTotalCost sums fill cost across both legs.
func (r *TradeRecord) ComputeTotalCost(multiplier float64) float64 {
	return r.Legs[0].Cost(multiplier) + r.Legs[1].Cost(multiplier)
}

// DeriveStatus classifies the record from its leg fills: both legs fully
// filled is filled, any executed quantity is partial, nothing is failed.
func (r *TradeRecord) DeriveStatus() TradeStatus {
	call, put := r.Legs[0], r.Legs[1]
	switch {
	case r.Contracts > 0 && call.FillQty == r.Contracts && put.FillQty == r.Contracts:
		return TradeFilled
	case call.FillQty > 0 || put.FillQty > 0:
		return TradePartial
	default:
		return TradeFailed
	}
}

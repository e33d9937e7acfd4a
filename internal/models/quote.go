// Package models provides the data structures shared by the straddle engine:
// quotes, candidates, account snapshots, per-leg orders and trade records.
package models

import "fmt"

// ContractMultiplier is the standard number of index units per SPXW option
// contract. Trading code uses the configured strategy.multiplier.
const ContractMultiplier = 100.0

// OptionQuote is a point-in-time bid/ask/volume snapshot for one option code.
type OptionQuote struct {
	Code   string  `json:"code"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last,omitempty"`
	Volume int64   `json:"volume"`
}

// Valid reports whether the quote has a usable two-sided market (0 < bid < ask).
func (q OptionQuote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Bid < q.Ask
}

// Mid returns the midpoint between bid and ask.
func (q OptionQuote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q OptionQuote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadPct returns the spread as a percentage of the ask. A non-positive ask
// is treated as a 100% spread.
func (q OptionQuote) SpreadPct() float64 {
	if q.Ask <= 0 {
		return 100
	}
	return (q.Ask - q.Bid) / q.Ask * 100
}

// StraddleCandidate is a scored call/put pair at a single strike and expiry.
// Candidates are built by the strike selector and never mutated afterwards.
type StraddleCandidate struct {
	ExpiryLabel      string      `json:"expiry_label"`
	CallCode         string      `json:"call_code"`
	PutCode          string      `json:"put_code"`
	CallQuote        OptionQuote `json:"call_quote"`
	PutQuote         OptionQuote `json:"put_quote"`
	DistanceFromSpot float64     `json:"distance_from_spot"`
	TotalPremium     float64     `json:"total_premium"`
	LiquidityScore   float64     `json:"liquidity_score"`
	AvgSpreadPct     float64     `json:"avg_spread_pct"`
	Strike           int         `json:"strike"`
}

// PremiumPerContract returns the dollar cost of one straddle contract
// given the contract multiplier.
func (c StraddleCandidate) PremiumPerContract(multiplier float64) float64 {
	return c.TotalPremium * multiplier
}

// SelectionScore is the value minimized when choosing among candidates.
// Distance to spot dominates; liquidity breaks near-ties.
func (c StraddleCandidate) SelectionScore() float64 {
	return c.DistanceFromSpot*10 + (100 - c.LiquidityScore)
}

// Option rights used in OCC symbols.
const (
	RightCall = 'C'
	RightPut  = 'P'
)

// OptionCode builds an OCC option symbol, e.g. SPXW250314C05900000 for the
// SPXW 5900 call expiring 2025-03-14.
func OptionCode(root, expiryLabel string, right byte, strike int) string {
	return fmt.Sprintf("%s%s%c%08d", root, expiryLabel, right, strike*1000)
}

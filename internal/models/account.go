package models

import "strings"

// Holding is a single open position reported by the gateway.
type Holding struct {
	Code      string  `json:"code"`
	Qty       int     `json:"qty"`
	CostBasis float64 `json:"cost_basis"`
}

// AccountSnapshot is the account state used for one trading cycle.
// It is passed by value and refreshed from the gateway once per cycle.
type AccountSnapshot struct {
	AccountID   string    `json:"account_id"`
	Positions   []Holding `json:"positions"`
	Cash        float64   `json:"cash"`
	BuyingPower float64   `json:"buying_power"`
	TotalValue  float64   `json:"total_value"`
	DailyPnL    float64   `json:"daily_pnl"`
}

// HoldingsMatching returns the open holdings whose code contains root
// (for example "SPXW").
func (a AccountSnapshot) HoldingsMatching(root string) []Holding {
	var out []Holding
	for _, h := range a.Positions {
		if h.Qty != 0 && strings.Contains(h.Code, root) {
			out = append(out, h)
		}
	}
	return out
}

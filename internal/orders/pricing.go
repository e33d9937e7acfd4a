package orders

import (
	"math"

	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/util"
)

// PricingConfig holds the limit-price rules.
type PricingConfig struct {
	WideSpreadPct  float64 // spreads above this cross the market
	TightSpreadPct float64 // spreads below this price near mid
	UrgentMarkup   float64 // fraction beyond the far side when crossing
	TightFraction  float64 // fraction of the spread paid on tight markets
	NormalFraction float64 // fraction of the spread paid otherwise
}

// DefaultPricing is the standard escalation ladder.
var DefaultPricing = PricingConfig{
	WideSpreadPct:  5,
	TightSpreadPct: 1,
	UrgentMarkup:   0.01,
	TightFraction:  0.6,
	NormalFraction: 0.75,
}

// Price returns a buy limit price for the bid/ask, rounded to the cent.
//
//	urgent or spread% > wide:  ask × (1 + markup)
//	spread% < tight:           bid + tight·spread
//	otherwise:                 bid + normal·spread
func Price(bid, ask float64, urgent bool, cfg PricingConfig) float64 {
	spread := ask - bid
	spreadPct := 100.0
	if ask > 0 {
		spreadPct = spread / ask * 100
	}

	var p float64
	switch {
	case urgent || spreadPct > cfg.WideSpreadPct:
		p = ask * (1 + cfg.UrgentMarkup)
	case spreadPct < cfg.TightSpreadPct:
		p = bid + spread*cfg.TightFraction
	default:
		p = bid + spread*cfg.NormalFraction
	}
	return util.RoundToTick(p, util.CentTick)
}

// SellPrice mirrors Price for closing sales: it concedes from the ask toward
// and through the bid. The result is never below one cent.
func SellPrice(bid, ask float64, urgent bool, cfg PricingConfig) float64 {
	spread := ask - bid
	spreadPct := 100.0
	if ask > 0 {
		spreadPct = spread / ask * 100
	}

	var p float64
	switch {
	case urgent || spreadPct > cfg.WideSpreadPct:
		p = bid * (1 - cfg.UrgentMarkup)
	case spreadPct < cfg.TightSpreadPct:
		p = ask - spread*cfg.TightFraction
	default:
		p = ask - spread*cfg.NormalFraction
	}
	return math.Max(util.CentTick, util.RoundToTick(p, util.CentTick))
}

// PriceFor prices an order on side.
func PriceFor(side models.Side, bid, ask float64, urgent bool, cfg PricingConfig) float64 {
	if side == models.SideSellToClose {
		return SellPrice(bid, ask, urgent, cfg)
	}
	return Price(bid, ask, urgent, cfg)
}

// atLeastAsAggressive returns next, or prev when next would be a less
// aggressive price for side.
func atLeastAsAggressive(side models.Side, prev, next float64) float64 {
	if prev == 0 {
		return next
	}
	if side == models.SideSellToClose {
		return math.Min(prev, next)
	}
	return math.Max(prev, next)
}

// Package mock provides a simulated brokerage for paper runs and tests: a
// synthetic SPXW chain generator and a scriptable in-memory gateway.
package mock

import (
	"crypto/rand"
	"math"
	"math/big"

	"github.com/eddiefleurent/spx_straddler/internal/models"
	"github.com/eddiefleurent/spx_straddler/internal/util"
)

// DataProvider generates synthetic same-week SPXW quotes around a spot price.
type DataProvider struct {
	currentPrice float64
	dailyVol     float64 // one-day move as a fraction of spot
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureInt63n generates a cryptographically secure random int64 between 0 and n-1
func secureInt63n(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

// NewDataProvider returns a provider with spot around 5800-5900 when spot is 0.
func NewDataProvider(spot float64) *DataProvider {
	if spot <= 0 {
		spot = 5800 + secureFloat64()*100
	}
	return &DataProvider{
		currentPrice: spot,
		dailyVol:     0.008 + secureFloat64()*0.006,
	}
}

// Spot returns the current simulated index level.
func (m *DataProvider) Spot() float64 { return m.currentPrice }

// Tick simulates a small index move and returns the new level.
func (m *DataProvider) Tick() float64 {
	m.currentPrice += (secureFloat64() - 0.5) * 4
	return m.currentPrice
}

// IndexQuote returns the index quote under symbol.
func (m *DataProvider) IndexQuote(symbol string) models.OptionQuote {
	return models.OptionQuote{
		Code: symbol,
		Last: util.RoundToTick(m.currentPrice, util.CentTick),
	}
}

// Chain generates call and put quotes for strikes base±halfWidth·interval
// expiring daysToExpiry trading days out.
func (m *DataProvider) Chain(root, expiryLabel string, interval, halfWidth, daysToExpiry int) map[string]models.OptionQuote {
	if daysToExpiry < 1 {
		daysToExpiry = 1
	}
	out := make(map[string]models.OptionQuote, 4*halfWidth+2)
	base := int(math.Round(m.currentPrice/float64(interval))) * interval
	// Straddle value scales with sqrt(time): ~0.8 × one-sigma move.
	atm := 0.8 * m.currentPrice * m.dailyVol * math.Sqrt(float64(daysToExpiry))

	for i := -halfWidth; i <= halfWidth; i++ {
		strike := base + i*interval
		if strike <= 0 {
			continue
		}
		moneyness := float64(strike) - m.currentPrice
		decay := math.Exp(-math.Abs(moneyness) / (atm * 1.5))
		timeValue := math.Max(0.05, atm/2*decay)

		callMid := math.Max(0, -moneyness) + timeValue
		putMid := math.Max(0, moneyness) + timeValue

		callCode := models.OptionCode(root, expiryLabel, models.RightCall, strike)
		putCode := models.OptionCode(root, expiryLabel, models.RightPut, strike)
		out[callCode] = m.quote(callCode, callMid, decay)
		out[putCode] = m.quote(putCode, putMid, decay)
	}
	return out
}

// quote builds a two-sided market around mid. Liquidity falls off with
// distance from the money.
func (m *DataProvider) quote(code string, mid, liquidity float64) models.OptionQuote {
	halfSpread := math.Max(0.05, mid*(0.004+0.02*(1-liquidity)))
	bid := util.RoundToTick(math.Max(0.05, mid-halfSpread), 0.05)
	ask := util.RoundToTick(mid+halfSpread, 0.05)
	if ask <= bid {
		ask = bid + 0.05
	}
	return models.OptionQuote{
		Code:   code,
		Bid:    bid,
		Ask:    ask,
		Last:   util.RoundToTick(mid, util.CentTick),
		Volume: int64(float64(200+secureInt63n(3000)) * liquidity),
	}
}

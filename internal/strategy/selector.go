// Package strategy selects the same-week SPXW straddle to trade: it builds a
// strike ladder around spot, snapshots every call and put in one batch and
// scores the two-sided pairs by distance and liquidity.
package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/broker"
	"github.com/eddiefleurent/spx_straddler/internal/calendar"
	"github.com/eddiefleurent/spx_straddler/internal/clock"
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// ExpiryLayout formats expiry labels as YYMMDD.
const ExpiryLayout = "060102"

// Config holds strike selection parameters.
type Config struct {
	Root            string  // option root, e.g. SPXW
	IndexSymbol     string  // underlying index quote, e.g. SPX
	LadderHalfWidth int     // strikes on each side of the base strike
	MaxSpreadPct    float64 // max average leg spread, percent of ask
	MinSpot         float64
	MaxSpot         float64
}

// DefaultConfig returns the standard SPXW selection parameters.
func DefaultConfig() Config {
	return Config{
		Root:            "SPXW",
		IndexSymbol:     "SPX",
		LadderHalfWidth: 10,
		MaxSpreadPct:    20,
		MinSpot:         3000,
		MaxSpot:         8000,
	}
}

// StrikeInterval returns the listed strike spacing for an index level.
func StrikeInterval(spot float64) int {
	switch {
	case spot < 4000:
		return 5
	case spot < 5000:
		return 10
	default:
		return 25
	}
}

// BuildLadder returns the ascending positive strikes base±halfWidth·interval,
// where base is spot rounded to the nearest interval.
func BuildLadder(spot float64, interval, halfWidth int) []int {
	if interval <= 0 || halfWidth < 0 {
		return nil
	}
	base := int(math.Round(spot/float64(interval))) * interval
	strikes := make([]int, 0, 2*halfWidth+1)
	for i := -halfWidth; i <= halfWidth; i++ {
		if s := base + i*interval; s > 0 {
			strikes = append(strikes, s)
		}
	}
	return strikes
}

// ExpiryFor returns the weekly expiry for a trade placed at now: the coming
// Friday in market time, or next week's Friday once Friday's close has passed.
func ExpiryFor(now time.Time, cal *calendar.Calendar) time.Time {
	local := now.In(cal.Location())
	days := (int(time.Friday) - int(local.Weekday()) + 7) % 7
	if days == 0 && cal.AtOrAfterClose(local) {
		days = 7
	}
	y, m, d := local.AddDate(0, 0, days).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, cal.Location())
}

// ExpiryLabel formats an expiry date as used in option codes.
func ExpiryLabel(expiry time.Time) string {
	return expiry.Format(ExpiryLayout)
}

// Score builds a candidate from a call/put pair. ok is false when either
// leg lacks a two-sided market or the average spread exceeds maxSpreadPct.
func Score(strike int, expiryLabel string, call, put models.OptionQuote, spot, maxSpreadPct float64) (models.StraddleCandidate, bool) {
	if !call.Valid() || !put.Valid() {
		return models.StraddleCandidate{}, false
	}
	avgSpread := (call.SpreadPct() + put.SpreadPct()) / 2
	if avgSpread > maxSpreadPct {
		return models.StraddleCandidate{}, false
	}

	volumeScore := math.Min(100, float64(call.Volume+put.Volume)/10)
	spreadScore := math.Max(0, 100-avgSpread*10)

	return models.StraddleCandidate{
		Strike:           strike,
		ExpiryLabel:      expiryLabel,
		CallCode:         call.Code,
		PutCode:          put.Code,
		CallQuote:        call,
		PutQuote:         put,
		DistanceFromSpot: math.Abs(float64(strike) - spot),
		TotalPremium:     call.Mid() + put.Mid(),
		LiquidityScore:   (volumeScore + 2*spreadScore) / 3,
		AvgSpreadPct:     avgSpread,
	}, true
}

// Best returns the candidate with the lowest selection score. Ties go to the
// lowest strike. ok is false for an empty slice.
func Best(candidates []models.StraddleCandidate) (best models.StraddleCandidate, ok bool) {
	if len(candidates) == 0 {
		return best, false
	}
	sorted := append([]models.StraddleCandidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := sorted[i].SelectionScore(), sorted[j].SelectionScore()
		if si != sj {
			return si < sj
		}
		return sorted[i].Strike < sorted[j].Strike
	})
	return sorted[0], true
}

// Selector picks the straddle to trade from live quotes.
type Selector struct {
	gateway broker.Gateway
	cal     *calendar.Calendar
	clock   clock.Clock
	config  Config
	logger  logrus.FieldLogger
}

// NewSelector creates a selector reading quotes from gateway.
func NewSelector(gateway broker.Gateway, cal *calendar.Calendar, clk clock.Clock, config Config, logger logrus.FieldLogger) *Selector {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Selector{
		gateway: gateway,
		cal:     cal,
		clock:   clk,
		config:  config,
		logger:  logger.WithField("component", "selector"),
	}
}

// Spot returns the index level from the underlying quote. Levels outside the
// configured band are rejected as bad data.
func (s *Selector) Spot(ctx context.Context) (float64, error) {
	quotes, err := s.gateway.GetMarketSnapshot(ctx, []string{s.config.IndexSymbol})
	if err != nil {
		return 0, fmt.Errorf("fetching %s quote: %w", s.config.IndexSymbol, err)
	}
	q, ok := quotes[s.config.IndexSymbol]
	if !ok {
		return 0, fmt.Errorf("%w: no quote for %s", models.ErrQuoteUnavailable, s.config.IndexSymbol)
	}
	spot := q.Last
	if spot <= 0 && q.Valid() {
		spot = q.Mid()
	}
	if spot < s.config.MinSpot || spot > s.config.MaxSpot {
		return 0, fmt.Errorf("%w: %s price %.2f outside sanity band [%.0f, %.0f]",
			models.ErrQuoteUnavailable, s.config.IndexSymbol, spot, s.config.MinSpot, s.config.MaxSpot)
	}
	return spot, nil
}

// Select returns the best straddle around spot for the current weekly expiry.
// Gateway failures are returned as-is; an empty or unusable chain wraps
// models.ErrQuoteUnavailable.
func (s *Selector) Select(ctx context.Context, spot float64) (models.StraddleCandidate, error) {
	expiry := ExpiryFor(s.clock.Now(), s.cal)
	label := ExpiryLabel(expiry)
	strikes := BuildLadder(spot, StrikeInterval(spot), s.config.LadderHalfWidth)

	codes := make([]string, 0, 2*len(strikes))
	for _, k := range strikes {
		codes = append(codes,
			models.OptionCode(s.config.Root, label, models.RightCall, k),
			models.OptionCode(s.config.Root, label, models.RightPut, k))
	}

	s.logger.WithFields(logrus.Fields{
		"spot":    spot,
		"expiry":  expiry.Format("2006-01-02"),
		"strikes": len(strikes),
	}).Info("Searching for straddles")

	quotes, err := s.gateway.GetMarketSnapshot(ctx, codes)
	if err != nil {
		return models.StraddleCandidate{}, fmt.Errorf("fetching chain snapshot: %w", err)
	}

	candidates := make([]models.StraddleCandidate, 0, len(strikes))
	for i, k := range strikes {
		call, okC := quotes[codes[2*i]]
		put, okP := quotes[codes[2*i+1]]
		if !okC || !okP {
			continue
		}
		c, ok := Score(k, label, call, put, spot, s.config.MaxSpreadPct)
		if !ok {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"strike":    k,
			"premium":   c.TotalPremium,
			"distance":  c.DistanceFromSpot,
			"liquidity": c.LiquidityScore,
			"spread":    c.AvgSpreadPct,
		}).Debug("Candidate")
		candidates = append(candidates, c)
	}

	best, ok := Best(candidates)
	if !ok {
		return models.StraddleCandidate{}, fmt.Errorf("%w: no two-sided straddle within %.1f%% spread for %s",
			models.ErrQuoteUnavailable, s.config.MaxSpreadPct, label)
	}

	s.logger.WithFields(logrus.Fields{
		"strike":    best.Strike,
		"premium":   best.TotalPremium,
		"liquidity": best.LiquidityScore,
		"score":     best.SelectionScore(),
	}).Info("Selected straddle")
	return best, nil
}

// Package risk turns a straddle premium and an account snapshot into a
// contract count and an accept/reject decision.
//
// Two policies exist and are selected by name. StrictPolicy applies tiered
// caps and pre-trade checks. NoLimitsPolicy sizes by the risk budget alone
// and accepts every trade; it is never a fallback for StrictPolicy.
package risk

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Policy names.
const (
	PolicyStrict   = "strict"
	PolicyNoLimits = "no_limits"
)

// Account size thresholds for the strict policy.
const (
	MinCapital         = 4000.0
	smallAccountTier   = 10000.0
	mediumAccountTier  = 50000.0
	largeAccountTier   = 100000.0
	smallPremiumShare  = 0.10 // premium share of capital allowed by the small-account exception
	minCapitalMultiple = 10.0 // capital must cover this many premiums
	dailyLossLimit     = 0.05
	highRiskShare      = 0.50
)

// Decision is the outcome of sizing one candidate.
type Decision struct {
	Policy            string   `json:"policy"`
	Reason            string   `json:"reason,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	Contracts         int      `json:"contracts"`
	MaxRiskDollars    float64  `json:"max_risk_dollars"`
	ActualRiskDollars float64  `json:"actual_risk_dollars"`
	Accepted          bool     `json:"accepted"`
}

// Sizer sizes a straddle for an account. premiumPerContract is the dollar
// cost of one straddle contract (total premium times the multiplier).
type Sizer interface {
	Size(acct models.AccountSnapshot, premiumPerContract float64) Decision
	Policy() string
}

// NewSizer returns the sizer for policy.
func NewSizer(policy string, maxRiskFraction float64, logger logrus.FieldLogger) (Sizer, error) {
	if maxRiskFraction <= 0 || maxRiskFraction > 1 {
		return nil, &models.ConfigError{Field: "risk.max_risk_fraction", Reason: fmt.Sprintf("%v not in (0,1]", maxRiskFraction)}
	}
	switch policy {
	case PolicyStrict:
		return NewStrictPolicy(maxRiskFraction, logger), nil
	case PolicyNoLimits:
		return NewNoLimitsPolicy(maxRiskFraction, logger), nil
	default:
		return nil, &models.ConfigError{Field: "risk.policy", Reason: fmt.Sprintf("unknown policy %q", policy)}
	}
}

// StrictPolicy enforces account tiers, buying power and pre-trade risk checks.
type StrictPolicy struct {
	logger          logrus.FieldLogger
	maxRiskFraction float64
}

// NewStrictPolicy creates a strict sizer.
func NewStrictPolicy(maxRiskFraction float64, logger logrus.FieldLogger) *StrictPolicy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &StrictPolicy{
		logger:          logger.WithFields(logrus.Fields{"component": "risk", "policy": PolicyStrict}),
		maxRiskFraction: maxRiskFraction,
	}
}

// Policy returns PolicyStrict.
func (p *StrictPolicy) Policy() string { return PolicyStrict }

// Size applies the strict sizing rules.
func (p *StrictPolicy) Size(acct models.AccountSnapshot, premium float64) Decision {
	capital := acct.TotalValue
	d := Decision{Policy: PolicyStrict, MaxRiskDollars: capital * p.maxRiskFraction}

	if premium <= 0 || math.IsNaN(premium) || math.IsInf(premium, 0) {
		return p.reject(d, fmt.Sprintf("invalid premium %.2f", premium))
	}
	if capital < MinCapital {
		return p.reject(d, fmt.Sprintf("capital $%.2f below $%.0f minimum", capital, MinCapital))
	}

	byRisk := int(math.Floor(d.MaxRiskDollars / premium))
	byBP := int(math.Floor(math.Max(0, acct.BuyingPower) / premium))

	var base int
	switch {
	case capital >= largeAccountTier:
		base = min(3, byRisk)
	case capital >= mediumAccountTier:
		base = min(2, byRisk)
	case capital >= smallAccountTier:
		base = min(1, byRisk)
	default:
		base = 1
		d.Warnings = append(d.Warnings, "small account: 1 contract maximum")
	}

	contracts := 0
	switch {
	case base >= 1:
		contracts = base
	case premium <= capital*smallPremiumShare:
		contracts = 1
		d.Warnings = append(d.Warnings, fmt.Sprintf("small-account exception: premium is %.1f%% of capital", premium/capital*100))
	}
	if contracts > 0 {
		contracts = max(1, min(contracts, byRisk))
	}
	if contracts > byBP {
		d.Warnings = append(d.Warnings, fmt.Sprintf("buying power caps size at %d", byBP))
		contracts = byBP
	}

	d.Contracts = contracts
	d.ActualRiskDollars = float64(contracts) * premium

	p.logger.WithFields(logrus.Fields{
		"capital":   capital,
		"max_risk":  d.MaxRiskDollars,
		"premium":   premium,
		"by_risk":   byRisk,
		"by_bp":     byBP,
		"contracts": contracts,
		"risk":      d.ActualRiskDollars,
	}).Info("Position sizing")

	switch {
	case contracts < 1:
		return p.reject(d, fmt.Sprintf("insufficient capital for 1 contract at $%.2f", premium))
	case d.ActualRiskDollars > d.MaxRiskDollars:
		return p.reject(d, fmt.Sprintf("risk $%.2f exceeds limit $%.2f", d.ActualRiskDollars, d.MaxRiskDollars))
	case capital < minCapitalMultiple*premium:
		return p.reject(d, fmt.Sprintf("capital $%.2f below %.0fx premium $%.2f", capital, minCapitalMultiple, premium))
	case acct.DailyPnL < -dailyLossLimit*capital:
		return p.reject(d, fmt.Sprintf("daily loss limit reached: $%.2f", acct.DailyPnL))
	}

	for _, w := range d.Warnings {
		p.logger.Warn(w)
	}
	d.Accepted = true
	return d
}

func (p *StrictPolicy) reject(d Decision, reason string) Decision {
	d.Accepted = false
	d.Reason = reason
	p.logger.WithField("reason", reason).Warn("Trade rejected by risk policy")
	return d
}

// NoLimitsPolicy sizes by the risk budget only, never below one contract,
// and always accepts.
type NoLimitsPolicy struct {
	logger          logrus.FieldLogger
	maxRiskFraction float64
}

// NewNoLimitsPolicy creates a no-limits sizer.
func NewNoLimitsPolicy(maxRiskFraction float64, logger logrus.FieldLogger) *NoLimitsPolicy {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NoLimitsPolicy{
		logger:          logger.WithFields(logrus.Fields{"component": "risk", "policy": PolicyNoLimits}),
		maxRiskFraction: maxRiskFraction,
	}
}

// Policy returns PolicyNoLimits.
func (p *NoLimitsPolicy) Policy() string { return PolicyNoLimits }

// Size returns max(1, floor(maxRisk/premium)) contracts.
func (p *NoLimitsPolicy) Size(acct models.AccountSnapshot, premium float64) Decision {
	capital := acct.TotalValue
	d := Decision{
		Policy:         PolicyNoLimits,
		MaxRiskDollars: capital * p.maxRiskFraction,
		Accepted:       true,
		Contracts:      1,
		Warnings:       []string{"no_limits policy: capital checks disabled"},
	}
	if premium > 0 {
		d.Contracts = max(1, int(math.Floor(d.MaxRiskDollars/premium)))
	}
	d.ActualRiskDollars = float64(d.Contracts) * premium

	share := 1.0
	if capital > 0 {
		share = d.ActualRiskDollars / capital
	}
	if share > highRiskShare {
		d.Warnings = append(d.Warnings, fmt.Sprintf("HIGH RISK: %.1f%% of capital at risk", share*100))
	}

	p.logger.WithFields(logrus.Fields{
		"capital":   capital,
		"premium":   premium,
		"contracts": d.Contracts,
		"risk":      d.ActualRiskDollars,
	}).Warn("Position sizing with NO LIMITS")
	for _, w := range d.Warnings[1:] {
		p.logger.Warn(w)
	}
	return d
}

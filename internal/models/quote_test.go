package models

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestOptionQuote_Valid(t *testing.T) {
	tests := []struct {
		q    OptionQuote
		want bool
	}{
		{OptionQuote{Bid: 1, Ask: 1.2}, true},
		{OptionQuote{Bid: 0, Ask: 1.2}, false},
		{OptionQuote{Bid: 1.2, Ask: 1.2}, false},
		{OptionQuote{Bid: 1.5, Ask: 1.2}, false},
	}
	for _, tt := range tests {
		if got := tt.q.Valid(); got != tt.want {
			t.Errorf("Valid(%+v) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestOptionQuote_SpreadPct(t *testing.T) {
	q := OptionQuote{Bid: 9.5, Ask: 10}
	if math.Abs(q.SpreadPct()-5) > 1e-9 {
		t.Errorf("SpreadPct = %v, want 5", q.SpreadPct())
	}
	if (OptionQuote{}).SpreadPct() != 100 {
		t.Error("zero ask should be a 100% spread")
	}
}

func TestStraddleCandidate_Scores(t *testing.T) {
	c := StraddleCandidate{TotalPremium: 8, DistanceFromSpot: 2.5, LiquidityScore: 80}
	if c.PremiumPerContract(ContractMultiplier) != 800 {
		t.Errorf("PremiumPerContract = %v", c.PremiumPerContract(ContractMultiplier))
	}
	if c.PremiumPerContract(10) != 80 {
		t.Errorf("PremiumPerContract(10) = %v, want 80", c.PremiumPerContract(10))
	}
	if c.SelectionScore() != 45 {
		t.Errorf("SelectionScore = %v, want 45", c.SelectionScore())
	}
}

func TestAccountSnapshot_HoldingsMatching(t *testing.T) {
	a := AccountSnapshot{Positions: []Holding{
		{Code: "SPXW250314C05900000", Qty: 1},
		{Code: "SPXW250314P05900000", Qty: 0},
		{Code: "AAPL", Qty: 10},
	}}
	got := a.HoldingsMatching("SPXW")
	if len(got) != 1 || got[0].Qty != 1 {
		t.Errorf("unexpected holdings %+v", got)
	}
}

func TestUnhedgedLegError_Unwraps(t *testing.T) {
	cause := fmt.Errorf("put leg: %w", ErrFillTimeout)
	var err error = &UnhedgedLegError{FilledCode: "C", FilledQty: 1, UnwindState: StateFilled, Cause: cause}

	var ul *UnhedgedLegError
	if !errors.As(err, &ul) {
		t.Fatal("errors.As should find UnhedgedLegError")
	}
	if !errors.Is(err, ErrFillTimeout) {
		t.Error("cause should be reachable via errors.Is")
	}
	if !ul.Unwound() {
		t.Error("filled unwind should report Unwound")
	}
}

func TestOptionCode(t *testing.T) {
	if got := OptionCode("SPXW", "250314", RightCall, 5900); got != "SPXW250314C05900000" {
		t.Errorf("OptionCode = %q", got)
	}
	if got := OptionCode("SPXW", "250314", RightPut, 12500); got != "SPXW250314P12500000" {
		t.Errorf("OptionCode = %q", got)
	}
}

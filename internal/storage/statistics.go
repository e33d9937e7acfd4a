package storage

import (
	"github.com/montanaflynn/stats"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Statistics summarizes the journal.
type Statistics struct {
	TotalTrades    int     `json:"total_trades"`
	FilledTrades   int     `json:"filled_trades"`
	PartialTrades  int     `json:"partial_trades"`
	FailedTrades   int     `json:"failed_trades"`
	TotalContracts int     `json:"total_contracts"`
	FillRate       float64 `json:"fill_rate"`
	TotalCost      float64 `json:"total_cost"`
	MeanCost       float64 `json:"mean_cost"`
	MedianCost     float64 `json:"median_cost"`
	MaxCost        float64 `json:"max_cost"`
	CostStdDev     float64 `json:"cost_std_dev"`
}

// Summarize computes statistics over records. Cost figures cover records
// with a non-zero total cost.
func Summarize(records []models.TradeRecord) Statistics {
	var s Statistics
	costs := make(stats.Float64Data, 0, len(records))

	for _, r := range records {
		s.TotalTrades++
		switch r.Status {
		case models.TradeFilled:
			s.FilledTrades++
			s.TotalContracts += r.Contracts
		case models.TradePartial:
			s.PartialTrades++
		default:
			s.FailedTrades++
		}
		if r.TotalCost > 0 {
			costs = append(costs, r.TotalCost)
		}
	}

	if s.TotalTrades > 0 {
		s.FillRate = float64(s.FilledTrades) / float64(s.TotalTrades)
	}
	if len(costs) == 0 {
		return s
	}

	s.TotalCost, _ = costs.Sum()
	s.MeanCost, _ = costs.Mean()
	s.MedianCost, _ = costs.Median()
	s.MaxCost, _ = costs.Max()
	s.CostStdDev, _ = costs.StandardDeviation()
	return s
}

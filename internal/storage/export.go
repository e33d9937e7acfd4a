package storage

import (
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// CSVRow is the flattened CSV form of a trade record.
type CSVRow struct {
	Timestamp     string  `csv:"timestamp"`
	CycleID       string  `csv:"cycle_id"`
	Environment   string  `csv:"environment"`
	Policy        string  `csv:"policy"`
	Status        string  `csv:"status"`
	Expiry        string  `csv:"expiry"`
	CallCode      string  `csv:"call_code"`
	CallOrderID   string  `csv:"call_order_id"`
	PutCode       string  `csv:"put_code"`
	PutOrderID    string  `csv:"put_order_id"`
	Notes         string  `csv:"notes"`
	SPXPrice      float64 `csv:"spx_price"`
	CallFillPrice float64 `csv:"call_fill_price"`
	PutFillPrice  float64 `csv:"put_fill_price"`
	TotalCost     float64 `csv:"total_cost"`
	Strike        int     `csv:"strike"`
	Contracts     int     `csv:"contracts"`
	CallFillQty   int     `csv:"call_fill_qty"`
	PutFillQty    int     `csv:"put_fill_qty"`
}

// ToCSVRows flattens records for export.
func ToCSVRows(records []models.TradeRecord) []*CSVRow {
	rows := make([]*CSVRow, 0, len(records))
	for i := range records {
		r := &records[i]
		call, put := r.Call(), r.Put()
		rows = append(rows, &CSVRow{
			Timestamp:     r.Timestamp.Format(time.RFC3339),
			CycleID:       r.CycleID,
			Environment:   r.Environment,
			Policy:        r.Policy,
			Status:        string(r.Status),
			Expiry:        r.ExpiryLabel,
			CallCode:      call.Code,
			CallOrderID:   call.OrderID,
			PutCode:       put.Code,
			PutOrderID:    put.OrderID,
			Notes:         r.Notes,
			SPXPrice:      r.SPXPrice,
			CallFillPrice: call.FillPrice,
			PutFillPrice:  put.FillPrice,
			TotalCost:     r.TotalCost,
			Strike:        r.Strike,
			Contracts:     r.Contracts,
			CallFillQty:   call.FillQty,
			PutFillQty:    put.FillQty,
		})
	}
	return rows
}

// ExportCSV writes records to w as CSV with a header row.
func ExportCSV(records []models.TradeRecord, w io.Writer) error {
	rows := ToCSVRows(records)
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("exporting journal: %w", err)
	}
	return nil
}

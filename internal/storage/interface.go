// Package storage persists trade records as an append-only JSON-lines
// journal and derives exports and summaries from it.
package storage

import (
	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// Interface defines the contract for trade record persistence.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	// Append writes one record. Existing records are never rewritten.
	Append(rec *models.TradeRecord) error
	// Records returns every record in write order.
	Records() ([]models.TradeRecord, error)
}

// NewStorage creates the journal at path.
func NewStorage(path string) (Interface, error) {
	return NewJSONLStorage(path)
}

// Ensure implementations satisfy Interface.
var (
	_ Interface = (*JSONLStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)

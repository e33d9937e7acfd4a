package storage

import (
	"sync"

	"github.com/eddiefleurent/spx_straddler/internal/models"
)

// MockStorage is an in-memory journal for testing.
type MockStorage struct {
	mu          sync.Mutex
	appendError error
	records     []models.TradeRecord
	appendCalls int
}

// NewMockStorage creates a new mock storage for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// SetAppendError makes subsequent Append calls fail with err.
func (m *MockStorage) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendError = err
}

// Append stores a copy of rec.
func (m *MockStorage) Append(rec *models.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.appendError != nil {
		return m.appendError
	}
	m.records = append(m.records, *rec)
	return nil
}

// Records returns the stored records.
func (m *MockStorage) Records() ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TradeRecord(nil), m.records...), nil
}

// AppendCalls returns how many times Append was called.
func (m *MockStorage) AppendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCalls
}

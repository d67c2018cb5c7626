package cursor

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps cursors in process memory. Used with store.driver=memory
// and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]TableRowCursor
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors: make(map[string]TableRowCursor),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, tableID string) (*TableRowCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(tableID), nil
}

func (m *MemoryStore) getLocked(tableID string) *TableRowCursor {
	c, ok := m.cursors[tableID]
	if !ok {
		return nil
	}
	return &c
}

func (m *MemoryStore) EstimateStart(ctx context.Context, tableID string) (int64, error) {
	c, _ := m.Get(ctx, tableID)
	return estimateStart(c), nil
}

func (m *MemoryStore) RecordAfterImport(ctx context.Context, tableID string, newMaxRowID int64, confidence Confidence) (*TableRowCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := merge(m.getLocked(tableID), tableID, newMaxRowID, confidence, m.now())
	if err != nil {
		return nil, err
	}
	m.cursors[tableID] = *next
	return next, nil
}

func (m *MemoryStore) ManualResync(ctx context.Context, tableID string, rowID int64) (*TableRowCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := merge(nil, tableID, rowID, ConfidenceExact, m.now())
	if err != nil {
		return nil, err
	}
	m.cursors[tableID] = *next
	return next, nil
}

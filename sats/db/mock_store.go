package db

import (
	"context"
	"sync"
)

// MockCacheStore is an in-memory CacheStore that records how often each product was written.
type MockCacheStore struct {
	mu      sync.Mutex
	records map[string]*CacheRecord
	puts    map[string]int
	closed  bool

	// GetErr, when set, is returned by Get for the named products.
	GetErr map[string]error
}

// NewMockCacheStore returns an empty mock store.
func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{
		records: make(map[string]*CacheRecord),
		puts:    make(map[string]int),
		GetErr:  make(map[string]error),
	}
}

func (m *MockCacheStore) Get(ctx context.Context, productName string) (*CacheRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	if err := m.GetErr[productName]; err != nil {
		return nil, false, err
	}
	rec, ok := m.records[productName]
	return rec, ok, nil
}

func (m *MockCacheStore) Put(ctx context.Context, rec *CacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.records[rec.ProductName] = rec
	m.puts[rec.ProductName]++
	return nil
}

func (m *MockCacheStore) Delete(ctx context.Context, productName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.records, productName)
	return nil
}

func (m *MockCacheStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *MockCacheStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Seed stores rec without counting it as a write.
func (m *MockCacheStore) Seed(rec *CacheRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ProductName] = rec
}

// Puts returns how many times productName was written through Put.
func (m *MockCacheStore) Puts(productName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[productName]
}

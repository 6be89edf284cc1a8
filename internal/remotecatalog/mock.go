package remotecatalog

import (
	"context"
	"sync"
)

// Mock is an in-memory Catalog used by tests, grounded on fetchd.go's
// MockAdapter: a fixed table of canned responses plus an optional
// per-call fault injector so tests can exercise retry and failure paths
// without a real HTTP server.
type Mock struct {
	mu sync.Mutex

	byPartNumber map[string]string
	byRemoteId   map[string]CanonicalProduct

	// BulkUpdateFunc, when set, overrides the default success-everything
	// behavior so tests can simulate transient/permanent failures.
	BulkUpdateFunc func(ctx context.Context, payloads []UpdatePayload) ([]BulkResult, error)

	// LookupFunc and FetchFunc override the default table lookups the
	// same way, when set.
	LookupFunc func(ctx context.Context, partNumber string) (string, error)
	FetchFunc  func(ctx context.Context, remoteId string) (CanonicalProduct, error)

	Calls []string
}

// NewMock constructs an empty Mock; use Seed to populate it.
func NewMock() *Mock {
	return &Mock{
		byPartNumber: make(map[string]string),
		byRemoteId:   make(map[string]CanonicalProduct),
	}
}

// Seed registers a part number → remote id → product mapping.
func (m *Mock) Seed(partNumber, remoteId string, product CanonicalProduct) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPartNumber[partNumber] = remoteId
	product.RemoteId = remoteId
	m.byRemoteId[remoteId] = product
}

func (m *Mock) record(call string) {
	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	m.mu.Unlock()
}

func (m *Mock) LookupIdByPartNumber(ctx context.Context, partNumber string) (string, error) {
	m.record("lookup:" + partNumber)
	if m.LookupFunc != nil {
		return m.LookupFunc(ctx, partNumber)
	}

	m.mu.Lock()
	remoteId, ok := m.byPartNumber[partNumber]
	m.mu.Unlock()
	if !ok {
		return "", &NotFoundError{PartNumber: partNumber}
	}
	return remoteId, nil
}

func (m *Mock) FetchById(ctx context.Context, remoteId string) (CanonicalProduct, error) {
	m.record("fetch:" + remoteId)
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, remoteId)
	}

	m.mu.Lock()
	product, ok := m.byRemoteId[remoteId]
	m.mu.Unlock()
	if !ok {
		return CanonicalProduct{}, &FetchFailedError{RemoteId: remoteId, Cause: errNotSeeded}
	}
	return product, nil
}

func (m *Mock) BulkUpdate(ctx context.Context, payloads []UpdatePayload) ([]BulkResult, error) {
	m.record("bulkUpdate")
	if m.BulkUpdateFunc != nil {
		return m.BulkUpdateFunc(ctx, payloads)
	}

	results := make([]BulkResult, 0, len(payloads))
	for _, p := range payloads {
		results = append(results, BulkResult{RemoteId: p.RemoteId, Ok: true})

		m.mu.Lock()
		if product, ok := m.byRemoteId[p.RemoteId]; ok {
			product.Sku = p.Sku
			product.Description = p.Description
			product.MetaEntries = p.MetaEntries
			m.byRemoteId[p.RemoteId] = product
		}
		m.mu.Unlock()
	}
	return results, nil
}

var errNotSeeded = &mockError{"remotecatalog mock: remote id not seeded"}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

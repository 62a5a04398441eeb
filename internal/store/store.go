package store

import (
	"sync"

	"github.com/malwatch-project/malwatch/internal/core"
)

// SampleStore is the persistence contract for samples. Every call is
// tenant-scoped: keys include the tenant ID, so one tenant can never read
// another tenant's records.
type SampleStore interface {
	PutSample(s *core.Sample) error
	GetSample(tenantID, sampleID string) (*core.Sample, bool, error)
	// GetByFingerprint resolves the dedup key (tenant, fingerprint) to the
	// most recently stored sample for it.
	GetByFingerprint(tenantID, fingerprint string) (*core.Sample, bool, error)
	Close() error
}

// MemoryStore is an in-process SampleStore used in tests and for ephemeral
// runs where durability is not wanted.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string]*core.Sample // tenant/sampleID
	byFP    map[string]string       // tenant/fingerprint -> sampleID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string]*core.Sample),
		byFP:    make(map[string]string),
	}
}

func scopedKey(tenantID, suffix string) string {
	return tenantID + "/" + suffix
}

// PutSample stores a copy of the sample and indexes its fingerprint.
func (m *MemoryStore) PutSample(s *core.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.samples[scopedKey(s.TenantID, s.ID)] = &cp
	m.byFP[scopedKey(s.TenantID, s.Fingerprint)] = s.ID
	return nil
}

// GetSample fetches a sample by tenant and ID.
func (m *MemoryStore) GetSample(tenantID, sampleID string) (*core.Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.samples[scopedKey(tenantID, sampleID)]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

// GetByFingerprint resolves a tenant-scoped fingerprint to its sample.
func (m *MemoryStore) GetByFingerprint(tenantID, fingerprint string) (*core.Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byFP[scopedKey(tenantID, fingerprint)]
	if !ok {
		return nil, false, nil
	}
	s, ok := m.samples[scopedKey(tenantID, id)]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

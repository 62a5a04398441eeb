package store

import (
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/malwatch-project/malwatch/internal/core"
)

// BoltStore persists samples and IOC records in a single BoltDB file.
// BoltDB keeps the store pure Go with no external service to run; a hot
// in-memory cache sits in front of sample reads.
type BoltStore struct {
	db *bbolt.DB

	mu       sync.RWMutex
	memCache map[string]*core.Sample // tenant/sampleID → sample
	maxCache int
}

// Bucket names for different record types.
var (
	bucketSamples      = []byte("samples")
	bucketFingerprints = []byte("fingerprints")
	bucketIOCs         = []byte("iocs")
)

// OpenBolt opens (or creates) the store file and its buckets.
func OpenBolt(path string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSamples, bucketFingerprints, bucketIOCs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{
		db:       db,
		memCache: make(map[string]*core.Sample),
		maxCache: 1024,
	}, nil
}

// Close closes the underlying database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// PutSample writes the sample and its fingerprint index entry in one
// transaction, then refreshes the cache.
func (b *BoltStore) PutSample(s *core.Sample) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSamples).Put([]byte(scopedKey(s.TenantID, s.ID)), data); err != nil {
			return err
		}
		return tx.Bucket(bucketFingerprints).Put([]byte(scopedKey(s.TenantID, s.Fingerprint)), []byte(s.ID))
	})
	if err != nil {
		return fmt.Errorf("write sample: %w", err)
	}

	b.mu.Lock()
	if len(b.memCache) >= b.maxCache {
		b.evictOneLocked()
	}
	cp := *s
	b.memCache[scopedKey(s.TenantID, s.ID)] = &cp
	b.mu.Unlock()
	return nil
}

// GetSample fetches a sample by tenant and ID, cache first.
func (b *BoltStore) GetSample(tenantID, sampleID string) (*core.Sample, bool, error) {
	key := scopedKey(tenantID, sampleID)

	b.mu.RLock()
	if s, ok := b.memCache[key]; ok {
		cp := *s
		b.mu.RUnlock()
		return &cp, true, nil
	}
	b.mu.RUnlock()

	var s *core.Sample
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSamples).Get([]byte(key))
		if data == nil {
			return nil
		}
		var err error
		s, err = core.UnmarshalSample(data)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read sample: %w", err)
	}
	if s == nil {
		return nil, false, nil
	}

	b.mu.Lock()
	b.memCache[key] = s
	b.mu.Unlock()
	cp := *s
	return &cp, true, nil
}

// GetByFingerprint resolves the tenant-scoped dedup key to its sample.
func (b *BoltStore) GetByFingerprint(tenantID, fingerprint string) (*core.Sample, bool, error) {
	var sampleID string
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketFingerprints).Get([]byte(scopedKey(tenantID, fingerprint))); v != nil {
			sampleID = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("read fingerprint index: %w", err)
	}
	if sampleID == "" {
		return nil, false, nil
	}
	return b.GetSample(tenantID, sampleID)
}

// PutIOC writes an opaque IOC record under its canonical key. The intel
// package owns the record format; the store only guarantees durability.
func (b *BoltStore) PutIOC(key string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIOCs).Put([]byte(key), data)
	})
}

// ForEachIOC iterates all stored IOC records. Used to warm the intel index
// at startup.
func (b *BoltStore) ForEachIOC(fn func(key string, data []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIOCs).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// evictOneLocked drops an arbitrary cache entry. Sample reads are mostly
// for recent submissions, so precise LRU is not worth the bookkeeping.
func (b *BoltStore) evictOneLocked() {
	for k := range b.memCache {
		delete(b.memCache, k)
		return
	}
}

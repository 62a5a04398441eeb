package intel

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/core"
)

// Persister is the write-through backing for the index. Satisfied by
// store.BoltStore; nil disables persistence.
type Persister interface {
	PutIOC(key string, data []byte) error
	ForEachIOC(fn func(key string, data []byte) error) error
}

type shard struct {
	mu   sync.RWMutex
	iocs map[string]*IOC
}

// Index is the sharded in-memory IOC store. Lookups during correlation far
// outnumber feed writes, so each shard carries its own RWMutex.
type Index struct {
	logger  zerolog.Logger
	shards  []*shard
	persist Persister
}

// NewIndex creates an index with the given shard count (minimum 1).
func NewIndex(shards int, persist Persister, logger zerolog.Logger) *Index {
	if shards < 1 {
		shards = 1
	}
	idx := &Index{
		logger:  logger.With().Str("component", "intel_index").Logger(),
		shards:  make([]*shard, shards),
		persist: persist,
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{iocs: make(map[string]*IOC)}
	}
	return idx
}

func (x *Index) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return x.shards[h.Sum32()%uint32(len(x.shards))]
}

// Warm loads persisted IOCs back into memory. Called once at startup.
func (x *Index) Warm() error {
	if x.persist == nil {
		return nil
	}
	loaded := 0
	err := x.persist.ForEachIOC(func(key string, data []byte) error {
		ioc, err := unmarshalIOC(data)
		if err != nil {
			x.logger.Warn().Err(err).Str("key", key).Msg("skipping corrupt persisted ioc")
			return nil
		}
		sh := x.shardFor(key)
		sh.mu.Lock()
		sh.iocs[key] = ioc
		sh.mu.Unlock()
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("warming intel index: %w", err)
	}
	x.logger.Info().Int("iocs", loaded).Msg("intel index warmed from store")
	return nil
}

// Ingest merges one feed record into the index. Merging is per key:
// confidence takes the maximum across sources, Sources accumulates feed
// provenance, and LastSeen advances. Returns true when the record created
// or changed an entry.
func (x *Index) Ingest(rec FeedRecord) (bool, error) {
	value, err := Normalize(rec.Type, rec.Value)
	if err != nil {
		return false, fmt.Errorf("normalizing %s indicator: %w", rec.Type, err)
	}
	seen := rec.Seen
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	key := string(rec.Type) + "\x00" + value
	sh := x.shardFor(key)
	sh.mu.Lock()
	ioc, ok := sh.iocs[key]
	changed := false
	if !ok {
		ioc = &IOC{
			Type:       rec.Type,
			Value:      value,
			Sources:    []string{rec.Source},
			Confidence: rec.Confidence,
			FirstSeen:  seen,
			LastSeen:   seen,
		}
		sh.iocs[key] = ioc
		changed = true
	} else {
		if !ioc.HasSource(rec.Source) {
			ioc.Sources = append(ioc.Sources, rec.Source)
			sort.Strings(ioc.Sources)
			changed = true
		}
		if rec.Confidence > ioc.Confidence {
			ioc.Confidence = rec.Confidence
			changed = true
		}
		if seen.After(ioc.LastSeen) {
			ioc.LastSeen = seen
			changed = true
		}
		if seen.Before(ioc.FirstSeen) {
			ioc.FirstSeen = seen
		}
	}
	// Write-through stays inside the critical section so concurrent merges
	// of the same key cannot persist snapshots out of order.
	if changed && x.persist != nil {
		data, perr := marshalIOC(ioc)
		if perr == nil {
			perr = x.persist.PutIOC(key, data)
		}
		if perr != nil {
			sh.mu.Unlock()
			return changed, fmt.Errorf("persisting ioc: %w", perr)
		}
	}
	sh.mu.Unlock()
	return changed, nil
}

// Lookup returns the IOC for a normalized indicator, if indexed.
func (x *Index) Lookup(t core.IndicatorType, value string) (*IOC, bool) {
	norm, err := Normalize(t, value)
	if err != nil {
		return nil, false
	}
	key := string(t) + "\x00" + norm
	sh := x.shardFor(key)
	sh.mu.RLock()
	ioc, ok := sh.iocs[key]
	if ok {
		ioc = ioc.clone()
	}
	sh.mu.RUnlock()
	return ioc, ok
}

// Correlate matches a batch of observations against the index and returns
// one IOCMatch per distinct hit, sorted by value for deterministic output.
func (x *Index) Correlate(obs []core.Observation) []core.IOCMatch {
	hits := make(map[string]core.IOCMatch)
	for _, o := range obs {
		ioc, ok := x.Lookup(o.Type, o.Value)
		if !ok {
			continue
		}
		hits[ioc.Key()] = core.IOCMatch{
			Type:       ioc.Type,
			Value:      ioc.Value,
			Sources:    ioc.Sources,
			Confidence: ioc.Confidence,
		}
	}
	out := make([]core.IOCMatch, 0, len(hits))
	for _, m := range hits {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Size returns the total number of indexed IOCs.
func (x *Index) Size() int {
	total := 0
	for _, sh := range x.shards {
		sh.mu.RLock()
		total += len(sh.iocs)
		sh.mu.RUnlock()
	}
	return total
}

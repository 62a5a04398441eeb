package intel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/core"
)

func testIndex() *Index {
	return NewIndex(8, nil, zerolog.Nop())
}

func TestIndex_Ingest_NewIOC(t *testing.T) {
	x := testIndex()
	changed, err := x.Ingest(FeedRecord{
		Type: core.IndicatorDomain, Value: "Evil.Example.", Source: "urlhaus", Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !changed {
		t.Error("new IOC should report changed")
	}
	ioc, ok := x.Lookup(core.IndicatorDomain, "evil.example")
	if !ok {
		t.Fatal("normalized lookup should find the IOC")
	}
	if ioc.Value != "evil.example" {
		t.Errorf("value not normalized: %q", ioc.Value)
	}
}

func TestIndex_Merge_ConfidenceMonotone(t *testing.T) {
	x := testIndex()
	hash := "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"

	if _, err := x.Ingest(FeedRecord{Type: core.IndicatorHash, Value: hash, Source: "urlhaus", Confidence: 0.4}); err != nil {
		t.Fatal(err)
	}
	if _, err := x.Ingest(FeedRecord{Type: core.IndicatorHash, Value: hash, Source: "virustotal", Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}

	ioc, ok := x.Lookup(core.IndicatorHash, hash)
	if !ok {
		t.Fatal("merged IOC not found")
	}
	if ioc.Confidence != 0.9 {
		t.Errorf("confidence should be the maximum across sources, got %.2f", ioc.Confidence)
	}
	if len(ioc.Sources) != 2 {
		t.Fatalf("provenance should accumulate both sources, got %v", ioc.Sources)
	}

	// A weaker report later must never lower confidence.
	if _, err := x.Ingest(FeedRecord{Type: core.IndicatorHash, Value: hash, Source: "urlhaus", Confidence: 0.2}); err != nil {
		t.Fatal(err)
	}
	ioc, _ = x.Lookup(core.IndicatorHash, hash)
	if ioc.Confidence != 0.9 {
		t.Errorf("confidence must be monotone, got %.2f", ioc.Confidence)
	}
}

func TestIndex_Merge_LastSeenAdvances(t *testing.T) {
	x := testIndex()
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	x.Ingest(FeedRecord{Type: core.IndicatorIP, Value: "10.1.2.3", Source: "a", Confidence: 0.5, Seen: late})
	x.Ingest(FeedRecord{Type: core.IndicatorIP, Value: "10.1.2.3", Source: "b", Confidence: 0.5, Seen: early})

	ioc, _ := x.Lookup(core.IndicatorIP, "10.1.2.3")
	if !ioc.LastSeen.Equal(late) {
		t.Errorf("LastSeen should keep the latest sighting, got %v", ioc.LastSeen)
	}
	if !ioc.FirstSeen.Equal(early) {
		t.Errorf("FirstSeen should keep the earliest sighting, got %v", ioc.FirstSeen)
	}
}

func TestIndex_Correlate(t *testing.T) {
	x := testIndex()
	x.Ingest(FeedRecord{Type: core.IndicatorDomain, Value: "c2.example", Source: "urlhaus", Confidence: 0.8})
	x.Ingest(FeedRecord{Type: core.IndicatorIP, Value: "203.0.113.7", Source: "abuse", Confidence: 0.6})

	obs := []core.Observation{
		{Type: core.IndicatorDomain, Value: "C2.EXAMPLE"},  // normalizes to a hit
		{Type: core.IndicatorDomain, Value: "benign.test"}, // miss
		{Type: core.IndicatorIP, Value: "203.0.113.7"},     // hit
		{Type: core.IndicatorIP, Value: "203.0.113.7"},     // duplicate observation
	}
	matches := x.Correlate(obs)
	if len(matches) != 2 {
		t.Fatalf("expected 2 distinct matches, got %d: %+v", len(matches), matches)
	}
	// Sorted by type then value: domain before ip.
	if matches[0].Type != core.IndicatorDomain || matches[0].Value != "c2.example" {
		t.Errorf("unexpected first match: %+v", matches[0])
	}
	if matches[1].Confidence != 0.6 {
		t.Errorf("match should carry index confidence, got %.2f", matches[1].Confidence)
	}
}

func TestIndex_Ingest_InvalidIndicator(t *testing.T) {
	x := testIndex()
	if _, err := x.Ingest(FeedRecord{Type: core.IndicatorIP, Value: "not-an-ip", Source: "a", Confidence: 0.5}); err == nil {
		t.Error("unparseable indicator should be rejected")
	}
	if x.Size() != 0 {
		t.Errorf("rejected record must not be indexed, size %d", x.Size())
	}
}

type memPersister struct {
	data map[string][]byte
}

func (p *memPersister) PutIOC(key string, data []byte) error {
	if p.data == nil {
		p.data = make(map[string][]byte)
	}
	p.data[key] = append([]byte(nil), data...)
	return nil
}

func (p *memPersister) ForEachIOC(fn func(key string, data []byte) error) error {
	for k, v := range p.data {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// logPersister records every PutIOC in arrival order.
type logPersister struct {
	mu  sync.Mutex
	log [][]byte
}

func (p *logPersister) PutIOC(key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, append([]byte(nil), data...))
	return nil
}

func (p *logPersister) ForEachIOC(fn func(key string, data []byte) error) error {
	return nil
}

func TestIndex_ConcurrentIngest_PersistsMonotoneSnapshots(t *testing.T) {
	p := &logPersister{}
	x := NewIndex(4, p, zerolog.Nop())

	// Many goroutines merging the same key: the durable snapshots must
	// reflect the merge order, never a stale lower-confidence state after a
	// higher one.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 20; i++ {
				_, err := x.Ingest(FeedRecord{
					Type:       core.IndicatorDomain,
					Value:      "contended.example",
					Source:     fmt.Sprintf("feed-%d-%d", g, i),
					Confidence: float64(g*20+i) / 160.0,
				})
				if err != nil {
					t.Errorf("Ingest: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.log) == 0 {
		t.Fatal("no snapshots persisted")
	}
	prev := -1.0
	for i, data := range p.log {
		ioc, err := unmarshalIOC(data)
		if err != nil {
			t.Fatalf("snapshot %d corrupt: %v", i, err)
		}
		if ioc.Confidence < prev {
			t.Fatalf("snapshot %d regressed confidence: %.4f after %.4f", i, ioc.Confidence, prev)
		}
		prev = ioc.Confidence
	}
	if prev != 1.0 {
		t.Errorf("final snapshot should carry the maximum confidence, got %.4f", prev)
	}
}

func TestIndex_Warm_RestoresPersisted(t *testing.T) {
	p := &memPersister{}
	x := NewIndex(4, p, zerolog.Nop())
	x.Ingest(FeedRecord{Type: core.IndicatorDomain, Value: "persisted.example", Source: "feed", Confidence: 0.7})

	fresh := NewIndex(4, p, zerolog.Nop())
	if err := fresh.Warm(); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	ioc, ok := fresh.Lookup(core.IndicatorDomain, "persisted.example")
	if !ok {
		t.Fatal("warmed index should contain the persisted IOC")
	}
	if ioc.Confidence != 0.7 {
		t.Errorf("restored confidence wrong: %.2f", ioc.Confidence)
	}
}

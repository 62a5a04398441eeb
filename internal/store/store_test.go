package store

import (
	"path/filepath"
	"testing"

	"github.com/malwatch-project/malwatch/internal/core"
)

func TestFingerprint_StableAndDistinct(t *testing.T) {
	a := Fingerprint([]byte("sample content"))
	b := Fingerprint([]byte("sample content"))
	c := Fingerprint([]byte("other content"))
	if a != b {
		t.Error("fingerprint must be deterministic")
	}
	if a == c {
		t.Error("distinct content must not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %d chars", len(a))
	}
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	m := NewMemoryStore()
	s := core.NewSample("tenant-a", "fp-1", "", 10)
	if err := m.PutSample(s); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := m.GetSample("tenant-b", s.ID); ok {
		t.Error("sample visible across tenants")
	}
	if _, ok, _ := m.GetByFingerprint("tenant-b", "fp-1"); ok {
		t.Error("fingerprint index visible across tenants")
	}
	got, ok, err := m.GetSample("tenant-a", s.ID)
	if err != nil || !ok {
		t.Fatalf("owner lookup failed: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != "fp-1" {
		t.Errorf("wrong sample: %+v", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	m := NewMemoryStore()
	s := core.NewSample("t", "fp", "", 1)
	m.PutSample(s)

	got, _, _ := m.GetSample("t", s.ID)
	got.State = core.StateFailed

	again, _, _ := m.GetSample("t", s.ID)
	if again.State == core.StateFailed {
		t.Error("mutating a returned sample must not affect the store")
	}
}

func TestMemoryStore_FingerprintPointsToLatest(t *testing.T) {
	m := NewMemoryStore()
	first := core.NewSample("t", "fp", "", 1)
	m.PutSample(first)
	second := core.NewSample("t", "fp", "", 1)
	m.PutSample(second)

	got, ok, _ := m.GetByFingerprint("t", "fp")
	if !ok || got.ID != second.ID {
		t.Errorf("dedup key should resolve to the most recent sample, got %+v", got)
	}
}

func TestBoltStore_SampleRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "malwatch.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer b.Close()

	s := core.NewSample("tenant-a", "fp-1", "pe", 42)
	s.State = core.StateFinalized
	s.Verdict = core.VerdictMalicious
	s.Score = 0.91
	s.MatchedRules = []string{"rule-1"}
	if err := b.PutSample(s); err != nil {
		t.Fatalf("PutSample: %v", err)
	}

	got, ok, err := b.GetSample("tenant-a", s.ID)
	if err != nil || !ok {
		t.Fatalf("GetSample: ok=%v err=%v", ok, err)
	}
	if got.Verdict != core.VerdictMalicious || got.Score != 0.91 {
		t.Errorf("roundtrip lost fields: %+v", got)
	}

	byFP, ok, err := b.GetByFingerprint("tenant-a", "fp-1")
	if err != nil || !ok {
		t.Fatalf("GetByFingerprint: ok=%v err=%v", ok, err)
	}
	if byFP.ID != s.ID {
		t.Errorf("fingerprint index resolved wrong sample: %s", byFP.ID)
	}

	if _, ok, _ := b.GetByFingerprint("tenant-b", "fp-1"); ok {
		t.Error("fingerprint index visible across tenants")
	}
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "malwatch.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	s := core.NewSample("t", "fp", "", 7)
	if err := b.PutSample(s); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	got, ok, err := b2.GetSample("t", s.ID)
	if err != nil || !ok {
		t.Fatalf("sample lost across reopen: ok=%v err=%v", ok, err)
	}
	if got.Fingerprint != "fp" {
		t.Errorf("wrong sample after reopen: %+v", got)
	}
}

func TestBoltStore_IOCRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "malwatch.db")
	b, err := OpenBolt(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.PutIOC("domain\x00evil.example", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutIOC: %v", err)
	}
	if err := b.PutIOC("ip\x0010.0.0.1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("PutIOC: %v", err)
	}

	seen := make(map[string]string)
	err = b.ForEachIOC(func(key string, data []byte) error {
		seen[key] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachIOC: %v", err)
	}
	if len(seen) != 2 || seen["domain\x00evil.example"] != `{"v":1}` {
		t.Errorf("unexpected IOC records: %v", seen)
	}
}

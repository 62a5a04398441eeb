package intel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

func TestParseURLhausCSV_SkipsCommentsAndBlank(t *testing.T) {
	input := `# URLhaus export
# id,dateadded,url,url_status,...

"3477580","2026-08-30 11:27:04","http://evil.example/payload.bin","online","","exe","","https://urlhaus.abuse.ch/url/3477580/","reporter"
"3477581","not-a-date","https://bad.example/x","online","","","","",""
`
	recs, err := parseURLhausCSV(strings.NewReader(input), config.FeedConfig{Name: "urlhaus", Confidence: 0.6})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Type != core.IndicatorURL || recs[0].Value != "http://evil.example/payload.bin" {
		t.Errorf("unexpected first record: %+v", recs[0])
	}
	want := time.Date(2026, 8, 30, 11, 27, 4, 0, time.UTC)
	if !recs[0].Seen.Equal(want) {
		t.Errorf("dateadded should populate Seen, got %v", recs[0].Seen)
	}
	if recs[0].Confidence != 0.6 {
		t.Errorf("confidence should come from feed config, got %.2f", recs[0].Confidence)
	}
	// Bad timestamp degrades to zero Seen, record still kept.
	if !recs[1].Seen.IsZero() {
		t.Errorf("unparseable dateadded should leave Seen zero, got %v", recs[1].Seen)
	}
}

func TestLineParser_ConfidenceOverride(t *testing.T) {
	input := "# hash feed\nDEADBEEF\ncafebabe 0.95\nfeedface 7.0\n"
	parse := lineParser(core.IndicatorHash)
	recs, err := parse(strings.NewReader(input), config.FeedConfig{Name: "hashes", Confidence: 0.5})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Confidence != 0.5 {
		t.Errorf("default confidence wrong: %.2f", recs[0].Confidence)
	}
	if recs[1].Confidence != 0.95 {
		t.Errorf("per-line override ignored: %.2f", recs[1].Confidence)
	}
	// Out-of-range override falls back to the feed default.
	if recs[2].Confidence != 0.5 {
		t.Errorf("out-of-range override should be ignored: %.2f", recs[2].Confidence)
	}
}

func TestSplitQuotedCSV(t *testing.T) {
	fields := splitQuotedCSV(`"1","2026-01-01 00:00:00","http://a.example/x,y","online"`)
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d: %v", len(fields), fields)
	}
	if fields[2] != "http://a.example/x,y" {
		t.Errorf("quoted comma should not split, got %q", fields[2])
	}
}

func TestNewFeedSource_UnknownType(t *testing.T) {
	if _, err := NewFeedSource(config.FeedConfig{Name: "x", Type: "rss"}); err == nil {
		t.Error("expected error for unknown feed type")
	}
}

func TestFileSource_Fetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	if err := os.WriteFile(path, []byte("evil.example\nc2.example 0.9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := NewFeedSource(config.FeedConfig{Name: "domains", Type: "domain_list", Path: path, Confidence: 0.4})
	if err != nil {
		t.Fatalf("NewFeedSource: %v", err)
	}
	recs, err := src.Fetch()
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].Value != "c2.example" || recs[1].Confidence != 0.9 {
		t.Errorf("unexpected record: %+v", recs[1])
	}
	if src.Name() != "domains" {
		t.Errorf("Name: %q", src.Name())
	}
}

func TestFileSource_Fetch_MissingFile(t *testing.T) {
	src, err := NewFeedSource(config.FeedConfig{Name: "gone", Type: "ip_list", Path: "/nonexistent/feed.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Fetch(); err == nil {
		t.Error("expected error for missing feed file")
	}
}

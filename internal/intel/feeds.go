package intel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

// FeedSource yields the raw records of one configured intelligence feed.
type FeedSource interface {
	Name() string
	Fetch() ([]FeedRecord, error)
}

// NewFeedSource builds a source from configuration. Supported feed types:
//
//	urlhaus_csv: URLhaus-style CSV export (url column plus metadata)
//	hash_list:   one hash per line
//	domain_list: one domain per line
//	ip_list:     one address per line
//	phone_list:  one phone number per line
func NewFeedSource(cfg config.FeedConfig) (FeedSource, error) {
	parser, err := parserFor(cfg)
	if err != nil {
		return nil, err
	}
	return &fileSource{cfg: cfg, parse: parser}, nil
}

type parseFunc func(r io.Reader, cfg config.FeedConfig) ([]FeedRecord, error)

func parserFor(cfg config.FeedConfig) (parseFunc, error) {
	switch cfg.Type {
	case "urlhaus_csv":
		return parseURLhausCSV, nil
	case "hash_list":
		return lineParser(core.IndicatorHash), nil
	case "domain_list":
		return lineParser(core.IndicatorDomain), nil
	case "ip_list":
		return lineParser(core.IndicatorIP), nil
	case "phone_list":
		return lineParser(core.IndicatorPhone), nil
	default:
		return nil, fmt.Errorf("unknown feed type %q for feed %q", cfg.Type, cfg.Name)
	}
}

// fileSource reads a feed snapshot from the local filesystem. Feeds are
// mirrored to disk by the ingest tier; this process never fetches over the
// network itself.
type fileSource struct {
	cfg   config.FeedConfig
	parse parseFunc
}

func (f *fileSource) Name() string { return f.cfg.Name }

func (f *fileSource) Fetch() ([]FeedRecord, error) {
	file, err := os.Open(f.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening feed %q: %w", f.cfg.Name, err)
	}
	defer file.Close()
	recs, err := f.parse(file, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %q: %w", f.cfg.Name, err)
	}
	return recs, nil
}

// parseURLhausCSV handles the URLhaus CSV export format. Lines starting
// with '#' are comments; fields are quoted and comma separated:
// id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
func parseURLhausCSV(r io.Reader, cfg config.FeedConfig) ([]FeedRecord, error) {
	var recs []FeedRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := splitQuotedCSV(line)
		if len(fields) < 3 || fields[2] == "" {
			continue
		}
		seen := time.Time{}
		if t, err := time.Parse("2006-01-02 15:04:05", fields[1]); err == nil {
			seen = t.UTC()
		}
		recs = append(recs, FeedRecord{
			Type:       core.IndicatorURL,
			Value:      fields[2],
			Source:     cfg.Name,
			Confidence: cfg.Confidence,
			Seen:       seen,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// lineParser parses a one-indicator-per-line feed. An optional second
// whitespace-separated column overrides the configured confidence.
func lineParser(t core.IndicatorType) parseFunc {
	return func(r io.Reader, cfg config.FeedConfig) ([]FeedRecord, error) {
		var recs []FeedRecord
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			conf := cfg.Confidence
			if len(fields) > 1 {
				if v, err := strconv.ParseFloat(fields[1], 64); err == nil && v >= 0 && v <= 1 {
					conf = v
				}
			}
			recs = append(recs, FeedRecord{
				Type:       t,
				Value:      fields[0],
				Source:     cfg.Name,
				Confidence: conf,
			})
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return recs, nil
	}
}

// splitQuotedCSV splits a single CSV line where each field may be wrapped
// in double quotes. URLhaus exports never embed commas inside fields other
// than quoted ones, so a small state machine suffices.
func splitQuotedCSV(line string) []string {
	var fields []string
	var b strings.Builder
	inQuote := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ',' && !inQuote:
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	fields = append(fields, b.String())
	return fields
}

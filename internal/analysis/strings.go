package analysis

import (
	"regexp"
	"sort"

	"github.com/malwatch-project/malwatch/internal/core"
)

// Indicator extraction patterns, applied to the printable projection of the
// sample content. Domains are matched last so URL hosts are not double
// reported with a different type.
var (
	reURL    = regexp.MustCompile(`https?://[A-Za-z0-9._~:/?#\[\]@!$&'()*+,;=%-]+`)
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reDomain = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,24}\b`)
	rePhone  = regexp.MustCompile(`\+[0-9][0-9 ().-]{6,18}[0-9]`)
	reSHA256 = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
)

// ExtractIndicators pulls candidate observables out of raw sample content.
// Results are deduplicated and sorted so extraction is deterministic.
func ExtractIndicators(data []byte, stage core.StageKind) []core.Observation {
	text := printable(data)

	seen := make(map[string]struct{})
	var out []core.Observation
	add := func(t core.IndicatorType, v string) {
		key := string(t) + "\x00" + v
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, core.Observation{Type: t, Value: v, Stage: stage})
	}

	urlHosts := make(map[string]struct{})
	for _, m := range reURL.FindAllString(text, -1) {
		add(core.IndicatorURL, m)
		if h := hostOf(m); h != "" {
			urlHosts[h] = struct{}{}
		}
	}
	for _, m := range reIPv4.FindAllString(text, -1) {
		add(core.IndicatorIP, m)
	}
	for _, m := range reSHA256.FindAllString(text, -1) {
		add(core.IndicatorHash, m)
	}
	for _, m := range rePhone.FindAllString(text, -1) {
		add(core.IndicatorPhone, m)
	}
	for _, m := range reDomain.FindAllString(text, -1) {
		if _, ok := urlHosts[m]; ok {
			continue
		}
		if reIPv4.MatchString(m) {
			continue
		}
		add(core.IndicatorDomain, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// printable projects raw bytes onto an ASCII string, replacing everything
// non-printable with spaces so regexes cannot match across binary gaps.
func printable(data []byte) string {
	buf := make([]byte, len(data))
	for i, b := range data {
		if b >= 0x20 && b < 0x7f {
			buf[i] = b
		} else {
			buf[i] = ' '
		}
	}
	return string(buf)
}

// hostOf extracts the host part of a matched URL string without a full
// parse; good enough for suppressing duplicate domain observations.
func hostOf(rawURL string) string {
	s := rawURL
	if i := indexAfterScheme(s); i > 0 {
		s = s[i:]
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '/', ':', '?', '#':
			return s[:i]
		}
	}
	return s
}

func indexAfterScheme(s string) int {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return i + 3
		}
	}
	return 0
}

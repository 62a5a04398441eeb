package intel

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/malwatch-project/malwatch/internal/core"
)

var errEmptyIndicator = errors.New("empty indicator value")

// Normalize canonicalizes an indicator value so that equivalent spellings
// land on the same index key:
//
//	hash:   lowercase hex
//	domain: lowercase, trailing dot stripped, unicode labels to punycode
//	url:    scheme and host lowered, default ports dropped, fragment removed
//	ip:     parsed and reserialized (collapses IPv6 forms, strips zeros)
//	phone:  digits only, leading country "+" preserved
func Normalize(t core.IndicatorType, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errEmptyIndicator
	}
	switch t {
	case core.IndicatorHash:
		return strings.ToLower(value), nil
	case core.IndicatorDomain:
		return normalizeDomain(value)
	case core.IndicatorURL:
		return normalizeURL(value)
	case core.IndicatorIP:
		ip := net.ParseIP(value)
		if ip == nil {
			return "", errors.New("unparseable ip address")
		}
		return ip.String(), nil
	case core.IndicatorPhone:
		return normalizePhone(value)
	default:
		return value, nil
	}
}

func normalizeDomain(value string) (string, error) {
	value = strings.ToLower(strings.TrimSuffix(value, "."))
	ascii, err := idna.Lookup.ToASCII(value)
	if err != nil {
		// Keep the lowered form for indicators that are not valid IDNA
		// labels but still worth indexing, e.g. wildcard entries.
		return value, nil
	}
	return ascii, nil
}

func normalizeURL(value string) (string, error) {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("unparseable url")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	port := u.Port()
	if port != "" && !defaultPort(u.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	u.Fragment = ""
	return u.String(), nil
}

func defaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	case "ftp":
		return port == "21"
	}
	return false
}

func normalizePhone(value string) (string, error) {
	var b strings.Builder
	for i, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 || b.String() == "+" {
		return "", errors.New("no digits in phone indicator")
	}
	return b.String(), nil
}

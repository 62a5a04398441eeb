package intel

import (
	"testing"

	"github.com/malwatch-project/malwatch/internal/core"
)

func TestNormalize_Hash_Lowercased(t *testing.T) {
	got, err := Normalize(core.IndicatorHash, "  DEADBEEF00 ")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "deadbeef00" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_Domain_CaseAndTrailingDot(t *testing.T) {
	got, err := Normalize(core.IndicatorDomain, "Evil.Example.")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "evil.example" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_Domain_Punycode(t *testing.T) {
	got, err := Normalize(core.IndicatorDomain, "bücher.example")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "xn--bcher-kva.example" {
		t.Errorf("unicode label should convert to punycode, got %q", got)
	}
}

func TestNormalize_URL_DefaultPortAndFragment(t *testing.T) {
	got, err := Normalize(core.IndicatorURL, "HTTP://Evil.Example:80/payload.bin#frag")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "http://evil.example/payload.bin" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_URL_NonDefaultPortKept(t *testing.T) {
	got, err := Normalize(core.IndicatorURL, "https://evil.example:8443/x")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "https://evil.example:8443/x" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_URL_Unparseable(t *testing.T) {
	if _, err := Normalize(core.IndicatorURL, "not a url"); err == nil {
		t.Error("expected error for schemeless value")
	}
}

func TestNormalize_IP_CanonicalForm(t *testing.T) {
	got, err := Normalize(core.IndicatorIP, "2001:0db8:0000:0000:0000:0000:0000:0001")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "2001:db8::1" {
		t.Errorf("IPv6 should collapse, got %q", got)
	}
	if _, err := Normalize(core.IndicatorIP, "999.1.1.1"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestNormalize_Phone_DigitsOnly(t *testing.T) {
	got, err := Normalize(core.IndicatorPhone, "+1 (555) 123-4567")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "+15551234567" {
		t.Errorf("got %q", got)
	}
	if _, err := Normalize(core.IndicatorPhone, "ext."); err == nil {
		t.Error("expected error for digitless value")
	}
}

func TestNormalize_Empty(t *testing.T) {
	if _, err := Normalize(core.IndicatorHash, "   "); err == nil {
		t.Error("expected error for blank value")
	}
}

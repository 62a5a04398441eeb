package pipeline

import (
	"math"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

// scoreSample computes the weighted verdict score for a sample. The
// signature component is the strongest matched rule's severity weight, the
// intel component is the strongest correlated IOC's confidence. A packed
// (high-entropy) sample floors the signature component at the configured
// packed signal. Every failed stage degrades the score by the configured
// penalty multiplier, so a partial analysis can still convict but with
// reduced confidence.
func scoreSample(cfg config.ScoringConfig, rules []core.RuleMatch, iocs []core.IOCMatch, failedStages int, packed bool) float64 {
	var sig float64
	for _, r := range rules {
		if w := r.Severity.Weight(); w > sig {
			sig = w
		}
	}
	if packed && cfg.PackedSignal > sig {
		sig = cfg.PackedSignal
	}
	var intel float64
	for _, m := range iocs {
		if m.Confidence > intel {
			intel = m.Confidence
		}
	}

	score := cfg.SignatureWeight*sig + cfg.IOCWeight*intel
	if failedStages > 0 {
		score *= math.Pow(cfg.FailurePenalty, float64(failedStages))
	}
	if score > 1 {
		score = 1
	}
	return score
}

// verdictFor maps a score onto the configured thresholds.
func verdictFor(cfg config.ScoringConfig, score float64) core.Verdict {
	switch {
	case score >= cfg.MaliciousThreshold:
		return core.VerdictMalicious
	case score >= cfg.SuspiciousThreshold:
		return core.VerdictSuspicious
	default:
		return core.VerdictBenign
	}
}

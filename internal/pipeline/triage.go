package pipeline

import (
	"github.com/malwatch-project/malwatch/internal/analysis"
	"github.com/malwatch-project/malwatch/internal/core"
)

// TriagePlan is the deterministic outcome of the triage stage: the detected
// format and the analysis stages the sample will run. Identical inputs
// always yield the identical plan.
type TriagePlan struct {
	Format        string
	WantStatic    bool
	WantDynamic   bool
	SkippedReason string
}

// planStages decides which analysis stages apply. Static always runs.
// Dynamic runs only for formats with an executable surface, and only when
// tenant policy allows detonation.
func planStages(content []byte, tenant core.TenantContext) TriagePlan {
	plan := TriagePlan{
		Format:     analysis.DetectFormat(content),
		WantStatic: true,
	}
	if !analysis.HasExecutableSurface(plan.Format) {
		plan.SkippedReason = "no executable surface in format " + plan.Format
		return plan
	}
	if !tenant.AllowDynamic {
		plan.SkippedReason = "tenant policy disallows detonation"
		return plan
	}
	plan.WantDynamic = true
	return plan
}

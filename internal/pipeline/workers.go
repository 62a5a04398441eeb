package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/malwatch-project/malwatch/internal/analysis"
	"github.com/malwatch-project/malwatch/internal/core"
	"github.com/malwatch-project/malwatch/internal/queue"
	"github.com/malwatch-project/malwatch/internal/sandbox"
)

// requeueDelay spaces out re-lease attempts for detonations deferred on
// quota contention.
const requeueDelay = 2 * time.Second

func (o *Orchestrator) startWorkers(ctx context.Context) {
	for _, kind := range core.Stages {
		workers := o.cfg.Queue.Stage(kind).Workers
		if workers < 1 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			workerID := fmt.Sprintf("%s-%d", kind, i)
			o.wg.Add(1)
			go o.workerLoop(ctx, kind, workerID)
		}
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, kind core.StageKind, workerID string) {
	defer o.wg.Done()
	logger := o.logger.With().Str("worker", workerID).Logger()
	for {
		unit, err := o.queue.Lease(ctx, kind, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, queue.ErrEmpty) {
				logger.Error().Err(err).Msg("lease failed")
			}
			continue
		}

		exec, ok := o.exec(unit.SampleID)
		if !ok {
			// Sample was canceled or failed while the unit waited.
			_ = o.queue.Complete(unit.ID)
			continue
		}

		switch kind {
		case core.StageTriage:
			o.runTriage(ctx, unit, exec)
		case core.StageStatic:
			o.runStatic(ctx, unit, exec)
		case core.StageDynamic:
			o.runDynamic(ctx, unit, exec)
		case core.StageReporting:
			o.runReporting(ctx, unit, exec)
		}
	}
}

// runTriage detects the sample format, records the stage plan, and enqueues
// the applicable analysis stages. Static and Dynamic run concurrently
// unless sandbox.sequential is set.
func (o *Orchestrator) runTriage(ctx context.Context, unit *core.AnalysisUnit, exec *execution) {
	exec.mu.Lock()
	plan := planStages(exec.content, exec.tenant)
	exec.plan = plan
	exec.outcomes[core.StageTriage] = outcomeOK
	s := exec.sample
	s.DetectedFormat = plan.Format
	s.State = core.StateAnalyzing
	if !plan.WantDynamic {
		exec.notes = append(exec.notes, core.StageNote{
			Stage: core.StageDynamic.String(), Outcome: outcomeSkipped, Detail: plan.SkippedReason,
		})
	}
	tenant := exec.tenant
	exec.mu.Unlock()

	if err := o.store.PutSample(s); err != nil {
		o.logger.Error().Err(err).Str("sample_id", s.ID).Msg("persisting triaged sample")
	}

	if err := o.queue.Enqueue(core.NewAnalysisUnit(s.ID, tenant, core.StageStatic, tenant.Priority)); err != nil {
		_ = o.queue.Fail(unit.ID, fmt.Sprintf("enqueueing static: %v", err))
		return
	}
	if plan.WantDynamic && !o.cfg.Sandbox.Sequential {
		if err := o.enqueueDynamic(exec); err != nil {
			o.logger.Warn().Err(err).Str("sample_id", s.ID).Msg("dynamic enqueue failed at triage")
		}
	}

	_ = o.queue.Complete(unit.ID)
	o.logger.Debug().
		Str("sample_id", s.ID).
		Str("format", plan.Format).
		Bool("dynamic", plan.WantDynamic).
		Msg("sample triaged")
}

// enqueueDynamic queues the detonation stage, downgrading to a failed
// outcome when the dynamic queue rejects the unit.
func (o *Orchestrator) enqueueDynamic(exec *execution) error {
	exec.mu.Lock()
	tenant := exec.tenant
	sampleID := exec.sample.ID
	exec.mu.Unlock()

	err := o.queue.Enqueue(core.NewAnalysisUnit(sampleID, tenant, core.StageDynamic, tenant.Priority))
	if err != nil {
		exec.mu.Lock()
		exec.outcomes[core.StageDynamic] = outcomeFailed
		exec.notes = append(exec.notes, core.StageNote{
			Stage: core.StageDynamic.String(), Outcome: outcomeFailed,
			Detail: fmt.Sprintf("enqueue rejected: %v", err),
		})
		exec.mu.Unlock()
		o.maybeCorrelate(exec)
	}
	return err
}

// runStatic evaluates the compiled signature set over the sample bytes and
// extracts embedded indicators.
func (o *Orchestrator) runStatic(ctx context.Context, unit *core.AnalysisUnit, exec *execution) {
	exec.mu.Lock()
	content := exec.content
	exec.mu.Unlock()

	matched, err := o.rules.Evaluate(ctx, content, o.cfg.Rules.CancelEvery)
	if err != nil {
		_ = o.queue.Fail(unit.ID, fmt.Sprintf("rule evaluation: %v", err))
		return
	}

	compiled := o.rules.Current()
	var ruleMatches []core.RuleMatch
	for _, id := range matched {
		meta, ok := compiled.Meta(id)
		if !ok {
			continue
		}
		ruleMatches = append(ruleMatches, core.RuleMatch{
			RuleID: meta.ID, Severity: meta.Severity, Tags: meta.Tags,
		})
	}

	obs := analysis.ExtractIndicators(content, core.StageStatic)
	packed := analysis.LikelyPacked(content)

	detail := fmt.Sprintf("%d rules, %d indicators", len(ruleMatches), len(obs))
	if packed {
		detail += ", high entropy (likely packed)"
	}

	exec.mu.Lock()
	exec.ruleMatches = append(exec.ruleMatches, ruleMatches...)
	exec.observations = append(exec.observations, obs...)
	exec.packed = packed
	exec.outcomes[core.StageStatic] = outcomeOK
	exec.notes = append(exec.notes, core.StageNote{
		Stage: core.StageStatic.String(), Outcome: outcomeOK, Detail: detail,
	})
	wantSequentialDynamic := exec.plan.WantDynamic && o.cfg.Sandbox.Sequential &&
		exec.outcomes[core.StageDynamic] == ""
	exec.mu.Unlock()

	_ = o.queue.Complete(unit.ID)

	if wantSequentialDynamic {
		_ = o.enqueueDynamic(exec)
	}
	o.maybeCorrelate(exec)
}

// runDynamic detonates the sample. Quota contention requeues the unit
// without consuming an attempt; real failures burn one.
func (o *Orchestrator) runDynamic(ctx context.Context, unit *core.AnalysisUnit, exec *execution) {
	exec.mu.Lock()
	content := exec.content
	tenant := exec.tenant
	exec.mu.Unlock()

	sess, err := o.sandbox.Detonate(ctx, unit.SampleID, tenant, content)
	if errors.Is(err, sandbox.ErrQuotaExceeded) {
		if rqErr := o.queue.Requeue(unit.ID, requeueDelay); rqErr != nil {
			_ = o.queue.Fail(unit.ID, fmt.Sprintf("requeue after quota: %v", rqErr))
		}
		return
	}
	if err != nil {
		_ = o.queue.Fail(unit.ID, fmt.Sprintf("detonation: %v", err))
		return
	}

	exec.mu.Lock()
	exec.session = sess
	exec.mu.Unlock()

	awaitBudget := o.cfg.Sandbox.ProvisionTimeout + o.cfg.Sandbox.ExecutionWindow +
		o.cfg.Sandbox.ProvisionTimeout
	artifacts, err := o.sandbox.Await(sess, awaitBudget)

	exec.mu.Lock()
	exec.session = nil
	exec.mu.Unlock()

	switch {
	case err == nil:
		o.recordDynamic(exec, artifacts, outcomeOK, "detonation completed")
		_ = o.queue.Complete(unit.ID)
	case errors.Is(err, sandbox.ErrSessionTimedOut):
		// Window expiry still yields partial artifacts worth correlating.
		o.recordDynamic(exec, artifacts, outcomePartial, "execution window expired, partial artifacts")
		_ = o.queue.Complete(unit.ID)
	default:
		_ = o.queue.Fail(unit.ID, err.Error())
		return
	}

	o.maybeCorrelate(exec)
}

// recordDynamic folds detonation artifacts into the execution's
// observations.
func (o *Orchestrator) recordDynamic(exec *execution, artifacts *sandbox.Artifacts, outcome, detail string) {
	var obs []core.Observation
	if artifacts != nil {
		for _, d := range artifacts.ContactedDomains {
			obs = append(obs, core.Observation{Type: core.IndicatorDomain, Value: d, Stage: core.StageDynamic})
		}
		for _, ip := range artifacts.ContactedIPs {
			obs = append(obs, core.Observation{Type: core.IndicatorIP, Value: ip, Stage: core.StageDynamic})
		}
		for _, u := range artifacts.ContactedURLs {
			obs = append(obs, core.Observation{Type: core.IndicatorURL, Value: u, Stage: core.StageDynamic})
		}
		for _, h := range artifacts.DroppedFileHashes {
			obs = append(obs, core.Observation{Type: core.IndicatorHash, Value: h, Stage: core.StageDynamic})
		}
	}

	exec.mu.Lock()
	exec.observations = append(exec.observations, obs...)
	exec.outcomes[core.StageDynamic] = outcome
	exec.notes = append(exec.notes, core.StageNote{
		Stage: core.StageDynamic.String(), Outcome: outcome, Detail: detail,
	})
	exec.mu.Unlock()
}

// runReporting publishes the finished report and finalizes the sample.
func (o *Orchestrator) runReporting(ctx context.Context, unit *core.AnalysisUnit, exec *execution) {
	exec.mu.Lock()
	s := exec.sample
	report := core.NewReport(s)
	report.Rules = append([]core.RuleMatch(nil), exec.ruleMatches...)
	report.IOCs = append([]core.IOCMatch(nil), exec.iocMatches...)
	exec.mu.Unlock()

	if o.reporter != nil {
		if err := o.reporter.PublishReport(report); err != nil {
			_ = o.queue.Fail(unit.ID, fmt.Sprintf("publishing report: %v", err))
			return
		}
	}

	exec.mu.Lock()
	s.State = core.StateFinalized
	s.FinalizedAt = time.Now().UTC()
	exec.mu.Unlock()

	if err := o.store.PutSample(s); err != nil {
		o.logger.Error().Err(err).Str("sample_id", s.ID).Msg("persisting finalized sample")
	}
	_ = o.queue.Complete(unit.ID)
	o.release(exec)

	o.logger.Info().
		Str("sample_id", s.ID).
		Str("tenant", s.TenantID).
		Str("verdict", s.Verdict.String()).
		Float64("score", s.Score).
		Msg("sample finalized")
}

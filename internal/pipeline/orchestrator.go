// Package pipeline coordinates the end-to-end analysis of submitted
// samples: triage, static signature matching, sandbox detonation,
// intelligence correlation and report publication, with per-stage worker
// pools draining the stage queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
	"github.com/malwatch-project/malwatch/internal/intel"
	"github.com/malwatch-project/malwatch/internal/queue"
	"github.com/malwatch-project/malwatch/internal/rules"
	"github.com/malwatch-project/malwatch/internal/sandbox"
	"github.com/malwatch-project/malwatch/internal/store"
)

var (
	// ErrUnknownSample is returned for lookups of samples this node has
	// never seen for the given tenant.
	ErrUnknownSample = errors.New("unknown sample")
	// ErrAlreadyFinalized is returned by Cancel for terminal samples.
	ErrAlreadyFinalized = errors.New("sample already finalized")
	// ErrAwaitTimeout is returned when Await's wait elapses first.
	ErrAwaitTimeout = errors.New("timed out waiting for verdict")
)

// Reporter publishes finished reports and audit events. Satisfied by
// bus.ReportBus; tests substitute an in-memory recorder.
type Reporter interface {
	PublishReport(*core.Report) error
	PublishAudit(*core.AuditEvent) error
}

// SubmitOptions modifies Submit behavior.
type SubmitOptions struct {
	// Force runs a full re-analysis even when a finalized verdict for the
	// same fingerprint is cached.
	Force bool
}

// stage outcomes recorded per execution.
const (
	outcomeOK      = "ok"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
	outcomePartial = "partial"
)

// execution is the in-flight analysis state for one sample. Sample content
// lives only here; the store keeps metadata.
type execution struct {
	mu           sync.Mutex
	sample       *core.Sample
	tenant       core.TenantContext
	content      []byte
	plan         TriagePlan
	outcomes     map[core.StageKind]string
	notes        []core.StageNote
	observations []core.Observation
	ruleMatches  []core.RuleMatch
	iocMatches   []core.IOCMatch
	packed       bool
	session      *sandbox.Session
	canceled     bool
	done         chan struct{}
}

// analysisDone reports whether every planned analysis stage has an outcome.
// Caller holds e.mu.
func (e *execution) analysisDone() bool {
	if e.outcomes[core.StageTriage] == "" {
		return false
	}
	if e.plan.WantStatic && e.outcomes[core.StageStatic] == "" {
		return false
	}
	if e.plan.WantDynamic && e.outcomes[core.StageDynamic] == "" {
		return false
	}
	return true
}

// failedStageCount counts failed analysis stages. Caller holds e.mu.
func (e *execution) failedStageCount() (failed, total int) {
	for _, k := range []core.StageKind{core.StageStatic, core.StageDynamic} {
		switch e.outcomes[k] {
		case outcomeFailed:
			failed++
			total++
		case outcomeOK, outcomePartial:
			total++
		}
	}
	return failed, total
}

// Orchestrator owns sample lifecycle from submission to published report.
type Orchestrator struct {
	logger   zerolog.Logger
	cfg      *config.Config
	store    store.SampleStore
	queue    *queue.Manager
	rules    *rules.Engine
	sandbox  *sandbox.Controller
	intel    *intel.Index
	reporter Reporter

	mu    sync.Mutex
	execs map[string]*execution // sample ID -> execution

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewOrchestrator wires the pipeline together. The queue's dead-letter
// handler is claimed by the orchestrator.
func NewOrchestrator(cfg *config.Config, st store.SampleStore, qm *queue.Manager,
	re *rules.Engine, sb *sandbox.Controller, ix *intel.Index, rep Reporter,
	logger zerolog.Logger) *Orchestrator {

	o := &Orchestrator{
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		cfg:      cfg,
		store:    st,
		queue:    qm,
		rules:    re,
		sandbox:  sb,
		intel:    ix,
		reporter: rep,
		execs:    make(map[string]*execution),
	}
	qm.SetDeadLetterHandler(o.onDeadLetter)
	return o
}

// Start launches the per-stage worker pools.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.startWorkers(ctx)
	o.logger.Info().Msg("pipeline workers started")
}

// Stop halts the worker pools. In-flight stage work finishes its current
// unit first.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit ingests a sample for the tenant. When an identical sample (by
// content fingerprint, scoped to the tenant) already holds a finalized
// verdict, the cached sample is returned without re-analysis unless
// opts.Force is set.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, content []byte, declaredFormat string, opts SubmitOptions) (*core.Sample, error) {
	if len(content) == 0 {
		return nil, errors.New("empty sample content")
	}
	tenant := o.cfg.Tenant(tenantID)
	fp := store.Fingerprint(content)

	if !opts.Force {
		cached, ok, err := o.store.GetByFingerprint(tenantID, fp)
		if err != nil {
			return nil, fmt.Errorf("fingerprint lookup: %w", err)
		}
		if ok && cached.State == core.StateFinalized {
			o.logger.Info().
				Str("sample_id", cached.ID).
				Str("tenant", tenantID).
				Str("verdict", cached.Verdict.String()).
				Msg("dedup hit, returning cached verdict")
			return cached, nil
		}
	}

	sample := core.NewSample(tenantID, fp, declaredFormat, int64(len(content)))
	if err := o.store.PutSample(sample); err != nil {
		return nil, fmt.Errorf("persisting sample: %w", err)
	}

	exec := &execution{
		sample:   sample,
		tenant:   tenant,
		content:  content,
		outcomes: make(map[core.StageKind]string),
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.execs[sample.ID] = exec
	o.mu.Unlock()

	unit := core.NewAnalysisUnit(sample.ID, tenant, core.StageTriage, tenant.Priority)
	if err := o.queue.Enqueue(unit); err != nil {
		o.mu.Lock()
		delete(o.execs, sample.ID)
		o.mu.Unlock()
		return nil, fmt.Errorf("enqueueing triage: %w", err)
	}

	o.logger.Info().
		Str("sample_id", sample.ID).
		Str("tenant", tenantID).
		Str("fingerprint", fp).
		Int64("size", sample.Size).
		Msg("sample submitted")
	return sample, nil
}

// GetVerdict returns the sample's current state and verdict.
func (o *Orchestrator) GetVerdict(tenantID, sampleID string) (*core.Sample, error) {
	s, ok, err := o.store.GetSample(tenantID, sampleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownSample
	}
	return s, nil
}

// Await blocks until the sample reaches a terminal state or the timeout
// elapses, then returns the stored sample.
func (o *Orchestrator) Await(tenantID, sampleID string, timeout time.Duration) (*core.Sample, error) {
	o.mu.Lock()
	exec, running := o.execs[sampleID]
	o.mu.Unlock()

	if running {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-exec.done:
		case <-timer.C:
			return nil, ErrAwaitTimeout
		}
	}
	return o.GetVerdict(tenantID, sampleID)
}

// Cancel stops all pending and in-flight work for the sample. Finalized
// samples cannot be canceled. Cancellation is recorded as an audit event.
func (o *Orchestrator) Cancel(tenantID, sampleID string) error {
	o.mu.Lock()
	exec, running := o.execs[sampleID]
	o.mu.Unlock()

	if !running {
		s, ok, err := o.store.GetSample(tenantID, sampleID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownSample
		}
		if s.State.Terminal() {
			return ErrAlreadyFinalized
		}
		return ErrUnknownSample
	}

	exec.mu.Lock()
	if exec.canceled {
		exec.mu.Unlock()
		return nil
	}
	exec.canceled = true
	session := exec.session
	exec.mu.Unlock()

	dropped := o.queue.CancelSample(sampleID)
	if session != nil {
		o.sandbox.Abort(session)
	}

	ev := core.NewAuditEvent(core.AuditCancellation, core.SeverityMedium,
		fmt.Sprintf("analysis of sample %s canceled, %d queued units dropped", sampleID, dropped))
	ev.TenantID = tenantID
	ev.SampleID = sampleID
	o.publishAudit(ev)

	o.failSample(exec, "canceled by operator")
	return nil
}

// onDeadLetter is invoked by the queue manager when a unit exhausts its
// attempts. Dead letters are audited and count as stage failures.
func (o *Orchestrator) onDeadLetter(unit *core.AnalysisUnit, reason string) {
	o.logger.Warn().
		Str("unit_id", unit.ID).
		Str("sample_id", unit.SampleID).
		Str("stage", unit.Stage.String()).
		Str("reason", reason).
		Msg("unit dead lettered")

	ev := core.NewAuditEvent(core.AuditDeadLetter, core.SeverityHigh,
		fmt.Sprintf("%s stage for sample %s dead lettered after %d attempts: %s",
			unit.Stage, unit.SampleID, unit.Attempt, reason))
	ev.TenantID = unit.Tenant.ID
	ev.SampleID = unit.SampleID
	o.publishAudit(ev)

	o.mu.Lock()
	exec, ok := o.execs[unit.SampleID]
	o.mu.Unlock()
	if !ok {
		return
	}

	switch unit.Stage {
	case core.StageTriage, core.StageReporting:
		// Without triage there is no plan, and without reporting there is
		// no deliverable. Either way the sample cannot proceed.
		o.failSample(exec, fmt.Sprintf("%s stage dead lettered: %s", unit.Stage, reason))
	default:
		exec.mu.Lock()
		exec.outcomes[unit.Stage] = outcomeFailed
		exec.notes = append(exec.notes, core.StageNote{
			Stage: unit.Stage.String(), Outcome: outcomeFailed, Detail: reason,
		})
		pendingDynamic := unit.Stage == core.StageStatic && o.cfg.Sandbox.Sequential &&
			exec.plan.WantDynamic && exec.outcomes[core.StageDynamic] == ""
		exec.mu.Unlock()
		if pendingDynamic {
			// Sequential mode queues Dynamic from the static success path; a
			// dead-lettered Static must still hand off so the sample can
			// reach a verdict.
			_ = o.enqueueDynamic(exec)
		}
		o.maybeCorrelate(exec)
	}
}

// maybeCorrelate finalizes the analysis phase once every planned stage has
// an outcome: correlate observations, score, and hand off to Reporting. If
// every analysis stage failed the sample goes terminal Failed instead.
func (o *Orchestrator) maybeCorrelate(exec *execution) {
	exec.mu.Lock()
	if exec.canceled || !exec.analysisDone() || exec.sample.State.Terminal() ||
		exec.sample.State == core.StateCorrelated {
		exec.mu.Unlock()
		return
	}

	failed, total := exec.failedStageCount()
	if total > 0 && failed == total {
		exec.mu.Unlock()
		o.failSample(exec, "all analysis stages failed")
		return
	}

	exec.iocMatches = o.intel.Correlate(exec.observations)
	score := scoreSample(o.cfg.Scoring, exec.ruleMatches, exec.iocMatches, failed, exec.packed)

	s := exec.sample
	s.State = core.StateCorrelated
	s.Score = score
	s.Verdict = verdictFor(o.cfg.Scoring, score)
	for _, r := range exec.ruleMatches {
		s.MatchedRules = append(s.MatchedRules, r.RuleID)
	}
	for _, m := range exec.iocMatches {
		s.MatchedIOCs = append(s.MatchedIOCs, string(m.Type)+":"+m.Value)
	}
	s.StageNotes = append([]core.StageNote(nil), exec.notes...)
	tenant := exec.tenant
	exec.mu.Unlock()

	if err := o.store.PutSample(s); err != nil {
		o.logger.Error().Err(err).Str("sample_id", s.ID).Msg("persisting correlated sample failed")
	}

	unit := core.NewAnalysisUnit(s.ID, tenant, core.StageReporting, tenant.Priority)
	if err := o.queue.Enqueue(unit); err != nil {
		o.failSample(exec, fmt.Sprintf("enqueueing reporting: %v", err))
		return
	}

	o.logger.Info().
		Str("sample_id", s.ID).
		Str("verdict", s.Verdict.String()).
		Float64("score", s.Score).
		Int("failed_stages", failed).
		Msg("sample correlated")
}

// failSample transitions the sample to terminal Failed and releases its
// execution.
func (o *Orchestrator) failSample(exec *execution, reason string) {
	exec.mu.Lock()
	s := exec.sample
	if s.State.Terminal() {
		exec.mu.Unlock()
		return
	}
	s.State = core.StateFailed
	s.FinalizedAt = time.Now().UTC()
	s.StageNotes = append(exec.notes, core.StageNote{
		Stage: "pipeline", Outcome: outcomeFailed, Detail: reason,
	})
	exec.mu.Unlock()

	if err := o.store.PutSample(s); err != nil {
		o.logger.Error().Err(err).Str("sample_id", s.ID).Msg("persisting failed sample")
	}
	o.logger.Warn().Str("sample_id", s.ID).Str("reason", reason).Msg("sample failed")
	o.release(exec)
}

// release removes the execution and wakes Await callers. Idempotent.
func (o *Orchestrator) release(exec *execution) {
	o.mu.Lock()
	_, present := o.execs[exec.sample.ID]
	delete(o.execs, exec.sample.ID)
	o.mu.Unlock()
	if present {
		close(exec.done)
	}
}

func (o *Orchestrator) publishAudit(ev *core.AuditEvent) {
	if o.reporter == nil {
		return
	}
	if err := o.reporter.PublishAudit(ev); err != nil {
		o.logger.Error().Err(err).Str("kind", ev.Kind).Msg("publishing audit event failed")
	}
}

// exec returns the live execution for a sample, if any.
func (o *Orchestrator) exec(sampleID string) (*execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.execs[sampleID]
	return e, ok
}

// Package sandbox manages isolated detonation of samples: session lifecycle,
// tenant and global concurrency quotas, bounded execution windows, and
// isolation-violation auditing.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

var (
	// ErrQuotaExceeded signals that the tenant or global session cap is
	// reached. Detonate never blocks waiting for a slot; callers requeue.
	ErrQuotaExceeded = errors.New("detonation quota exceeded")
	// ErrSessionFailed is returned by Await for sessions that ended in
	// Failed.
	ErrSessionFailed = errors.New("detonation session failed")
	// ErrSessionTimedOut is returned by Await for sessions whose execution
	// window expired. Partial artifacts are still returned alongside it.
	ErrSessionTimedOut = errors.New("detonation session timed out")
	// ErrAwaitTimeout is returned when Await's own bounded wait elapses
	// before the session reaches a terminal state.
	ErrAwaitTimeout = errors.New("await timed out before session finished")
	// ErrAborted is the failure reason recorded for aborted sessions.
	ErrAborted = errors.New("session aborted")
)

// AuditSink receives audit events the controller must never drop.
type AuditSink func(*core.AuditEvent)

// Controller drives detonation sessions against a Provider while enforcing
// per-tenant and global concurrency caps.
type Controller struct {
	logger   zerolog.Logger
	cfg      config.SandboxConfig
	provider Provider
	audit    AuditSink

	mu        sync.Mutex
	sessions  map[string]*Session
	global    int
	perTenant map[string]int

	wg sync.WaitGroup
}

// NewController creates a controller over the given provider.
func NewController(cfg config.SandboxConfig, provider Provider, audit AuditSink, logger zerolog.Logger) *Controller {
	return &Controller{
		logger:    logger.With().Str("component", "sandbox_controller").Logger(),
		cfg:       cfg,
		provider:  provider,
		audit:     audit,
		sessions:  make(map[string]*Session),
		perTenant: make(map[string]int),
	}
}

// DefaultPolicy returns the deny-all-egress policy with the configured
// telemetry allowlist.
func (c *Controller) DefaultPolicy() IsolationPolicy {
	return IsolationPolicy{Allowlist: append([]string(nil), c.cfg.EgressAllowlist...)}
}

// Detonate starts a detonation session for the sample. It returns
// ErrQuotaExceeded immediately when the tenant's cap (K) or the global cap
// (M) is reached; callers must requeue rather than block.
func (c *Controller) Detonate(ctx context.Context, sampleID string, tenant core.TenantContext, content []byte) (*Session, error) {
	tenantCap := tenant.MaxDetonations
	if tenantCap <= 0 {
		tenantCap = c.cfg.TenantMaxSessions
	}

	c.mu.Lock()
	if c.global >= c.cfg.GlobalMaxSessions || c.perTenant[tenant.ID] >= tenantCap {
		c.mu.Unlock()
		return nil, ErrQuotaExceeded
	}
	sess := newSession(sampleID, tenant.ID, c.DefaultPolicy())
	sess.StartedAt = time.Now().UTC()
	c.sessions[sess.ID] = sess
	c.global++
	c.perTenant[tenant.ID]++
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", sess.ID).
		Str("sample_id", sampleID).
		Str("tenant", tenant.ID).
		Msg("detonation session queued")

	c.wg.Add(1)
	go c.run(ctx, sess, content)
	return sess, nil
}

// Await blocks until the session reaches a terminal state or the bounded
// wait elapses. Timed-out sessions still yield their partial artifacts.
func (c *Controller) Await(sess *Session, timeout time.Duration) (*Artifacts, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sess.done:
	case <-timer.C:
		return nil, ErrAwaitTimeout
	}

	c.mu.Lock()
	state, artifacts, err := sess.state, sess.artifacts, sess.err
	c.mu.Unlock()

	switch state {
	case SessionCompleted:
		return artifacts, nil
	case SessionTimedOut:
		return artifacts, ErrSessionTimedOut
	default:
		if err == nil {
			err = ErrSessionFailed
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, err)
	}
}

// Abort tears the session down immediately and discards in-progress
// artifacts. It is the only path that can interrupt a Running session, and
// always leaves the session terminal with its quota slot released.
func (c *Controller) Abort(sess *Session) {
	c.mu.Lock()
	if sess.state.Terminal() {
		c.mu.Unlock()
		return
	}
	select {
	case <-sess.abort:
	default:
		close(sess.abort)
	}
	c.mu.Unlock()
	<-sess.done
}

// State returns the session's current lifecycle state.
func (c *Controller) State(sess *Session) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sess.state
}

// ActiveSessions returns the number of live sessions, total and for one
// tenant.
func (c *Controller) ActiveSessions(tenantID string) (global, tenant int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global, c.perTenant[tenantID]
}

// Shutdown waits for all session goroutines to finish.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	for _, sess := range c.sessions {
		if !sess.state.Terminal() {
			select {
			case <-sess.abort:
			default:
				close(sess.abort)
			}
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// run drives one session through its state machine:
// Queued → Provisioning → Running → Collecting → Completed, with
// Failed/TimedOut reachable from Provisioning or Running.
func (c *Controller) run(ctx context.Context, sess *Session, content []byte) {
	defer c.wg.Done()
	defer c.finish(sess)

	// Abort closes sess.abort; couple it into the context so every
	// provider call observes it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Provisioning.
	c.setState(sess, SessionProvisioning)
	provCtx, provCancel := context.WithTimeout(ctx, c.cfg.ProvisionTimeout)
	instanceID, err := c.provider.Provision(provCtx, sess.Policy)
	provCancel()
	if err != nil {
		c.fail(sess, fmt.Errorf("provisioning: %w", err))
		return
	}
	sess.instanceID = instanceID
	defer func() {
		if terr := c.provider.Teardown(instanceID); terr != nil {
			c.logger.Error().Err(terr).Str("session_id", sess.ID).Msg("sandbox teardown failed")
		}
	}()

	if aborted(sess) {
		c.fail(sess, ErrAborted)
		return
	}

	// Running, bounded by the execution window.
	c.setState(sess, SessionRunning)
	window := c.cfg.ExecutionWindow
	runCtx, runCancel := context.WithTimeout(ctx, window)
	execErr := c.provider.Execute(runCtx, instanceID, content)
	windowExpired := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	runCancel()

	if errors.Is(execErr, ErrIsolationViolation) {
		c.raiseIsolationAudit(sess, execErr)
		c.fail(sess, execErr)
		return
	}
	if aborted(sess) {
		// Abort discards in-progress artifacts.
		c.fail(sess, ErrAborted)
		return
	}
	if execErr != nil && !windowExpired {
		c.fail(sess, fmt.Errorf("execution: %w", execErr))
		return
	}

	// Collecting. A timed-out run still gets its partial artifacts.
	c.setState(sess, SessionCollecting)
	collectCtx, collectCancel := context.WithTimeout(context.Background(), c.cfg.ProvisionTimeout)
	artifacts, err := c.provider.Collect(collectCtx, instanceID)
	collectCancel()
	if err != nil {
		c.fail(sess, fmt.Errorf("collecting artifacts: %w", err))
		return
	}

	c.mu.Lock()
	sess.artifacts = artifacts
	if windowExpired {
		artifacts.Partial = true
		sess.state = SessionTimedOut
	} else {
		sess.state = SessionCompleted
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("session_id", sess.ID).
		Str("state", c.State(sess).String()).
		Msg("detonation session finished")
}

func (c *Controller) setState(sess *Session, s SessionState) {
	c.mu.Lock()
	sess.state = s
	c.mu.Unlock()
}

func (c *Controller) fail(sess *Session, err error) {
	c.mu.Lock()
	if !sess.state.Terminal() {
		sess.state = SessionFailed
		sess.err = err
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("detonation session failed")
}

// finish marks the session terminal, releases its quota slot and closes the
// done channel. Runs exactly once per session.
func (c *Controller) finish(sess *Session) {
	c.mu.Lock()
	if !sess.state.Terminal() {
		sess.state = SessionFailed
		if sess.err == nil {
			sess.err = errors.New("session ended without terminal state")
		}
	}
	sess.FinishedAt = time.Now().UTC()
	c.global--
	if c.perTenant[sess.TenantID] > 0 {
		c.perTenant[sess.TenantID]--
	}
	delete(c.sessions, sess.ID)
	c.mu.Unlock()
	close(sess.done)
}

// raiseIsolationAudit emits the non-droppable audit event for a detonation
// that attempted disallowed egress.
func (c *Controller) raiseIsolationAudit(sess *Session, err error) {
	c.logger.Error().
		Str("session_id", sess.ID).
		Str("sample_id", sess.SampleID).
		Str("tenant", sess.TenantID).
		Err(err).
		Msg("isolation violation, session aborted")
	if c.audit == nil {
		return
	}
	ev := core.NewAuditEvent(core.AuditIsolationViolation, core.SeverityCritical,
		fmt.Sprintf("detonation session %s attempted disallowed network egress", sess.ID))
	ev.TenantID = sess.TenantID
	ev.SampleID = sess.SampleID
	ev.Details["session_id"] = sess.ID
	ev.Details["policy_allowlist"] = sess.Policy.Allowlist
	c.audit(ev)
}

func aborted(sess *Session) bool {
	select {
	case <-sess.abort:
		return true
	default:
		return false
	}
}

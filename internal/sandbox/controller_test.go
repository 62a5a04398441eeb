package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

func testSandboxConfig() config.SandboxConfig {
	return config.SandboxConfig{
		GlobalMaxSessions: 8,
		TenantMaxSessions: 2,
		ProvisionTimeout:  time.Second,
		ExecutionWindow:   time.Second,
	}
}

func testTenant(id string) core.TenantContext {
	return core.TenantContext{ID: id, MaxDetonations: 2, AllowDynamic: true}
}

func TestController_Detonate_Completes(t *testing.T) {
	provider := &ScriptedProvider{
		Result: Artifacts{ContactedDomains: []string{"evil.example"}},
	}
	c := NewController(testSandboxConfig(), provider, nil, zerolog.Nop())

	sess, err := c.Detonate(context.Background(), "s1", testTenant("acme"), []byte("payload"))
	if err != nil {
		t.Fatalf("Detonate: %v", err)
	}
	artifacts, err := c.Await(sess, 5*time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(artifacts.ContactedDomains) != 1 || artifacts.ContactedDomains[0] != "evil.example" {
		t.Errorf("unexpected artifacts: %+v", artifacts)
	}
	if artifacts.Partial {
		t.Error("completed session should not have partial artifacts")
	}
	if provider.TornDown() != 1 {
		t.Errorf("instance should be torn down once, got %d", provider.TornDown())
	}
	if g, _ := c.ActiveSessions("acme"); g != 0 {
		t.Errorf("quota slot not released, %d sessions still active", g)
	}
}

func TestController_TenantQuota_ThirdRejected(t *testing.T) {
	provider := &ScriptedProvider{ExecuteDuration: 200 * time.Millisecond}
	c := NewController(testSandboxConfig(), provider, nil, zerolog.Nop())
	tenant := testTenant("acme")

	s1, err := c.Detonate(context.Background(), "s1", tenant, []byte("a"))
	if err != nil {
		t.Fatalf("first detonation: %v", err)
	}
	s2, err := c.Detonate(context.Background(), "s2", tenant, []byte("b"))
	if err != nil {
		t.Fatalf("second detonation: %v", err)
	}

	if _, err := c.Detonate(context.Background(), "s3", tenant, []byte("c")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third detonation should hit quota, got %v", err)
	}

	if _, err := c.Await(s1, 5*time.Second); err != nil {
		t.Fatalf("awaiting first session: %v", err)
	}

	// A slot is free now; the retried detonation must succeed.
	s3, err := c.Detonate(context.Background(), "s3", tenant, []byte("c"))
	if err != nil {
		t.Fatalf("detonation after slot freed: %v", err)
	}
	for _, s := range []*Session{s2, s3} {
		if _, err := c.Await(s, 5*time.Second); err != nil {
			t.Fatalf("awaiting session: %v", err)
		}
	}
}

func TestController_GlobalQuota(t *testing.T) {
	cfg := testSandboxConfig()
	cfg.GlobalMaxSessions = 2
	provider := &ScriptedProvider{ExecuteDuration: 200 * time.Millisecond}
	c := NewController(cfg, provider, nil, zerolog.Nop())

	// Distinct tenants, so only the global cap can reject.
	var sessions []*Session
	for i := 0; i < 2; i++ {
		s, err := c.Detonate(context.Background(), fmt.Sprintf("s%d", i), testTenant(fmt.Sprintf("t%d", i)), []byte("x"))
		if err != nil {
			t.Fatalf("detonation %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}
	if _, err := c.Detonate(context.Background(), "s9", testTenant("t9"), []byte("x")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("global cap should reject, got %v", err)
	}
	for _, s := range sessions {
		if _, err := c.Await(s, 5*time.Second); err != nil {
			t.Fatalf("awaiting session: %v", err)
		}
	}
}

func TestController_Abort_TerminalAndFreesSlot(t *testing.T) {
	provider := &ScriptedProvider{ExecuteDuration: 10 * time.Second}
	cfg := testSandboxConfig()
	cfg.ExecutionWindow = 30 * time.Second
	c := NewController(cfg, provider, nil, zerolog.Nop())

	sess, err := c.Detonate(context.Background(), "s1", testTenant("acme"), []byte("x"))
	if err != nil {
		t.Fatalf("Detonate: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let it reach Running
	c.Abort(sess)

	if !c.State(sess).Terminal() {
		t.Errorf("aborted session should be terminal, state %s", c.State(sess))
	}
	if _, err := c.Await(sess, time.Second); err == nil {
		t.Error("aborted session should not yield artifacts")
	}
	if g, _ := c.ActiveSessions("acme"); g != 0 {
		t.Errorf("abort should free the quota slot, %d still active", g)
	}
	if provider.TornDown() != 1 {
		t.Errorf("aborted instance should be torn down, got %d", provider.TornDown())
	}
}

func TestController_WindowExpiry_PartialArtifacts(t *testing.T) {
	provider := &ScriptedProvider{
		ExecuteDuration: 10 * time.Second,
		Result:          Artifacts{ContactedIPs: []string{"10.0.0.9"}},
	}
	cfg := testSandboxConfig()
	cfg.ExecutionWindow = 100 * time.Millisecond
	c := NewController(cfg, provider, nil, zerolog.Nop())

	sess, err := c.Detonate(context.Background(), "s1", testTenant("acme"), []byte("x"))
	if err != nil {
		t.Fatalf("Detonate: %v", err)
	}
	artifacts, err := c.Await(sess, 5*time.Second)
	if !errors.Is(err, ErrSessionTimedOut) {
		t.Fatalf("expected ErrSessionTimedOut, got %v", err)
	}
	if artifacts == nil || !artifacts.Partial {
		t.Fatalf("timed-out session should retain partial artifacts, got %+v", artifacts)
	}
	if len(artifacts.ContactedIPs) != 1 {
		t.Errorf("partial artifacts lost: %+v", artifacts)
	}
	if c.State(sess) != SessionTimedOut {
		t.Errorf("expected TIMED_OUT, got %s", c.State(sess))
	}
}

func TestController_IsolationViolation_AuditAndTeardown(t *testing.T) {
	provider := &ScriptedProvider{ExecuteErr: ErrIsolationViolation}
	var events []*core.AuditEvent
	audit := func(ev *core.AuditEvent) { events = append(events, ev) }
	c := NewController(testSandboxConfig(), provider, audit, zerolog.Nop())

	sess, err := c.Detonate(context.Background(), "s1", testTenant("acme"), []byte("x"))
	if err != nil {
		t.Fatalf("Detonate: %v", err)
	}
	if _, err := c.Await(sess, 5*time.Second); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("expected session failure, got %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
	if events[0].Kind != core.AuditIsolationViolation {
		t.Errorf("wrong audit kind %q", events[0].Kind)
	}
	if events[0].SampleID != "s1" || events[0].TenantID != "acme" {
		t.Errorf("audit event missing attribution: %+v", events[0])
	}
	if provider.TornDown() != 1 {
		t.Errorf("violating instance must be torn down, got %d", provider.TornDown())
	}
}

func TestController_ProvisionFailure(t *testing.T) {
	provider := &ScriptedProvider{ProvisionErr: errors.New("no capacity")}
	c := NewController(testSandboxConfig(), provider, nil, zerolog.Nop())

	sess, err := c.Detonate(context.Background(), "s1", testTenant("acme"), []byte("x"))
	if err != nil {
		t.Fatalf("Detonate: %v", err)
	}
	if _, err := c.Await(sess, 5*time.Second); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("expected session failure, got %v", err)
	}
	if g, _ := c.ActiveSessions("acme"); g != 0 {
		t.Errorf("failed provisioning should free the slot, %d still active", g)
	}
}

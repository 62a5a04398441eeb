package sandbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrIsolationViolation is returned by a provider when a detonation attempts
// network egress outside its allowlist. It is never recovered locally: the
// session aborts immediately and an audit event is raised.
var ErrIsolationViolation = errors.New("isolation violation: disallowed network egress")

// Provider is the interface to the actual isolated execution substrate
// (VM/container). The controller only issues lifecycle commands; the
// substrate itself is an external collaborator.
type Provider interface {
	// Provision acquires an isolated environment bound to the policy and
	// returns its instance handle.
	Provision(ctx context.Context, policy IsolationPolicy) (string, error)
	// Execute runs the sample inside the instance until it exits, the
	// context is canceled (window expiry or abort), or the substrate
	// reports an error. Returning ErrIsolationViolation aborts the session.
	Execute(ctx context.Context, instanceID string, content []byte) error
	// Collect harvests whatever behavioral artifacts the instance has
	// recorded so far. Called even after a timed-out Execute so partial
	// artifacts are retained.
	Collect(ctx context.Context, instanceID string) (*Artifacts, error)
	// Teardown destroys the instance unconditionally.
	Teardown(instanceID string) error
}

// ScriptedProvider is an in-process Provider with programmable behavior.
// Tests and the CLI demo use it in place of a real sandbox substrate.
type ScriptedProvider struct {
	mu sync.Mutex

	// ProvisionDelay and ExecuteDuration simulate substrate latency.
	ProvisionDelay  time.Duration
	ExecuteDuration time.Duration
	// ProvisionErr / ExecuteErr force failures.
	ProvisionErr error
	ExecuteErr   error
	// Result is returned from Collect.
	Result Artifacts

	provisioned int
	tornDown    int
}

// Provision waits the configured delay, honoring cancellation.
func (p *ScriptedProvider) Provision(ctx context.Context, policy IsolationPolicy) (string, error) {
	p.mu.Lock()
	delay, err := p.ProvisionDelay, p.ProvisionErr
	p.provisioned++
	n := p.provisioned
	p.mu.Unlock()

	if err != nil {
		return "", err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "scripted-" + strconv.Itoa(n), nil
}

// Execute simulates the detonation window.
func (p *ScriptedProvider) Execute(ctx context.Context, instanceID string, content []byte) error {
	p.mu.Lock()
	dur, err := p.ExecuteDuration, p.ExecuteErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if dur <= 0 {
		return nil
	}
	select {
	case <-time.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect returns the scripted artifacts.
func (p *ScriptedProvider) Collect(ctx context.Context, instanceID string) (*Artifacts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.Result
	return &a, nil
}

// Teardown counts invocations so tests can assert cleanup happened.
func (p *ScriptedProvider) Teardown(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tornDown++
	return nil
}

// TornDown returns how many instances have been destroyed.
func (p *ScriptedProvider) TornDown() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tornDown
}

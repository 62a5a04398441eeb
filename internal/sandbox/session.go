package sandbox

import (
	"time"

	"github.com/google/uuid"
)

// SessionState tracks detonation lifecycle.
type SessionState int

const (
	SessionQueued SessionState = iota
	SessionProvisioning
	SessionRunning
	SessionCollecting
	SessionCompleted
	SessionFailed
	SessionTimedOut
)

func (s SessionState) String() string {
	switch s {
	case SessionQueued:
		return "QUEUED"
	case SessionProvisioning:
		return "PROVISIONING"
	case SessionRunning:
		return "RUNNING"
	case SessionCollecting:
		return "COLLECTING"
	case SessionCompleted:
		return "COMPLETED"
	case SessionFailed:
		return "FAILED"
	case SessionTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the session can change state no further.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionTimedOut
}

// IsolationPolicy is the network policy every detonation environment is
// bound to: all egress denied except the explicit, auditable allowlist.
// The allowlist never includes production or control-plane addresses.
type IsolationPolicy struct {
	Allowlist []string `json:"allowlist"`
}

// Artifacts is what a detonation yields: the behavioral observables
// harvested from the sandbox. Partial marks artifacts collected from a
// session that timed out before its window closed.
type Artifacts struct {
	ContactedDomains  []string `json:"contacted_domains,omitempty"`
	ContactedIPs      []string `json:"contacted_ips,omitempty"`
	ContactedURLs     []string `json:"contacted_urls,omitempty"`
	DroppedFileHashes []string `json:"dropped_file_hashes,omitempty"`
	SpawnedProcesses  []string `json:"spawned_processes,omitempty"`
	Partial           bool     `json:"partial"`
}

// Session is one detonation of one sample. Owned exclusively by the
// controller; callers hold it only to Await or Abort.
type Session struct {
	ID         string
	SampleID   string
	TenantID   string
	Policy     IsolationPolicy
	StartedAt  time.Time
	FinishedAt time.Time

	// Owned by the controller; read via Controller accessors.
	state      SessionState
	instanceID string
	artifacts  *Artifacts
	err        error
	abort      chan struct{}
	done       chan struct{}
}

func newSession(sampleID, tenantID string, policy IsolationPolicy) *Session {
	return &Session{
		ID:       uuid.New().String(),
		SampleID: sampleID,
		TenantID: tenantID,
		Policy:   policy,
		state:    SessionQueued,
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

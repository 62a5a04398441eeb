package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Verdict is the final classification of an analyzed sample.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictBenign
	VerdictSuspicious
	VerdictMalicious
)

func (v Verdict) String() string {
	switch v {
	case VerdictBenign:
		return "BENIGN"
	case VerdictSuspicious:
		return "SUSPICIOUS"
	case VerdictMalicious:
		return "MALICIOUS"
	default:
		return "UNKNOWN"
	}
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "BENIGN":
		*v = VerdictBenign
	case "SUSPICIOUS":
		*v = VerdictSuspicious
	case "MALICIOUS":
		*v = VerdictMalicious
	default:
		*v = VerdictUnknown
	}
	return nil
}

// SampleState tracks a sample's position in the analysis pipeline.
type SampleState int

const (
	StateIngested SampleState = iota
	StateTriaged
	StateAnalyzing
	StateCorrelated
	StateFinalized
	StateFailed
)

func (s SampleState) String() string {
	switch s {
	case StateIngested:
		return "INGESTED"
	case StateTriaged:
		return "TRIAGED"
	case StateAnalyzing:
		return "ANALYZING"
	case StateCorrelated:
		return "CORRELATED"
	case StateFinalized:
		return "FINALIZED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final. A sample in a terminal state
// is never mutated again.
func (s SampleState) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

func (s SampleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SampleState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for _, v := range []SampleState{StateIngested, StateTriaged, StateAnalyzing, StateCorrelated, StateFinalized, StateFailed} {
		if v.String() == str {
			*s = v
			return nil
		}
	}
	*s = StateIngested
	return nil
}

// StageKind identifies one pipeline stage.
type StageKind int

const (
	StageTriage StageKind = iota
	StageStatic
	StageDynamic
	StageReporting
)

// Stages lists all stage kinds in pipeline order.
var Stages = []StageKind{StageTriage, StageStatic, StageDynamic, StageReporting}

func (k StageKind) String() string {
	switch k {
	case StageTriage:
		return "triage"
	case StageStatic:
		return "static"
	case StageDynamic:
		return "dynamic"
	case StageReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// UnitState tracks the lifecycle of a queued work item.
type UnitState int

const (
	UnitPending UnitState = iota
	UnitRunning
	UnitRetrying
	UnitSucceeded
	UnitFailed
	UnitDeadLettered
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "PENDING"
	case UnitRunning:
		return "RUNNING"
	case UnitRetrying:
		return "RETRYING"
	case UnitSucceeded:
		return "SUCCEEDED"
	case UnitFailed:
		return "FAILED"
	case UnitDeadLettered:
		return "DEAD_LETTERED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the unit can never be leased again.
func (s UnitState) Terminal() bool {
	return s == UnitSucceeded || s == UnitFailed || s == UnitDeadLettered
}

// IndicatorType classifies an observable indicator.
type IndicatorType string

const (
	IndicatorHash   IndicatorType = "hash"
	IndicatorURL    IndicatorType = "url"
	IndicatorDomain IndicatorType = "domain"
	IndicatorIP     IndicatorType = "ip"
	IndicatorPhone  IndicatorType = "phone"
)

// Observation is a single indicator observed during static or dynamic
// analysis of a sample, before correlation against the IOC index.
type Observation struct {
	Type  IndicatorType `json:"type"`
	Value string        `json:"value"`
	Stage StageKind     `json:"-"`
}

// TenantContext carries tenant identity and resource limits through every
// orchestrator and store call. It is always passed explicitly; no tenant
// state is global.
type TenantContext struct {
	ID             string `json:"id" yaml:"id"`
	MaxDetonations int    `json:"max_detonations" yaml:"max_detonations"`
	MaxQueueDepth  int    `json:"max_queue_depth" yaml:"max_queue_depth"`
	Priority       int    `json:"priority" yaml:"priority"`
	AllowDynamic   bool   `json:"allow_dynamic" yaml:"allow_dynamic"`
}

// StageNote records the outcome of one stage for the final report, including
// stages that failed or were skipped by triage.
type StageNote struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"` // "ok", "failed", "skipped", "timed_out", "partial"
	Detail  string `json:"detail,omitempty"`
}

// Sample is the unit of submission. Mutated only by the pipeline
// orchestrator; immutable once its state is terminal. Retained indefinitely
// for audit.
type Sample struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	Fingerprint    string      `json:"fingerprint"`
	Size           int64       `json:"size"`
	DeclaredFormat string      `json:"declared_format,omitempty"`
	DetectedFormat string      `json:"detected_format,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	State          SampleState `json:"state"`
	Verdict        Verdict     `json:"verdict"`
	Score          float64     `json:"score"`
	MatchedRules   []string    `json:"matched_rules,omitempty"`
	MatchedIOCs    []string    `json:"matched_iocs,omitempty"`
	StageNotes     []StageNote `json:"stage_notes,omitempty"`
	FinalizedAt    time.Time   `json:"finalized_at,omitzero"`
}

// NewSample creates a sample in the Ingested state with a generated ID.
func NewSample(tenantID, fingerprint, declaredFormat string, size int64) *Sample {
	return &Sample{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Fingerprint:    fingerprint,
		Size:           size,
		DeclaredFormat: declaredFormat,
		SubmittedAt:    time.Now().UTC(),
		State:          StateIngested,
		Verdict:        VerdictUnknown,
	}
}

// Marshal serializes the sample to JSON.
func (s *Sample) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSample deserializes a Sample from JSON.
func UnmarshalSample(data []byte) (*Sample, error) {
	var s Sample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AnalysisUnit is one stage's work item for a sample. Owned exclusively by
// the stage queue manager while in flight.
type AnalysisUnit struct {
	ID            string        `json:"id"`
	SampleID      string        `json:"sample_id"`
	Tenant        TenantContext `json:"tenant"`
	Stage         StageKind     `json:"stage"`
	Attempt       int           `json:"attempt"`
	State         UnitState     `json:"state"`
	Priority      int           `json:"priority"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	LeaseDeadline time.Time     `json:"lease_deadline,omitzero"`
	WorkerID      string        `json:"worker_id,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// NewAnalysisUnit creates a pending unit for one stage of a sample.
func NewAnalysisUnit(sampleID string, tenant TenantContext, stage StageKind, priority int) *AnalysisUnit {
	return &AnalysisUnit{
		ID:       uuid.New().String(),
		SampleID: sampleID,
		Tenant:   tenant,
		Stage:    stage,
		State:    UnitPending,
		Priority: priority,
	}
}

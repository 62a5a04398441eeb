package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RuleMatch is one matched signature recorded on a report.
type RuleMatch struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Tags     []string `json:"tags,omitempty"`
}

// IOCMatch is one correlated indicator recorded on a report.
type IOCMatch struct {
	Type       IndicatorType `json:"type"`
	Value      string        `json:"value"`
	Sources    []string      `json:"sources"`
	Confidence float64       `json:"confidence"`
}

// Report is the finalized analysis artifact published for a sample. It is
// consumed by the external report rendering collaborator.
type Report struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	SampleID    string      `json:"sample_id"`
	Fingerprint string      `json:"fingerprint"`
	Format      string      `json:"format,omitempty"`
	Verdict     Verdict     `json:"verdict"`
	Score       float64     `json:"score"`
	Rules       []RuleMatch `json:"rules,omitempty"`
	IOCs        []IOCMatch  `json:"iocs,omitempty"`
	StageNotes  []StageNote `json:"stage_notes,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// NewReport creates a report shell for a finalized sample.
func NewReport(s *Sample) *Report {
	return &Report{
		ID:          uuid.New().String(),
		TenantID:    s.TenantID,
		SampleID:    s.ID,
		Fingerprint: s.Fingerprint,
		Format:      s.DetectedFormat,
		Verdict:     s.Verdict,
		Score:       s.Score,
		StageNotes:  s.StageNotes,
		GeneratedAt: time.Now().UTC(),
	}
}

// Marshal serializes the report to JSON.
func (r *Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalReport deserializes a Report from JSON.
func UnmarshalReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// AuditEvent records a security-relevant occurrence that must never be
// dropped: isolation violations, dead-lettered stages, forced cancellations.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Severity  Severity               `json:"severity"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	SampleID  string                 `json:"sample_id,omitempty"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Audit event kinds.
const (
	AuditIsolationViolation = "isolation_violation"
	AuditDeadLetter         = "dead_letter"
	AuditCancellation       = "cancellation"
)

// NewAuditEvent creates an audit event with a generated ID and UTC timestamp.
func NewAuditEvent(kind string, severity Severity, summary string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Severity:  severity,
		Summary:   summary,
		Details:   make(map[string]interface{}),
	}
}

// Marshal serializes the audit event to JSON.
func (e *AuditEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAuditEvent deserializes an AuditEvent from JSON.
func UnmarshalAuditEvent(data []byte) (*AuditEvent, error) {
	var e AuditEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

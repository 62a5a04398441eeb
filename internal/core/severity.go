package core

import "encoding/json"

// Severity ranks signature rules and audit events.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Weight maps severity onto [0,1] for verdict scoring.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 0.25
	case SeverityMedium:
		return 0.5
	case SeverityHigh:
		return 0.75
	case SeverityCritical:
		return 1.0
	default:
		return 0.1
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ParseSeverity maps a case-sensitive severity name to its value. Unknown
// names map to INFO.
func ParseSeverity(str string) Severity {
	switch str {
	case "LOW", "low":
		return SeverityLow
	case "MEDIUM", "medium":
		return SeverityMedium
	case "HIGH", "high":
		return SeverityHigh
	case "CRITICAL", "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

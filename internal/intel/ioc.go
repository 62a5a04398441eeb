// Package intel maintains the threat-intelligence index: normalized
// indicators of compromise merged from configured feeds, with sharded
// in-memory lookup and write-through persistence.
package intel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/malwatch-project/malwatch/internal/core"
)

// IOC is one indicator of compromise held in the index. Sources records
// every feed that has reported the indicator; Confidence is the maximum
// confidence any source assigned.
type IOC struct {
	Type       core.IndicatorType `json:"type"`
	Value      string             `json:"value"`
	Sources    []string           `json:"sources"`
	Confidence float64            `json:"confidence"`
	FirstSeen  time.Time          `json:"first_seen"`
	LastSeen   time.Time          `json:"last_seen"`
}

// Key is the canonical index key for an IOC: type and normalized value.
func (i *IOC) Key() string {
	return string(i.Type) + "\x00" + i.Value
}

// HasSource reports whether the named feed already attests this IOC.
func (i *IOC) HasSource(name string) bool {
	for _, s := range i.Sources {
		if s == name {
			return true
		}
	}
	return false
}

func (i *IOC) clone() *IOC {
	out := *i
	out.Sources = append([]string(nil), i.Sources...)
	return &out
}

// FeedRecord is one raw entry parsed from a feed before normalization.
type FeedRecord struct {
	Type       core.IndicatorType
	Value      string
	Source     string
	Confidence float64
	Seen       time.Time
}

func marshalIOC(ioc *IOC) ([]byte, error) {
	data, err := json.Marshal(ioc)
	if err != nil {
		return nil, fmt.Errorf("marshaling ioc: %w", err)
	}
	return data, nil
}

func unmarshalIOC(data []byte) (*IOC, error) {
	var ioc IOC
	if err := json.Unmarshal(data, &ioc); err != nil {
		return nil, fmt.Errorf("unmarshaling ioc: %w", err)
	}
	return &ioc, nil
}

package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Reload re-reads the config file and applies settings that can change
// without a restart. It mutates cfg in place and returns a list of what
// changed.
//
// Hot-reloadable settings:
//   - scoring weights and verdict thresholds
//   - rule file paths (the caller recompiles the rule set)
//   - intel feed list
//   - tenant quotas and policy
//   - logging level
//
// NOT hot-reloadable (require restart):
//   - bus config (NATS URL, port, data dir)
//   - store path
//   - queue worker counts and stage depths
func Reload(cfg *Config, path string, logger zerolog.Logger) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	next, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var changes []string

	if next.LogLevel() != cfg.LogLevel() {
		cfg.Logging.Level = next.Logging.Level
		changes = append(changes, "logging.level → "+next.LogLevel())
	}

	if next.Scoring != cfg.Scoring {
		cfg.Scoring = next.Scoring
		changes = append(changes, fmt.Sprintf("scoring thresholds → suspicious %.2f / malicious %.2f",
			next.Scoring.SuspiciousThreshold, next.Scoring.MaliciousThreshold))
	}

	if len(next.Rules.Paths) != len(cfg.Rules.Paths) || !equalStrings(next.Rules.Paths, cfg.Rules.Paths) {
		cfg.Rules.Paths = next.Rules.Paths
		changes = append(changes, fmt.Sprintf("rules.paths → %d paths", len(next.Rules.Paths)))
	}

	if len(next.Intel.Feeds) != len(cfg.Intel.Feeds) {
		cfg.Intel.Feeds = next.Intel.Feeds
		changes = append(changes, fmt.Sprintf("intel.feeds → %d feeds", len(next.Intel.Feeds)))
	}

	for id, tc := range next.Tenants {
		old, exists := cfg.Tenants[id]
		if !exists || !sameTenant(old, tc) {
			cfg.Tenants[id] = tc
			changes = append(changes, "tenant "+id+" updated")
		}
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

// sameTenant compares tenant blocks by value; AllowDynamic is a pointer and
// must be dereferenced, not compared by identity.
func sameTenant(a, b TenantConfig) bool {
	if a.MaxDetonations != b.MaxDetonations || a.MaxQueueDepth != b.MaxQueueDepth ||
		a.Priority != b.Priority {
		return false
	}
	if (a.AllowDynamic == nil) != (b.AllowDynamic == nil) {
		return false
	}
	return a.AllowDynamic == nil || *a.AllowDynamic == *b.AllowDynamic
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

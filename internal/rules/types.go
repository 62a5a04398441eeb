package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malwatch-project/malwatch/internal/core"
)

// Atom is one named string/byte pattern inside a rule. Patterns are literal
// substrings; Wide additionally searches the UTF-16LE encoding, Nocase makes
// the search case-insensitive.
type Atom struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
	Wide    bool   `yaml:"wide"`
	Nocase  bool   `yaml:"nocase"`
}

// Rule is a boolean condition over its atoms, plus metadata. Immutable after
// compilation.
type Rule struct {
	ID        string        `yaml:"id"`
	Author    string        `yaml:"author"`
	Severity  core.Severity `yaml:"severity"`
	Tags      []string      `yaml:"tags"`
	Atoms     []Atom        `yaml:"atoms"`
	Condition string        `yaml:"condition"`
}

// RuleSet is the unit of compilation; hot reload replaces the whole set.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRuleFiles reads rule sets from the given files or directories
// (non-recursively for files, recursively for directories) and merges them
// into one RuleSet. Only .yml/.yaml files are considered.
func LoadRuleFiles(paths []string) (RuleSet, error) {
	var set RuleSet
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return RuleSet{}, fmt.Errorf("stat rule path %s: %w", p, err)
		}
		if !info.IsDir() {
			if err := appendRuleFile(&set, p); err != nil {
				return RuleSet{}, err
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yml" && ext != ".yaml" {
				return nil
			}
			return appendRuleFile(&set, path)
		})
		if err != nil {
			return RuleSet{}, fmt.Errorf("walking rule dir %s: %w", p, err)
		}
	}
	return set, nil
}

func appendRuleFile(set *RuleSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rule file %s: %w", path, err)
	}
	var file RuleSet
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing rule file %s: %w", path, err)
	}
	set.Rules = append(set.Rules, file.Rules...)
	return nil
}

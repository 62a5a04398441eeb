package rules

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/core"
)

// CompileWarning reports a rule that was excluded from a compiled set.
// Warnings are local to their rule and never abort compilation of the rest.
type CompileWarning struct {
	RuleID string
	Reason string
}

// RuleMeta is the metadata surfaced for a matched rule.
type RuleMeta struct {
	ID       string
	Author   string
	Severity core.Severity
	Tags     []string
}

type compiledRule struct {
	meta RuleMeta
	cond *condNode
	// slots[i] lists the global match slots whose union decides whether
	// local atom i matched (ascii and wide variants of the same atom).
	slots [][]int
}

// CompiledRules is an immutable compiled rule set. Evaluation is
// deterministic and side-effect-free; identical input bytes always produce
// the identical matched-rule set.
type CompiledRules struct {
	rules    []compiledRule
	sens     *acAutomaton // case-sensitive patterns, scanned over raw bytes
	insens   *acAutomaton // lowercased patterns, scanned over lowercased bytes
	slots    int
	Warnings []CompileWarning
}

// Compile builds a CompiledRules from the rule set. Malformed rules are
// skipped and surfaced in Warnings; the rest of the set compiles normally.
func Compile(set RuleSet) *CompiledRules {
	c := &CompiledRules{}
	var sensEntries, insensEntries []acPattern
	seenIDs := make(map[string]bool)

	for _, r := range set.Rules {
		if r.ID == "" {
			c.Warnings = append(c.Warnings, CompileWarning{RuleID: "(unnamed)", Reason: "missing rule id"})
			continue
		}
		if seenIDs[r.ID] {
			c.Warnings = append(c.Warnings, CompileWarning{RuleID: r.ID, Reason: "duplicate rule id"})
			continue
		}
		if len(r.Atoms) == 0 {
			c.Warnings = append(c.Warnings, CompileWarning{RuleID: r.ID, Reason: "rule has no atoms"})
			continue
		}

		atomIdx := make(map[string]int, len(r.Atoms))
		bad := ""
		for i, a := range r.Atoms {
			switch {
			case a.ID == "":
				bad = fmt.Sprintf("atom %d has no id", i)
			case a.Pattern == "":
				bad = fmt.Sprintf("atom %q has empty pattern", a.ID)
			default:
				if _, dup := atomIdx[a.ID]; dup {
					bad = fmt.Sprintf("duplicate atom id %q", a.ID)
				}
			}
			if bad != "" {
				break
			}
			atomIdx[a.ID] = i
		}
		if bad != "" {
			c.Warnings = append(c.Warnings, CompileWarning{RuleID: r.ID, Reason: bad})
			continue
		}

		cond, err := parseCondition(r.Condition, atomIdx)
		if err != nil {
			c.Warnings = append(c.Warnings, CompileWarning{RuleID: r.ID, Reason: "condition: " + err.Error()})
			continue
		}

		cr := compiledRule{
			meta: RuleMeta{ID: r.ID, Author: r.Author, Severity: r.Severity, Tags: r.Tags},
			cond: cond,
			slots: make([][]int, len(r.Atoms)),
		}
		for i, a := range r.Atoms {
			for _, pat := range atomVariants(a) {
				slot := c.slots
				c.slots++
				cr.slots[i] = append(cr.slots[i], slot)
				if a.Nocase {
					insensEntries = append(insensEntries, acPattern{pat: bytes.ToLower(pat), slot: slot})
				} else {
					sensEntries = append(sensEntries, acPattern{pat: pat, slot: slot})
				}
			}
		}
		seenIDs[r.ID] = true
		c.rules = append(c.rules, cr)
	}

	if len(sensEntries) > 0 {
		c.sens = buildAutomaton(sensEntries)
	}
	if len(insensEntries) > 0 {
		c.insens = buildAutomaton(insensEntries)
	}
	return c
}

// atomVariants expands an atom into the literal byte patterns to search.
// Wide adds the UTF-16LE encoding; the pattern itself is always searched as
// plain bytes. Non-ASCII runes in wide patterns are not expanded.
func atomVariants(a Atom) [][]byte {
	variants := [][]byte{[]byte(a.Pattern)}
	if a.Wide {
		wide := make([]byte, 0, len(a.Pattern)*2)
		for i := 0; i < len(a.Pattern); i++ {
			wide = append(wide, a.Pattern[i], 0)
		}
		variants = append(variants, wide)
	}
	return variants
}

// Len returns the number of rules that compiled successfully.
func (c *CompiledRules) Len() int {
	return len(c.rules)
}

// Meta returns the metadata of a compiled rule by ID.
func (c *CompiledRules) Meta(id string) (RuleMeta, bool) {
	for _, r := range c.rules {
		if r.meta.ID == id {
			return r.meta, true
		}
	}
	return RuleMeta{}, false
}

// Evaluate runs the compiled set against sample bytes and returns the sorted
// IDs of matched rules. checkEvery bounds how many bytes are scanned between
// cancellation checks.
func (c *CompiledRules) Evaluate(ctx context.Context, data []byte, checkEvery int) ([]string, error) {
	if len(c.rules) == 0 {
		return nil, nil
	}

	seen := make([]bool, c.slots)
	if err := c.sens.scan(ctx, data, seen, checkEvery); err != nil {
		return nil, err
	}
	if c.insens != nil {
		if err := c.insens.scan(ctx, bytes.ToLower(data), seen, checkEvery); err != nil {
			return nil, err
		}
	}

	var matched []string
	atomBuf := make([]bool, 0, 16)
	for _, r := range c.rules {
		atomBuf = atomBuf[:0]
		for _, slots := range r.slots {
			hit := false
			for _, s := range slots {
				if seen[s] {
					hit = true
					break
				}
			}
			atomBuf = append(atomBuf, hit)
		}
		if r.cond.eval(atomBuf) {
			matched = append(matched, r.meta.ID)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

// Engine holds the live compiled rule set. Hot reload swaps the whole set
// atomically; in-flight evaluations keep the set they started with.
type Engine struct {
	logger  zerolog.Logger
	current atomic.Pointer[CompiledRules]
}

// NewEngine creates an engine with an empty rule set.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{logger: logger.With().Str("component", "rules_engine").Logger()}
	e.current.Store(&CompiledRules{})
	return e
}

// Swap atomically replaces the live rule set.
func (e *Engine) Swap(c *CompiledRules) {
	e.current.Store(c)
	for _, w := range c.Warnings {
		e.logger.Warn().Str("rule", w.RuleID).Str("reason", w.Reason).Msg("rule excluded from compiled set")
	}
	e.logger.Info().Int("rules", c.Len()).Int("warnings", len(c.Warnings)).Msg("rule set loaded")
}

// Current returns the live compiled set.
func (e *Engine) Current() *CompiledRules {
	return e.current.Load()
}

// LoadFromPaths reads, compiles and swaps in rule files from the given
// paths. File-level read/parse errors abort the reload and leave the
// previous set live; per-rule compile errors only produce warnings.
func (e *Engine) LoadFromPaths(paths []string) error {
	set, err := LoadRuleFiles(paths)
	if err != nil {
		return err
	}
	e.Swap(Compile(set))
	return nil
}

// Evaluate runs the live rule set against the sample content.
func (e *Engine) Evaluate(ctx context.Context, data []byte, checkEvery int) ([]string, error) {
	return e.Current().Evaluate(ctx, data, checkEvery)
}

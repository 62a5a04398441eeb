package rules

import (
	"context"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/core"
)

func evalAll(t *testing.T, c *CompiledRules, data []byte) []string {
	t.Helper()
	matched, err := c.Evaluate(context.Background(), data, 0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return matched
}

func TestCompile_MissingID_Warning(t *testing.T) {
	set := RuleSet{Rules: []Rule{{Atoms: []Atom{{ID: "a", Pattern: "x"}}, Condition: "a"}}}
	c := Compile(set)
	if c.Len() != 0 {
		t.Errorf("unnamed rule should not compile, got %d rules", c.Len())
	}
	if len(c.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(c.Warnings))
	}
}

func TestCompile_DuplicateID_SecondSkipped(t *testing.T) {
	set := RuleSet{Rules: []Rule{
		{ID: "dup", Atoms: []Atom{{ID: "a", Pattern: "x"}}, Condition: "a"},
		{ID: "dup", Atoms: []Atom{{ID: "a", Pattern: "y"}}, Condition: "a"},
	}}
	c := Compile(set)
	if c.Len() != 1 {
		t.Errorf("expected 1 compiled rule, got %d", c.Len())
	}
	if len(c.Warnings) != 1 || c.Warnings[0].RuleID != "dup" {
		t.Errorf("expected duplicate-id warning, got %+v", c.Warnings)
	}
}

func TestCompile_BadCondition_OthersStillCompile(t *testing.T) {
	set := RuleSet{Rules: []Rule{
		{ID: "bad", Atoms: []Atom{{ID: "a", Pattern: "x"}}, Condition: "a and missing"},
		{ID: "good", Atoms: []Atom{{ID: "a", Pattern: "hello"}}, Condition: "a"},
	}}
	c := Compile(set)
	if c.Len() != 1 {
		t.Fatalf("expected 1 compiled rule, got %d", c.Len())
	}
	if got := evalAll(t, c, []byte("say hello")); len(got) != 1 || got[0] != "good" {
		t.Errorf("surviving rule should match, got %v", got)
	}
}

func TestEvaluate_TwoOfThem(t *testing.T) {
	set := RuleSet{Rules: []Rule{{
		ID:       "downloader-heuristic",
		Severity: core.SeverityHigh,
		Atoms: []Atom{
			{ID: "ps", Pattern: "powershell"},
			{ID: "url", Pattern: "http://"},
			{ID: "b64", Pattern: "base64"},
		},
		Condition: "2 of them",
	}}}
	c := Compile(set)
	if len(c.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", c.Warnings)
	}

	if got := evalAll(t, c, []byte("powershell -enc http://x.example/a")); len(got) != 1 {
		t.Errorf("two atoms present, expected match, got %v", got)
	}
	if got := evalAll(t, c, []byte("powershell alone")); len(got) != 0 {
		t.Errorf("one atom present, expected no match, got %v", got)
	}
	if got := evalAll(t, c, []byte("powershell http:// base64")); len(got) != 1 {
		t.Errorf("three atoms present, expected match, got %v", got)
	}
}

func TestEvaluate_AndOrNesting(t *testing.T) {
	set := RuleSet{Rules: []Rule{{
		ID: "nested",
		Atoms: []Atom{
			{ID: "a", Pattern: "alpha"},
			{ID: "b", Pattern: "bravo"},
			{ID: "c", Pattern: "charlie"},
		},
		Condition: "a and (b or c)",
	}}}
	c := Compile(set)

	if got := evalAll(t, c, []byte("alpha charlie")); len(got) != 1 {
		t.Errorf("a and c should match, got %v", got)
	}
	if got := evalAll(t, c, []byte("bravo charlie")); len(got) != 0 {
		t.Errorf("missing a should not match, got %v", got)
	}
}

func TestEvaluate_Nocase(t *testing.T) {
	set := RuleSet{Rules: []Rule{{
		ID:        "nocase",
		Atoms:     []Atom{{ID: "a", Pattern: "Invoke-Mimikatz", Nocase: true}},
		Condition: "a",
	}}}
	c := Compile(set)
	if got := evalAll(t, c, []byte("iNvOkE-mImIkAtZ")); len(got) != 1 {
		t.Errorf("nocase atom should match mixed case, got %v", got)
	}
}

func TestEvaluate_Wide(t *testing.T) {
	// "cmd" as UTF-16LE: c\x00m\x00d\x00
	set := RuleSet{Rules: []Rule{{
		ID:        "wide",
		Atoms:     []Atom{{ID: "a", Pattern: "cmd", Wide: true}},
		Condition: "a",
	}}}
	c := Compile(set)
	if got := evalAll(t, c, []byte("x\x00c\x00m\x00d\x00y")); len(got) != 1 {
		t.Errorf("wide atom should match UTF-16LE encoding, got %v", got)
	}
	if got := evalAll(t, c, []byte("plain cmd here")); len(got) != 1 {
		t.Errorf("wide atom should still match the plain encoding, got %v", got)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	set := RuleSet{Rules: []Rule{
		{ID: "z-rule", Atoms: []Atom{{ID: "a", Pattern: "foo"}}, Condition: "a"},
		{ID: "a-rule", Atoms: []Atom{{ID: "a", Pattern: "foo"}}, Condition: "a"},
		{ID: "m-rule", Atoms: []Atom{{ID: "a", Pattern: "bar"}}, Condition: "all of them"},
	}}
	c := Compile(set)
	data := []byte("foo bar foo")

	first := evalAll(t, c, data)
	for i := 0; i < 10; i++ {
		if got := evalAll(t, c, data); !reflect.DeepEqual(got, first) {
			t.Fatalf("evaluation not deterministic: %v vs %v", got, first)
		}
	}
	want := []string{"a-rule", "m-rule", "z-rule"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("expected sorted rule IDs %v, got %v", want, first)
	}
}

func TestEvaluate_Canceled(t *testing.T) {
	set := RuleSet{Rules: []Rule{{ID: "r", Atoms: []Atom{{ID: "a", Pattern: "zzz"}}, Condition: "a"}}}
	c := Compile(set)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	data := make([]byte, 1<<16)
	if _, err := c.Evaluate(ctx, data, 1024); err == nil {
		t.Error("canceled context should abort evaluation")
	}
}

func TestEngine_Swap_HotReload(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	e.Swap(Compile(RuleSet{Rules: []Rule{
		{ID: "old", Atoms: []Atom{{ID: "a", Pattern: "marker"}}, Condition: "a"},
	}}))
	if got, _ := e.Evaluate(context.Background(), []byte("marker"), 0); len(got) != 1 || got[0] != "old" {
		t.Fatalf("old ruleset should match, got %v", got)
	}

	e.Swap(Compile(RuleSet{Rules: []Rule{
		{ID: "new", Atoms: []Atom{{ID: "a", Pattern: "marker"}}, Condition: "a"},
	}}))
	if got, _ := e.Evaluate(context.Background(), []byte("marker"), 0); len(got) != 1 || got[0] != "new" {
		t.Errorf("new ruleset should be live after swap, got %v", got)
	}
}

func TestCompiledRules_Meta(t *testing.T) {
	set := RuleSet{Rules: []Rule{{
		ID:       "meta",
		Author:   "sig-team",
		Severity: core.SeverityCritical,
		Tags:     []string{"ransomware"},
		Atoms:    []Atom{{ID: "a", Pattern: "x"}},
		Condition: "a",
	}}}
	c := Compile(set)
	meta, ok := c.Meta("meta")
	if !ok {
		t.Fatal("Meta should find compiled rule")
	}
	if meta.Severity != core.SeverityCritical || meta.Author != "sig-team" {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if _, ok := c.Meta("absent"); ok {
		t.Error("Meta should miss unknown rule")
	}
}

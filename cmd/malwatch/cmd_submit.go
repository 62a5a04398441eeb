package main

// ---------------------------------------------------------------------------
// cmd_submit.go — one-shot in-process analysis of a single file
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
	"github.com/malwatch-project/malwatch/internal/engine"
	"github.com/malwatch-project/malwatch/internal/intel"
	"github.com/malwatch-project/malwatch/internal/pipeline"
	"github.com/malwatch-project/malwatch/internal/queue"
	"github.com/malwatch-project/malwatch/internal/rules"
	"github.com/malwatch-project/malwatch/internal/sandbox"
	"github.com/malwatch-project/malwatch/internal/store"
)

// consoleReporter prints reports and audit events instead of publishing
// them to NATS; the one-shot path has no bus.
type consoleReporter struct {
	jsonOut bool
	printed bool
}

func (r *consoleReporter) PublishReport(report *core.Report) error {
	r.printed = true
	if r.jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	verdict := report.Verdict.String()
	switch report.Verdict {
	case core.VerdictMalicious:
		verdict = red(verdict)
	case core.VerdictSuspicious:
		verdict = yellow(verdict)
	case core.VerdictBenign:
		verdict = green(verdict)
	}
	fmt.Printf("\n%s  %s\n", bold("verdict"), verdict)
	fmt.Printf("%s    %.2f\n", bold("score"), report.Score)
	fmt.Printf("%s   %s\n", bold("format"), report.Format)
	fmt.Printf("%s   %s\n", bold("sample"), report.SampleID)
	if len(report.Rules) > 0 {
		fmt.Printf("\n%s\n", bold("MATCHED RULES"))
		for _, m := range report.Rules {
			fmt.Printf("  %-30s %s\n", m.RuleID, dim(m.Severity.String()))
		}
	}
	if len(report.IOCs) > 0 {
		fmt.Printf("\n%s\n", bold("CORRELATED IOCS"))
		for _, m := range report.IOCs {
			fmt.Printf("  %-8s %-40s conf %.2f  %s\n", m.Type, m.Value, m.Confidence, dim(fmt.Sprint(m.Sources)))
		}
	}
	if len(report.StageNotes) > 0 {
		fmt.Printf("\n%s\n", bold("STAGES"))
		for _, n := range report.StageNotes {
			fmt.Printf("  %-10s %-8s %s\n", n.Stage, n.Outcome, dim(n.Detail))
		}
	}
	fmt.Println()
	return nil
}

func (r *consoleReporter) PublishAudit(ev *core.AuditEvent) error {
	warnf("audit [%s] %s", ev.Kind, ev.Summary)
	return nil
}

func cmdSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	tenantID := fs.String("tenant", "default", "Tenant to submit as")
	force := fs.Bool("force", false, "Re-analyze even when a cached verdict exists")
	timeout := fs.Duration("timeout", 5*time.Minute, "Wait budget for the verdict")
	jsonOut := fs.Bool("json", false, "Print the full report as JSON")
	fs.Parse(args)

	if fs.NArg() < 1 {
		errorf("submit requires a file argument")
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		errorf("reading %s: %v", path, err)
	}

	*configPath = envConfig(*configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	cfg.Store.InMemory = true
	if *jsonOut {
		cfg.Logging.Level = "error"
	}

	logger := engine.NewLogger(cfg)

	ruleEngine := rules.NewEngine(logger)
	if err := ruleEngine.LoadFromPaths(cfg.Rules.Paths); err != nil {
		warnf("rule load: %v", err)
	}

	index := intel.NewIndex(cfg.Intel.Shards, nil, logger)
	refresher, err := intel.NewRefresher(cfg.Intel, index, logger)
	if err != nil {
		errorf("configuring feeds: %v", err)
	}
	refresher.RefreshAll()

	reporter := &consoleReporter{jsonOut: *jsonOut}
	st := store.NewMemoryStore()
	qm := queue.NewManager(cfg.Queue, logger)
	sb := sandbox.NewController(cfg.Sandbox, &sandbox.ScriptedProvider{}, func(ev *core.AuditEvent) {
		_ = reporter.PublishAudit(ev)
	}, logger)

	orch := pipeline.NewOrchestrator(cfg, st, qm, ruleEngine, sb, index, reporter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qm.Start(ctx)
	orch.Start(ctx)
	defer func() {
		orch.Stop()
		qm.Stop()
		sb.Shutdown()
	}()

	sample, err := orch.Submit(ctx, envTenant(*tenantID), content, "", pipeline.SubmitOptions{Force: *force})
	if err != nil {
		errorf("submitting sample: %v", err)
	}

	final, err := orch.Await(sample.TenantID, sample.ID, *timeout)
	if err != nil {
		errorf("awaiting verdict: %v", err)
	}
	if final.State == core.StateFailed {
		errorf("analysis failed: see stage notes")
	}

	// A dedup hit returns the stored verdict without running the pipeline,
	// so no report was published. Render one from the cached sample.
	if !reporter.printed {
		fmt.Println(dim("cached verdict (identical content already analyzed)"))
		_ = reporter.PublishReport(core.NewReport(final))
	}
}

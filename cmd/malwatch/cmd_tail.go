package main

// ---------------------------------------------------------------------------
// cmd_tail.go — follow published reports (and audit events) on the bus
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/malwatch-project/malwatch/internal/bus"
	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
	"github.com/malwatch-project/malwatch/internal/engine"
)

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	withAudit := fs.Bool("audit", false, "Also follow audit events")
	jsonOut := fs.Bool("json", false, "Print raw JSON instead of formatted lines")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	cfg.Logging.Level = "error"
	logger := engine.NewLogger(cfg)

	// The running node owns the embedded server; tail only connects to it.
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.URL = fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)
		busCfg.Embedded = false
	}

	b, err := bus.NewReportBus(busCfg, logger)
	if err != nil {
		errorf("connecting to bus: %v", err)
	}
	defer b.Close()
	if !b.IsConnected() {
		warnf("bus at %s not reachable yet, waiting for connection", busCfg.URL)
	}

	if err := b.SubscribeToReports(func(report *core.Report) {
		fmt.Println(formatReportLine(report, *jsonOut))
	}); err != nil {
		errorf("subscribing to reports: %v", err)
	}

	if *withAudit {
		err := b.Subscribe("mw.audit.>", "malwatch-audit-tail", func(msg *nats.Msg) {
			ev, err := core.UnmarshalAuditEvent(msg.Data)
			if err != nil {
				warnf("bad audit event: %v", err)
				_ = msg.Nak()
				return
			}
			fmt.Println(formatAuditLine(ev, *jsonOut))
			_ = msg.Ack()
		})
		if err != nil {
			errorf("subscribing to audit events: %v", err)
		}
	}

	fmt.Fprintln(os.Stderr, dim("following reports, ctrl-c to stop"))
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	m := b.GetMetrics()
	fmt.Fprintf(os.Stderr, "\n%s %d messages acked, %d naked\n",
		dim("session:"), m["messages_acked"], m["messages_naked"])
}

func formatReportLine(r *core.Report, jsonOut bool) string {
	if jsonOut {
		data, _ := json.Marshal(r)
		return string(data)
	}
	verdict := r.Verdict.String()
	switch r.Verdict {
	case core.VerdictMalicious:
		verdict = red(verdict)
	case core.VerdictSuspicious:
		verdict = yellow(verdict)
	case core.VerdictBenign:
		verdict = green(verdict)
	}
	return fmt.Sprintf("%s  %-12s %-10s score %.2f  rules %d  iocs %d  %s",
		r.GeneratedAt.Format("15:04:05"), verdict, r.TenantID,
		r.Score, len(r.Rules), len(r.IOCs), dim(r.SampleID))
}

func formatAuditLine(ev *core.AuditEvent, jsonOut bool) string {
	if jsonOut {
		data, _ := json.Marshal(ev)
		return string(data)
	}
	return fmt.Sprintf("%s  %s %-20s %s",
		ev.Timestamp.Format("15:04:05"), yellow("audit"), ev.Kind, ev.Summary)
}

package main

// ---------------------------------------------------------------------------
// banner.go — banner, version/usage printing, per-command help
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	banner := `
    ╔════════════════════════════════════════════════════╗
    ║                                                    ║
    ║    ███╗   ███╗ ██╗    ██╗  MALWATCH                ║
    ║    ████╗ ████║ ██║    ██║                          ║
    ║    ██╔████╔██║ ██║ █╗ ██║  analysis orchestration  ║
    ║    ██║╚██╔╝██║ ██║███╗██║  & intel correlation     ║
    ║    ██║ ╚═╝ ██║ ╚███╔███╔╝                          ║
    ║    ╚═╝     ╚═╝  ╚══╝╚══╝                           ║
    ║                                                    ║
    ╚════════════════════════════════════════════════════╝
`
	if !colorEnabled() {
		return banner
	}
	return "\033[36m" + banner + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "malwatch v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  malwatch <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("up"), "Start the malwatch engine (bus, queues, workers, feeds)")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("submit"), "Run a one-shot in-process analysis of a file")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("tail"), "Follow reports published by a running engine")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("rules"), "Compile and lint signature rule files")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("config"), "Show or validate effective configuration")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("init"), "Generate a starter configuration file")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-22s  %s\n", "--config <path>", "Config file path (default: configs/default.yaml, env: MALWATCH_CONFIG)")
	fmt.Fprintf(w, "  %-22s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-22s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Start with defaults"))
	fmt.Fprintf(w, "  malwatch up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Analyze a file for a tenant and print the verdict"))
	fmt.Fprintf(w, "  malwatch submit --tenant acme ./dropper.exe\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Lint rules before deploying"))
	fmt.Fprintf(w, "  malwatch rules lint ./rules\n\n")
}

func cmdHelp(cmd string) {
	switch cmd {
	case "up":
		fmt.Println("Usage: malwatch up [--config path] [--log-level level] [--dry-run] [--quiet] [--no-color]")
		fmt.Println()
		fmt.Println("Starts the engine: report bus, sample store, rule engine, stage queues,")
		fmt.Println("sandbox controller, intel feeds and pipeline workers. Runs until SIGINT/SIGTERM.")
		fmt.Println("SIGHUP reloads runtime-tunable config and the rule set when reload_on_hup is set.")
	case "submit":
		fmt.Println("Usage: malwatch submit [--config path] [--tenant id] [--force] [--timeout dur] [--json] <file>")
		fmt.Println()
		fmt.Println("Analyzes one file in-process with an in-memory store and a scripted sandbox,")
		fmt.Println("then prints the verdict. --force re-analyzes even when the fingerprint is cached.")
	case "tail":
		fmt.Println("Usage: malwatch tail [--config path] [--audit] [--json]")
		fmt.Println()
		fmt.Println("Connects to the running engine's bus and streams finalized reports as they")
		fmt.Println("are published. --audit also streams audit events, --json prints raw JSON.")
	case "rules":
		fmt.Println("Usage: malwatch rules lint [--config path] [path ...]")
		fmt.Println()
		fmt.Println("Compiles rule files and reports per-rule warnings. Exits non-zero when any")
		fmt.Println("rule is skipped by the compiler.")
	case "config":
		fmt.Println("Usage: malwatch config show|validate [--config path]")
	case "init":
		fmt.Println("Usage: malwatch init [--output path] [--force]")
	default:
		printUsage(os.Stdout)
	}
}

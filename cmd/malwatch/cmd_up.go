package main

// ---------------------------------------------------------------------------
// cmd_up.go — start the malwatch engine
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/engine"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	dryRun := fs.Bool("dry-run", false, "Validate config and rules, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if *dryRun {
		if err := cfg.Validate(); err != nil {
			errorf("config invalid: %v", err)
		}
		fmt.Println(green("✓") + " configuration valid")
		os.Exit(0)
	}

	if !*quiet {
		fmt.Print(bannerText())
		fmt.Printf("  %s\n\n", dim("v"+version))
	}

	eng, err := engine.NewEngine(cfg, *configPath, nil)
	if err != nil {
		errorf("initializing engine: %v", err)
	}

	if err := eng.Run(); err != nil {
		errorf("engine: %v", err)
	}
}

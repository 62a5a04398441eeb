package main

// ---------------------------------------------------------------------------
// cmd_rules.go — compile and lint signature rule files
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/rules"
)

func cmdRules(args []string) {
	if len(args) < 1 || args[0] != "lint" {
		cmdHelp("rules")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("rules lint", flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	fs.Parse(args[1:])

	paths := fs.Args()
	if len(paths) == 0 {
		cfg, err := config.LoadConfig(envConfig(*configPath))
		if err != nil {
			errorf("loading config: %v", err)
		}
		paths = cfg.Rules.Paths
	}

	set, err := rules.LoadRuleFiles(paths)
	if err != nil {
		errorf("loading rules: %v", err)
	}

	compiled := rules.Compile(set)
	fmt.Printf("%d rules loaded, %d compiled\n", len(set.Rules), compiled.Len())

	if len(compiled.Warnings) == 0 {
		fmt.Println(green("✓") + " no warnings")
		return
	}
	for _, w := range compiled.Warnings {
		fmt.Printf("%s %-30s %s\n", yellow("warn:"), w.RuleID, w.Reason)
	}
	os.Exit(1)
}

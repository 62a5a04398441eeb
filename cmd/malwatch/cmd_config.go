package main

// ---------------------------------------------------------------------------
// cmd_config.go — show/validate configuration, generate a starter file
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/malwatch-project/malwatch/internal/config"
)

func cmdConfig(args []string) {
	if len(args) < 1 {
		cmdHelp("config")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	configPath := fs.String("config", "configs/default.yaml", "Config file path")
	fs.Parse(args[1:])
	*configPath = envConfig(*configPath)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		errorf("loading config: %v", err)
	}

	switch sub {
	case "show":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			errorf("marshaling config: %v", err)
		}
		fmt.Print(string(data))
	case "validate":
		if err := cfg.Validate(); err != nil {
			errorf("config invalid: %v", err)
		}
		fmt.Println(green("✓") + " configuration valid")
	default:
		cmdHelp("config")
		os.Exit(1)
	}
}

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", "configs/default.yaml", "Where to write the starter config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		errorf("%s already exists (use --force to overwrite)", *output)
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			errorf("creating %s: %v", dir, err)
		}
	}

	if err := config.SaveConfig(config.DefaultConfig(), *output); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Printf("%s wrote starter config to %s\n", green("✓"), *output)
}

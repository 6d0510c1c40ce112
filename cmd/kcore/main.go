// Command kcore drives the storage core end to end: write a default
// kcore.json, print the effective configuration, or run one of the named demonstration
// scenarios (S1-S6) that exercise the page allocator, buffer cache, and
// write-ahead log together the way a real caller would.
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kcore/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kcore:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmd, rest := args[0], args[1:]

	switch cmd {
	case "stat":
		return cmdStat(rest)
	case "init":
		return cmdInit(rest)
	case "scenario":
		return cmdScenario(rest)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try: stat, init, scenario, help)", cmd)
	}
}

func printUsage() {
	fmt.Println(`kcore - storage core driver

Usage:
  kcore stat [flags]          print the effective configuration
  kcore init [flags]          write a kcore.json with the default configuration
  kcore scenario <name>       run a named scenario (s1..s6, all)
  kcore help                  show this message`)
}

func cmdInit(args []string) error {
	fset := flag.NewFlagSet("init", flag.ContinueOnError)
	workDir := fset.String("dir", ".", "directory to write kcore.json in")
	if err := fset.Parse(args); err != nil {
		return err
	}

	path := *workDir + string(os.PathSeparator) + config.ConfigFileName

	if err := config.Save(path, config.Default()); err != nil {
		return err
	}

	fmt.Println("wrote", path)

	return nil
}

func cmdStat(args []string) error {
	fset := flag.NewFlagSet("stat", flag.ContinueOnError)
	workDir := fset.String("dir", ".", "directory to look for kcore.json in")
	if err := fset.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*workDir, "", config.Config{})
	if err != nil {
		return err
	}

	out, err := config.Format(cfg)
	if err != nil {
		return err
	}

	fmt.Println(out)

	return nil
}

func cmdScenario(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("scenario: expected a name (s1..s6, all)")
	}

	fset := flag.NewFlagSet("scenario", flag.ContinueOnError)
	dir := fset.String("disk-dir", "", "directory to create the scenario's disk image in (default: a temp dir)")
	if err := fset.Parse(args[1:]); err != nil {
		return err
	}

	name := args[0]

	workDir := *dir
	if workDir == "" {
		d, err := os.MkdirTemp("", "kcore-scenario-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(d)
		workDir = d
	}

	ctx := context.Background()

	if name == "all" {
		for _, n := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
			if err := runScenario(ctx, n, workDir); err != nil {
				return fmt.Errorf("%s: %w", n, err)
			}
		}
		return nil
	}

	return runScenario(ctx, name, workDir)
}

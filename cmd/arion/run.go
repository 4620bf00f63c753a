package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"

	"github.com/arion-emu/arion/pkg/abiinfo"
	"github.com/arion-emu/arion/pkg/loader"
	"github.com/arion-emu/arion/pkg/process"
)

// runCmd implements "run": construct a process from a file-backed or
// baremetal descriptor and drive it to completion, the same loop
// pkg/process's own §4.9 description assigns to a Group's owner.
type runCmd struct {
	configPath string
	fsRoot     string
	cwd        string
	baremetal  string
	arch       string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run a guest program to completion" }
func (*runCmd) Usage() string {
	return "run [flags] <program> [args...]\n"
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&c.fsRoot, "fs-root", "/", "guest filesystem sandbox root")
	f.StringVar(&c.cwd, "cwd", "/", "initial guest working directory")
	f.StringVar(&c.baremetal, "baremetal", "", "path to a raw shellcode file to run instead of an ELF binary")
	f.StringVar(&c.arch, "arch", "x86_64", "guest architecture for -baremetal (x86, x86_64, arm, arm64, ppc32)")
}

func (c *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println("arion: config:", err)
		return subcommands.ExitFailure
	}
	cfg.FSRoot = c.fsRoot
	cfg.Cwd = c.cwd
	log := loggerFor(cfg)

	group := process.NewGroup(log)

	if c.baremetal != "" {
		arch, err := parseArch(c.arch)
		if err != nil {
			fmt.Println("arion:", err)
			return subcommands.ExitUsageError
		}
		code, err := readFile(c.baremetal)
		if err != nil {
			fmt.Println("arion:", err)
			return subcommands.ExitFailure
		}
		desc := loader.Descriptor{CPUArch: arch, WordSizeBits: wordSizeBitsFor(arch), RawCode: code, SetupMemory: true}
		if _, err := loader.NewBaremetalProcess(group, desc, cfg.FSRoot, cfg.Env, cfg.Cwd, cfg, log); err != nil {
			fmt.Println("arion:", err)
			return subcommands.ExitFailure
		}
	} else {
		if f.NArg() == 0 {
			f.Usage()
			return subcommands.ExitUsageError
		}
		argv := f.Args()
		if _, err := loader.NewELFProcess(group, argv, cfg.FSRoot, cfg.Env, cfg.Cwd, cfg, log); err != nil {
			fmt.Println("arion:", err)
			return subcommands.ExitFailure
		}
	}

	for group.Count() > 0 {
		if err := group.Run(); err != nil {
			fmt.Println("arion: run:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

func parseArch(name string) (abiinfo.CPUArch, error) {
	switch strings.ToLower(name) {
	case "x86":
		return abiinfo.X86, nil
	case "x86_64", "x86-64", "amd64":
		return abiinfo.X86_64, nil
	case "arm":
		return abiinfo.ARM, nil
	case "arm64", "aarch64":
		return abiinfo.ARM64, nil
	case "ppc32", "ppc":
		return abiinfo.PPC32, nil
	default:
		return 0, fmt.Errorf("unknown -arch %q", name)
	}
}

func wordSizeBitsFor(arch abiinfo.CPUArch) int {
	if arch == abiinfo.X86_64 || arch == abiinfo.ARM64 {
		return 64
	}
	return 32
}

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/arion-emu/arion/pkg/fdtable"
	"github.com/arion-emu/arion/pkg/loader"
	"github.com/arion-emu/arion/pkg/process"
	"github.com/arion-emu/arion/pkg/snapshot"
)

// restoreCmd implements "restore": bootstraps an empty process of the
// given architecture, reinstalls its syscall-trap wiring, then replays a
// context file into it and resumes the run loop -- the CLI-facing half of
// §8's "context.save_to_file(p); new_process.restore_from_file(p)
// reproduces the same state up to pid/pgid" round-trip law.
type restoreCmd struct {
	configPath string
	fsRoot     string
	cwd        string
	arch       string
	file       string
}

func (*restoreCmd) Name() string     { return "restore" }
func (*restoreCmd) Synopsis() string { return "restore a context file into a fresh process and resume" }
func (*restoreCmd) Usage() string {
	return "restore -arch <arch> -file <path> [flags]\n"
}

func (c *restoreCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&c.fsRoot, "fs-root", "/", "guest filesystem sandbox root")
	f.StringVar(&c.cwd, "cwd", "/", "initial guest working directory")
	f.StringVar(&c.arch, "arch", "x86_64", "guest architecture the context file was captured from")
	f.StringVar(&c.file, "file", "arion.ctx", "context file to restore")
}

func (c *restoreCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println("arion: config:", err)
		return subcommands.ExitFailure
	}
	cfg.FSRoot = c.fsRoot
	cfg.Cwd = c.cwd
	log := loggerFor(cfg)

	arch, err := parseArch(c.arch)
	if err != nil {
		fmt.Println("arion:", err)
		return subcommands.ExitUsageError
	}

	ctx, err := snapshot.RestoreFromFile(c.file)
	if err != nil {
		fmt.Println("arion: restore:", err)
		return subcommands.ExitFailure
	}

	group := process.NewGroup(log)
	sandbox := &fdtable.Sandbox{FSRoot: cfg.FSRoot, Cwd: cfg.Cwd}
	p, err := process.NewBootstrapped(process.Identity{}, group, log, arch, sandbox, cfg.ThreadBlockingIO)
	if err != nil {
		fmt.Println("arion:", err)
		return subcommands.ExitFailure
	}
	sandbox.Pid = p.Pid()

	if err := loader.SetupSyscallTrap(p); err != nil {
		fmt.Println("arion:", err)
		return subcommands.ExitFailure
	}
	if err := snapshot.RestoreFull(sourcesFor(p), ctx); err != nil {
		fmt.Println("arion: restore:", err)
		return subcommands.ExitFailure
	}
	group.AddProcess(p)
	sandbox.Pid = p.Pid()

	for group.Count() > 0 {
		if err := group.Run(); err != nil {
			fmt.Println("arion: run:", err)
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

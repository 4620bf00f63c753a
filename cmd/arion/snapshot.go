package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/arion-emu/arion/pkg/loader"
	"github.com/arion-emu/arion/pkg/process"
	"github.com/arion-emu/arion/pkg/snapshot"
)

// snapshotCmd implements "snapshot": runs a program for a bounded number
// of rounds, then writes its full context to file, exercising the §6
// ARION_CONTEXT file format client-side the way a GDB stub or fuzzing
// harness checkpointing between iterations would.
type snapshotCmd struct {
	configPath string
	fsRoot     string
	cwd        string
	rounds     int
	out        string
}

func (*snapshotCmd) Name() string     { return "snapshot" }
func (*snapshotCmd) Synopsis() string { return "run a program then save its context to file" }
func (*snapshotCmd) Usage() string {
	return "snapshot [flags] <program> [args...]\n"
}

func (c *snapshotCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML config file")
	f.StringVar(&c.fsRoot, "fs-root", "/", "guest filesystem sandbox root")
	f.StringVar(&c.cwd, "cwd", "/", "initial guest working directory")
	f.IntVar(&c.rounds, "rounds", 1, "number of scheduler rounds to run before snapshotting")
	f.StringVar(&c.out, "out", "arion.ctx", "context file to write")
}

func (c *snapshotCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		fmt.Println("arion: config:", err)
		return subcommands.ExitFailure
	}
	cfg.FSRoot = c.fsRoot
	cfg.Cwd = c.cwd
	log := loggerFor(cfg)

	group := process.NewGroup(log)
	p, err := loader.NewELFProcess(group, f.Args(), cfg.FSRoot, cfg.Env, cfg.Cwd, cfg, log)
	if err != nil {
		fmt.Println("arion:", err)
		return subcommands.ExitFailure
	}

	for i := 0; i < c.rounds && group.Count() > 0; i++ {
		if err := group.Run(); err != nil {
			fmt.Println("arion: run:", err)
			return subcommands.ExitFailure
		}
	}
	if group.Count() == 0 {
		fmt.Println("arion: process exited before the requested round count; nothing to snapshot")
		return subcommands.ExitFailure
	}

	ctx, err := snapshot.Save(sourcesFor(p))
	if err != nil {
		fmt.Println("arion: snapshot:", err)
		return subcommands.ExitFailure
	}
	if err := snapshot.SaveToFile(c.out, ctx); err != nil {
		fmt.Println("arion: snapshot:", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("arion: wrote context to %s\n", c.out)
	return subcommands.ExitSuccess
}

// sourcesFor adapts a live Process's exported managers into the narrow
// snapshot.Sources bundle Save/RestoreFull drive.
func sourcesFor(p *process.Process) *snapshot.Sources {
	return &snapshot.Sources{
		ABI:            p.ABI,
		Mem:            p.Mem,
		Threads:        p.Threads,
		FDs:            p.FDs,
		Engine:         p.Engine,
		ArmTrapsMapped: p.ArmTrapsMapped,
	}
}

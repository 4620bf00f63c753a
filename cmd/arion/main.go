// Binary arion is a thin command-line front end over the emulation
// runtime in pkg/process: it parses program arguments/config the way a
// host tool must, but contains no emulation logic of its own -- every
// command here is a client of the core, matching §1's framing of
// everything outside the runtime itself as an external collaborator.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/arion-emu/arion/pkg/config"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&traceCmd{}, "")
	subcommands.Register(&snapshotCmd{}, "")
	subcommands.Register(&restoreCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig reads cfgPath via pkg/config if set, else returns the
// built-in default (§6 "log_lvl" / "thread_blocking_io" options).
func loadConfig(cfgPath string) (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.LoadFile(cfgPath)
}

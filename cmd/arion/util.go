package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/arion-emu/arion/pkg/config"
)

// loggerFor builds the shared logrus logger every subcommand drives the
// core with, honoring the resolved config's log_lvl option.
func loggerFor(cfg config.Config) *logrus.Logger {
	return config.NewLogger(cfg.LogLvl)
}

// readFile is the one host filesystem read every subcommand needs for
// inputs that live outside the guest sandbox (shellcode files, context
// files) rather than inside fs_root.
func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

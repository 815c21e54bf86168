package main

import (
	"io"
	"os"

	"overseer/internal/config"
)

type commandRunner interface {
	Run(args []string) error
}

type commandWiring struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
	version    string
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:     stdout,
		stderr:     stderr,
		loadConfig: config.Load,
		version:    buildVersion(),
	}
}

func buildCommands(wiring commandWiring) map[string]commandRunner {
	return map[string]commandRunner{
		"ui":     NewUICommand(wiring.stderr, wiring.loadConfig, wiring.version),
		"watch":  NewWatchCommand(wiring.stdout, wiring.stderr, wiring.loadConfig),
		"status": NewStatusCommand(wiring.stdout, wiring.stderr, wiring.loadConfig),
		"config": NewConfigCommand(wiring.stdout, wiring.stderr, wiring.loadConfig),
	}
}

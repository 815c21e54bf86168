package main

import (
	"fmt"
	"os"
)

const usageText = `overseer is a terminal console for an agent backend.

Usage:
  overseer <command> [flags]

Commands:
  ui       run the interactive console
  watch    stream session activity to stdout
  status   show known sessions and their last status
  config   print configuration (effective or defaults)
  help     show help

Flags:
  -h, --help   show help

Examples:
  overseer ui --directory ~/src/project
  overseer watch --directory ~/src/project
  overseer status --live
  overseer config --format toml
`

func printUsage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}

	wiring := defaultCommandWiring(os.Stdout, os.Stderr)
	commands := buildCommands(wiring)

	switch args[0] {
	case "-h", "--help", "help":
		printUsage()
		return
	}

	runner, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
	exitOnErr(args[0], runner.Run(args[1:]), wiring.stderr)
}

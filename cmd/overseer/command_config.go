package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml/v2"

	"overseer/internal/config"
)

type ConfigCommand struct {
	stdout     io.Writer
	stderr     io.Writer
	loadConfig func() (config.Config, error)
}

func NewConfigCommand(stdout, stderr io.Writer, loadConfig func() (config.Config, error)) *ConfigCommand {
	return &ConfigCommand{stdout: stdout, stderr: stderr, loadConfig: loadConfig}
}

type configOutput struct {
	ConfigPath string        `json:"config_path" toml:"config_path"`
	DBPath     string        `json:"db_path" toml:"db_path"`
	Config     config.Config `json:"config" toml:"config"`
}

func (c *ConfigCommand) Run(args []string) error {
	flags := flag.NewFlagSet("config", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	format := flags.String("format", "toml", "output format: toml or json")
	defaults := flags.Bool("defaults", false, "print the built-in defaults instead of the effective config")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if !*defaults {
		loaded, err := c.loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
	}

	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}
	dbPath, err := config.DBPath()
	if err != nil {
		return err
	}
	out := configOutput{
		ConfigPath: configPath,
		DBPath:     dbPath,
		Config:     cfg,
	}

	switch *format {
	case "json":
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, string(data))
		return nil
	case "toml":
		data, err := toml.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Fprint(c.stdout, string(data))
		return nil
	default:
		return fmt.Errorf("unknown format: %s", *format)
	}
}

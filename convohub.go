package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/convohub/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "convohub",
		Usage:   "Branchable, mergeable conversation history service",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./convohub.toml, then ~/.convohub.toml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading configuration",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.WorkerCommand(),
			cmd.MigrateCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

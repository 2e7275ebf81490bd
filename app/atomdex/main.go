package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/atomswap/go-atomdex/app/cmd"
	"github.com/atomswap/go-atomdex/build"
)

func main() {
	app := &cli.App{
		Name:                 "atomdex",
		Usage:                "Peer-to-peer atomic swap trading node",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    cmd.FlagNodeRepo,
				EnvVars: []string{"ATOMDEX_PATH"},
				Value:   "~/.atomdex",
				Usage:   "Specify atomdex repo path.",
			},
		},

		Commands: cmd.CommonCmd,
	}

	app.Setup()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err) // nolint:errcheck
		os.Exit(1)
	}
}

package cmd

import (
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli/v2"

	logging "github.com/atomswap/go-atomdex/lib/log"
)

var logger = logging.Logger("main")

const FlagNodeRepo = "repo"

var CommonCmd []*cli.Command

func init() {
	CommonCmd = []*cli.Command{
		InitCmd,
		DaemonCmd,
		ConfigCmd,
	}
}

func repoDir(cctx *cli.Context) (string, error) {
	return homedir.Expand(cctx.String(FlagNodeRepo))
}

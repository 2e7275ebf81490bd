package cmd

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/repo"
)

var InitCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize an atomdex repo",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "netname",
			Usage: "gossip network name; topics and protocol ids are namespaced by it",
		},
	},
	Action: func(cctx *cli.Context) error {
		dir, err := repoDir(cctx)
		if err != nil {
			return err
		}

		logger.Infof("initializing repo at '%s'", dir)

		cfg := config.NewDefaultConfig()
		if nn := cctx.String("netname"); nn != "" {
			cfg.Identity.NetName = nn
		}

		if err := repo.Init(dir, cfg); err != nil {
			if errors.Is(err, repo.ErrRepoExists) {
				return errors.Errorf("repo at '%s' is already initialized", dir)
			}
			return err
		}
		return nil
	},
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/atomswap/go-atomdex/config"
)

var ConfigCmd = &cli.Command{
	Name:  "config",
	Usage: "Interact with config",
	Subcommands: []*cli.Command{
		configGetCmd,
		configSetCmd,
	},
}

func configPath(cctx *cli.Context) (string, error) {
	dir, err := repoDir(cctx)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

var configGetCmd = &cli.Command{
	Name:  "get",
	Usage: "Get config key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "key",
			Usage: "The key of the config entry (e.g. \"trade.keepAliveInterval\")",
		},
	},
	Action: func(cctx *cli.Context) error {
		file, err := configPath(cctx)
		if err != nil {
			return err
		}
		cfg, err := config.ReadFile(file)
		if err != nil {
			return err
		}

		key := cctx.String("key")
		var res interface{} = cfg
		if key != "" {
			res, err = cfg.Get(key)
			if err != nil {
				return err
			}
		}

		bs, err := json.MarshalIndent(res, "", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(bs))
		return nil
	},
}

var configSetCmd = &cli.Command{
	Name:  "set",
	Usage: "Set config key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "key",
			Usage: "The key of the config entry (e.g. \"trade.keepAliveInterval\")",
		},
		&cli.StringFlag{
			Name:  "value",
			Usage: "The value with which to set the config entry",
		},
	},
	Action: func(cctx *cli.Context) error {
		key := cctx.String("key")
		if key == "" {
			return errors.New("key is nil")
		}

		file, err := configPath(cctx)
		if err != nil {
			return err
		}
		cfg, err := config.ReadFile(file)
		if err != nil {
			return err
		}

		if err := cfg.Set(key, cctx.String("value")); err != nil {
			return err
		}
		if err := cfg.WriteFile(file); err != nil {
			return err
		}

		res, err := cfg.Get(key)
		if err != nil {
			return err
		}
		bs, err := json.MarshalIndent(res, "", "\t")
		if err != nil {
			return err
		}
		fmt.Println(string(bs))
		return nil
	},
}

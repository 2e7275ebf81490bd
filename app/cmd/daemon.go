package cmd

import (
	"context"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/atomswap/go-atomdex/build"
	logging "github.com/atomswap/go-atomdex/lib/log"
	"github.com/atomswap/go-atomdex/lib/repo"
	"github.com/atomswap/go-atomdex/service/book"
	"github.com/atomswap/go-atomdex/service/ordermatch"
	"github.com/atomswap/go-atomdex/service/peernet"
	"github.com/atomswap/go-atomdex/service/swap"
	"github.com/atomswap/go-atomdex/submodule/network"
)

const (
	swarmPortKwd = "swarm-port"
	logLevelKwd  = "log-level"
)

var DaemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Run a network-connected atomdex node",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  swarmPortKwd,
			Usage: "override the swarm port of every listen address",
		},
		&cli.StringFlag{
			Name:  logLevelKwd,
			Usage: "log level for all subsystems",
			Value: "info",
		},
	},
	Action: func(cctx *cli.Context) error {
		return daemonRun(cctx)
	},
}

func daemonRun(cctx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dir, err := repoDir(cctx)
	if err != nil {
		return err
	}

	logging.SetLevelAll(cctx.String(logLevelKwd))
	logging.SetupFileOutput(filepath.Join(dir, "daemon.log"))

	logger.Infof("atomdex %s starting", build.UserVersion())

	rep, err := repo.Open(dir)
	if err != nil {
		return err
	}
	defer rep.Close()

	cfg := rep.Config()
	if port := cctx.String(swarmPortKwd); port != "" {
		cfg.Net.Addresses = replaceSwarmPort(cfg.Net.Addresses, port)
	}

	ns, err := network.NewNetworkSubmodule(ctx, cfg, rep.Identity(), rep.DhtDatastore())
	if err != nil {
		return err
	}
	defer ns.Stop(context.Background())

	trade := cfg.Trade.Normalized()

	pn, err := peernet.New(ctx, ns, rep.Identity(), int(trade.RequestRateLimit))
	if err != nil {
		return err
	}

	logger.Infof("peer id %s, listening on %v", ns.NetID(), cfg.Net.Addresses)

	// Chain drivers register here; the core itself ships none.
	reg := swap.NewRegistry()

	st := swap.NewEventStore(rep.SwapStore())
	sw := swap.New(ctx, cfg.Identity.NetName, pn, st, reg, trade)
	defer sw.Stop()

	om, err := ordermatch.New(ctx, cfg.Identity.NetName, pn, book.New(), rep.MetaStore(), trade, sw)
	if err != nil {
		return err
	}
	defer om.Stop()

	if err := sw.Resume(ctx); err != nil {
		logger.Errorf("resume unfinished swaps: %s", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// replaceSwarmPort rewrites the port segment after every tcp/udp
// component of the configured multiaddrs.
func replaceSwarmPort(addrs []string, port string) []string {
	changed := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts := strings.Split(addr, "/")
		for i, p := range parts {
			if (p == "tcp" || p == "udp") && i+1 < len(parts) {
				parts[i+1] = port
			}
		}
		changed = append(changed, strings.Join(parts, "/"))
	}
	return changed
}

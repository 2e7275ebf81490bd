package network

import (
	"context"
	"runtime"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/crypto"
	logging "github.com/atomswap/go-atomdex/lib/log"
)

var logger = logging.Logger("network")

// NetworkSubmodule bundles the libp2p pieces every service depends on:
// the host, the dht router, and the gossipsub instance.
type NetworkSubmodule struct { //nolint
	NetworkName string

	Host   host.Host
	Router routing.Routing
	Pubsub *pubsub.PubSub

	Discovery mdns.Service

	ctx context.Context
}

// NewNetworkSubmodule assembles the p2p stack from config.
func NewNetworkSubmodule(ctx context.Context, cfg *config.Config, identity crypto.PrivKey, dhtDS ds.Batching) (*NetworkSubmodule, error) {
	netName := cfg.Identity.NetName

	raw, err := identity.Raw()
	if err != nil {
		return nil, err
	}
	sk, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "identity key is not usable for libp2p")
	}

	bootNodes, err := ParseAddresses(cfg.Bootstrap.Addresses)
	if err != nil {
		return nil, err
	}

	grace, err := time.ParseDuration(cfg.Net.ConnMgr.GracePeriod)
	if err != nil {
		grace = config.DefaultConnMgrGracePeriod
	}
	cm, err := connmgr.NewConnManager(
		cfg.Net.ConnMgr.LowWater,
		cfg.Net.ConnMgr.HighWater,
		connmgr.WithGracePeriod(grace),
	)
	if err != nil {
		return nil, err
	}

	var router routing.Routing
	makeDHT := func(h host.Host) (routing.PeerRouting, error) {
		opts := []dht.Option{
			dht.Mode(dht.ModeAutoServer),
			dht.Datastore(dhtDS),
			dht.ProtocolPrefix(protocol.ID(build.DHTProtocol(netName))),
			dht.BootstrapPeers(bootNodes...),
			dht.DisableProviders(),
			dht.DisableValues(),
		}
		r, err := dht.New(ctx, h, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to setup routing")
		}
		router = r
		return r, nil
	}

	opts := []libp2p.Option{
		libp2p.UserAgent("atomdex"),
		libp2p.Identity(sk),
		libp2p.ListenAddrStrings(cfg.Net.Addresses...),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(makeDHT),
		libp2p.Ping(true),
		libp2p.EnableNATService(),
	}
	if !cfg.Net.DisableNatPortMap {
		opts = append(opts, libp2p.NATPortMap())
	}
	if !cfg.Net.EnableRelay {
		opts = append(opts, libp2p.DisableRelay())
	}

	peerHost, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	// The gossipsub heartbeat timeout needs to be set sufficiently low
	// to enable publishing on first connection.
	pubsubOptions := []pubsub.Option{
		pubsub.WithFloodPublish(true),
		pubsub.WithValidateQueueSize(10 << 10),
		pubsub.WithValidateWorkers(runtime.NumCPU() * 2),
		pubsub.WithValidateThrottle(16 << 10),
		pubsub.WithMessageSigning(true),
	}

	topicdisc, err := TopicDiscovery(ctx, peerHost, router)
	if err != nil {
		return nil, err
	}

	gsub, err := GossipSub(ctx, peerHost, topicdisc, pubsubOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up pubsub")
	}

	ns := &NetworkSubmodule{
		NetworkName: netName,
		Host:        peerHost,
		Router:      router,
		Pubsub:      gsub,
		ctx:         ctx,
	}

	if !cfg.Net.OfflineMode {
		ns.Discovery = SetupDiscovery(peerHost, DiscoveryHandler(ctx, peerHost))
		go ns.bootstrap(ctx, bootNodes)
	}

	return ns, nil
}

// NetID returns the local peer id.
func (ns *NetworkSubmodule) NetID() peer.ID {
	return ns.Host.ID()
}

// Connect dials a peer directly.
func (ns *NetworkSubmodule) Connect(ctx context.Context, pi peer.AddrInfo) error {
	return ns.Host.Connect(ctx, pi)
}

func (ns *NetworkSubmodule) bootstrap(ctx context.Context, nodes []peer.AddrInfo) {
	for _, pi := range nodes {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := ns.Host.Connect(cctx, pi); err != nil {
			logger.Warnf("bootstrap connect %s: %s", pi.ID, err)
		}
		cancel()
	}

	if err := ns.Router.Bootstrap(ctx); err != nil {
		logger.Warnf("dht bootstrap: %s", err)
	}
}

func (ns *NetworkSubmodule) Stop(ctx context.Context) {
	if ns.Discovery != nil {
		if err := ns.Discovery.Close(); err != nil {
			logger.Warnf("error closing discovery: %s", err)
		}
	}
	if err := ns.Host.Close(); err != nil {
		logger.Warnf("error closing host: %s", err)
	}
}

// ParseAddresses resolves multiaddr strings into peer infos.
func ParseAddresses(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		maddr, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, err
		}
		maddrs = append(maddrs, maddr)
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

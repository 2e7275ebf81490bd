package config

import "time"

// DefaultConnMgrHighWater is the default value for the connection managers
// 'high water' mark
const DefaultConnMgrHighWater = 900

// DefaultConnMgrLowWater is the default value for the connection managers
// 'low water' mark
const DefaultConnMgrLowWater = 600

// DefaultConnMgrGracePeriod is the default value for the connection
// managers grace period
const DefaultConnMgrGracePeriod = time.Second * 20

type SwarmConfig struct {
	// addresses for the swarm to listen on
	Addresses []string `json:"addresses"`

	// DisableNatPortMap turns off NAT port mapping (UPnP, etc.).
	DisableNatPortMap bool `json:"disableNatPortmap"`

	// EnableRelay lets the node dial through public relays when it is not
	// reachable from the public internet.
	EnableRelay bool `json:"enableRelay"`

	// OfflineMode skips bootstrap and peer discovery; used by tests.
	OfflineMode bool `json:"offlineMode,omitempty"`

	// ConnMgr configures the connection manager.
	ConnMgr ConnMgr `json:"connMgr"`
}

// ConnMgr defines configuration options for the libp2p connection manager
type ConnMgr struct {
	LowWater    int    `json:"lowWater"`
	HighWater   int    `json:"highWater"`
	GracePeriod string `json:"gracePeriod"`
}

func newDefaultSwarmConfig() SwarmConfig {
	return SwarmConfig{
		Addresses: []string{
			"/ip4/0.0.0.0/tcp/7783",
			"/ip6/::/tcp/7783",
			"/ip4/0.0.0.0/udp/7783/quic-v1",
		},
		EnableRelay: true,
		ConnMgr: ConnMgr{
			LowWater:    DefaultConnMgrLowWater,
			HighWater:   DefaultConnMgrHighWater,
			GracePeriod: DefaultConnMgrGracePeriod.String(),
		},
	}
}

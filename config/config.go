package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// Config is the in-memory representation of the daemon configuration file.
type Config struct {
	Identity  IdentityConfig  `json:"identity"`
	Net       SwarmConfig     `json:"net"`
	Bootstrap BootstrapConfig `json:"bootstrap"`
	Data      StorePathConfig `json:"data"`
	Trade     TradeConfig     `json:"trade"`
}

type IdentityConfig struct {
	// Name shows up in logs; it is never sent to peers.
	Name string `json:"name"`
	// NetName selects the gossip network (topics and protocol ids are
	// namespaced by it).
	NetName string `json:"netName"`
}

func newDefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		NetName: "atomdex",
	}
}

// BootstrapConfig holds all configuration options related to bootstrap nodes
type BootstrapConfig struct {
	Addresses []string `json:"addresses"`
	Period    string   `json:"period"`
}

func newDefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		Addresses: []string{},
		Period:    "30s",
	}
}

type StorePathConfig struct {
	MetaPath string `json:"metaPath"`
	SwapPath string `json:"swapPath"`
}

func newDefaultStorePathConfig() StorePathConfig {
	return StorePathConfig{
		MetaPath: "meta",
		SwapPath: "swaps",
	}
}

// NewDefaultConfig returns a config object with all the fields filled out
// to their default values
func NewDefaultConfig() *Config {
	return &Config{
		Identity:  newDefaultIdentityConfig(),
		Net:       newDefaultSwarmConfig(),
		Bootstrap: newDefaultBootstrapConfig(),
		Data:      newDefaultStorePathConfig(),
		Trade:     newDefaultTradeConfig(),
	}
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close() // nolint: errcheck

	configString, err := json.MarshalIndent(*cfg, "", "\t")
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(f, string(configString))
	return err
}

// ReadFile reads a config file from disk.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	rawConfig, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(rawConfig) == 0 {
		return cfg, nil
	}

	err = json.Unmarshal(rawConfig, cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

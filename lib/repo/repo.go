package repo

import (
	"io/ioutil"
	"os"
	"path/filepath"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/backend/kv"
	"github.com/atomswap/go-atomdex/lib/crypto"
)

const (
	configFilename = "config.json"
	keyFilename    = "identity.key"
)

var ErrRepoExists = errors.New("repo already initialized")

// Repo is all persistent node state under one directory: config, identity
// key, the meta kv store, and the swap event store.
type Repo struct {
	path string
	cfg  *config.Config
	key  crypto.PrivKey

	meta *kv.BadgerStore
	swap *kv.BadgerStore

	dhtDS ds.Batching
}

// Init creates a repo at path with a fresh identity keypair.
func Init(path string, cfg *config.Config) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	cfgFile := filepath.Join(path, configFilename)
	if _, err := os.Stat(cfgFile); err == nil {
		return ErrRepoExists
	}

	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.WriteFile(cfgFile); err != nil {
		return err
	}

	sk, _, err := crypto.GenerateKey(crypto.Secp256k1)
	if err != nil {
		return err
	}
	raw, err := crypto.Serialize(sk)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(filepath.Join(path, keyFilename), raw, 0600)
}

// Open loads an initialized repo.
func Open(path string) (*Repo, error) {
	cfg, err := config.ReadFile(filepath.Join(path, configFilename))
	if err != nil {
		return nil, errors.Wrap(err, "repo is not initialized")
	}

	raw, err := ioutil.ReadFile(filepath.Join(path, keyFilename))
	if err != nil {
		return nil, errors.Wrap(err, "identity key missing")
	}
	sk, _, err := crypto.Deserialize(raw)
	if err != nil {
		return nil, err
	}

	meta, err := kv.NewBadgerStore(filepath.Join(path, cfg.Data.MetaPath), nil)
	if err != nil {
		return nil, err
	}

	swap, err := kv.NewBadgerStore(filepath.Join(path, cfg.Data.SwapPath), nil)
	if err != nil {
		meta.Close()
		return nil, err
	}

	return &Repo{
		path:  path,
		cfg:   cfg,
		key:   sk,
		meta:  meta,
		swap:  swap,
		dhtDS: dssync.MutexWrap(ds.NewMapDatastore()),
	}, nil
}

func (r *Repo) Path() string { return r.path }

func (r *Repo) Config() *config.Config { return r.cfg }

// Identity returns the node's long-term signing key.
func (r *Repo) Identity() crypto.PrivKey { return r.key }

// MetaStore holds orders and book state.
func (r *Repo) MetaStore() kv.KVStore { return r.meta }

// SwapStore holds the append-only swap event logs.
func (r *Repo) SwapStore() kv.KVStore { return r.swap }

// DhtDatastore backs the kad dht routing table.
func (r *Repo) DhtDatastore() ds.Batching { return r.dhtDS }

func (r *Repo) Close() error {
	err := r.meta.Close()
	if err2 := r.swap.Close(); err == nil {
		err = err2
	}
	return err
}

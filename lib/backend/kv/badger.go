package kv

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"go.uber.org/zap"

	logging "github.com/atomswap/go-atomdex/lib/log"
)

var log = logging.Logger("badger")

var ErrClosed = errors.New("datastore closed")

type compatLogger struct {
	*zap.SugaredLogger
}

// for compatibility with the badger logger interface
func (l *compatLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

var _ KVStore = (*BadgerStore)(nil)

// BadgerStore wraps a badger db with a periodic value-log GC loop. Writes
// go through SyncWrites so an append is durable once Put returns; the swap
// event store relies on that.
type BadgerStore struct {
	db *badger.DB

	closeLk   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closing   chan struct{}

	gcDiscardRatio float64
	gcSleep        time.Duration
	gcInterval     time.Duration
}

// Options for the badger store.
type Options struct {
	// GcDiscardRatio is passed to RunValueLogGC.
	GcDiscardRatio float64

	// GcInterval between GC cycles; zero disables automatic GC.
	GcInterval time.Duration

	// GcSleep between rounds of a single GC cycle; zero means one round
	// per cycle.
	GcSleep time.Duration

	badger.Options
}

// DefaultOptions are the default options for the badger store.
var DefaultOptions Options

func init() {
	DefaultOptions = Options{
		GcDiscardRatio: 0.5,
		GcInterval:     15 * time.Minute,
		GcSleep:        10 * time.Second,
		Options:        badger.DefaultOptions(""),
	}
	DefaultOptions.Options.CompactL0OnClose = false
	DefaultOptions.Options.SyncWrites = true
}

// NewBadgerStore opens (or creates) a store at path.
//
// DO NOT set the Dir and/or ValueDir fields of options, they are set here.
func NewBadgerStore(path string, options *Options) (*BadgerStore, error) {
	if options == nil {
		options = &DefaultOptions
	}

	opt := options.Options
	gcSleep := options.GcSleep
	if gcSleep <= 0 {
		gcSleep = options.GcInterval
	}

	opt.Dir = path
	opt.ValueDir = path
	opt.Logger = &compatLogger{log}

	db, err := badger.Open(opt)
	if err != nil {
		return nil, err
	}

	ds := &BadgerStore{
		db:             db,
		closing:        make(chan struct{}),
		gcDiscardRatio: options.GcDiscardRatio,
		gcSleep:        gcSleep,
		gcInterval:     options.GcInterval,
	}

	if ds.gcInterval > 0 {
		go ds.periodicGC()
	}

	return ds, nil
}

// Keep scheduling GC's AFTER gcInterval has passed since the previous GC
func (d *BadgerStore) periodicGC() {
	gcTimeout := time.NewTimer(d.gcInterval)
	defer gcTimeout.Stop()

	for {
		select {
		case <-gcTimeout.C:
			switch err := d.gcOnce(); err {
			case badger.ErrNoRewrite, badger.ErrRejected:
				// fully collected, or another GC is running
				gcTimeout.Reset(d.gcInterval)
			case nil:
				gcTimeout.Reset(d.gcSleep)
			case ErrClosed:
				return
			default:
				log.Errorf("error during a GC cycle: %s", err)
				gcTimeout.Reset(d.gcInterval)
			}
		case <-d.closing:
			return
		}
	}
}

func (d *BadgerStore) Put(key, value []byte) error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Get returns nil without error when the key is absent.
func (d *BadgerStore) Get(key []byte) (value []byte, err error) {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	var val []byte
	err = d.db.View(func(txn *badger.Txn) error {
		switch item, err := txn.Get(key); err {
		case badger.ErrKeyNotFound:
			return nil
		case nil:
			val, err = item.ValueCopy(nil)
			return err
		default:
			return err
		}
	})
	return val, err
}

func (d *BadgerStore) Has(key []byte) (bool, error) {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return false, ErrClosed
	}

	exist := false
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err != nil {
			if err != badger.ErrKeyNotFound {
				return err
			}
			return nil
		}
		exist = true
		return nil
	})
	return exist, err
}

func (d *BadgerStore) Delete(key []byte) error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}

	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Iter visits every key/value under prefix in key order and returns how
// many times fn succeeded.
func (d *BadgerStore) Iter(prefix []byte, fn func(k, v []byte) error) int64 {
	var total int64
	d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			if err := fn(item.Key(), val); err == nil {
				atomic.AddInt64(&total, 1)
			}
		}
		return nil
	})
	return atomic.LoadInt64(&total)
}

// IterKey iterates over keys only.
func (d *BadgerStore) IterKey(prefix []byte, fn func(k []byte) error) int64 {
	var total int64
	d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := fn(it.Item().Key()); err == nil {
				atomic.AddInt64(&total, 1)
			}
		}
		return nil
	})
	return atomic.LoadInt64(&total)
}

func (d *BadgerStore) Sync() error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}

	return d.db.Sync()
}

func (d *BadgerStore) Close() error {
	d.closeOnce.Do(func() {
		close(d.closing)
	})
	d.closeLk.Lock()
	defer d.closeLk.Unlock()
	if d.closed {
		return ErrClosed
	}

	d.closed = true
	return d.db.Close()
}

// CollectGarbage keeps calling RunValueLogGC until badger reports nothing
// left to rewrite.
func (d *BadgerStore) CollectGarbage() (err error) {
	for err == nil {
		err = d.gcOnce()
	}

	if err == badger.ErrNoRewrite {
		err = nil
	}

	return err
}

func (d *BadgerStore) gcOnce() error {
	d.closeLk.RLock()
	defer d.closeLk.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return d.db.RunValueLogGC(d.gcDiscardRatio)
}

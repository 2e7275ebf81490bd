package kv

// KVStore is the narrow store contract the services depend on.
type KVStore interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	Iter(prefix []byte, fn func(k, v []byte) error) int64
	IterKey(prefix []byte, fn func(k []byte) error) int64
	Sync() error
	Close() error
}

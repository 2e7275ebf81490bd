package swap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/lib/backend/kv"
	"github.com/atomswap/go-atomdex/lib/codec"
)

var (
	ErrSwapFinished = errors.New("swap log is terminal")
	ErrNoSuchSwap   = errors.New("no events for swap")
)

// EventStore is the durable append-only swap log over the shared kv
// store. Writes to one uuid are serialised; different uuids append
// concurrently. Every append syncs before returning.
type EventStore struct {
	ds kv.KVStore

	lk    sync.Mutex
	swaps map[uuid.UUID]*swapLog
}

// swapLog caches the append cursor for one uuid.
type swapLog struct {
	lk       sync.Mutex
	next     uint64
	terminal bool
	loaded   bool
}

func NewEventStore(ds kv.KVStore) *EventStore {
	return &EventStore{
		ds:    ds,
		swaps: make(map[uuid.UUID]*swapLog),
	}
}

func evKey(id uuid.UUID, index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return []byte(fmt.Sprintf("swap/%s/ev/%s", id, buf))
}

func evPrefix(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("swap/%s/ev/", id))
}

func unfinishedKey(id uuid.UUID) []byte {
	return []byte("swap/unfinished/" + id.String())
}

func doneKey(id uuid.UUID) []byte {
	return []byte("swap/done/" + id.String())
}

func allKey(id uuid.UUID) []byte {
	return []byte("swap/all/" + id.String())
}

func (st *EventStore) log(id uuid.UUID) *swapLog {
	st.lk.Lock()
	defer st.lk.Unlock()

	sl, ok := st.swaps[id]
	if !ok {
		sl = &swapLog{}
		st.swaps[id] = sl
	}
	return sl
}

// load scans the existing log to find the append cursor; called once
// per uuid, under the log's lock.
func (sl *swapLog) load(ds kv.KVStore, id uuid.UUID) error {
	if sl.loaded {
		return nil
	}

	var last *Event
	var count uint64
	var decErr error
	ds.Iter(evPrefix(id), func(k, v []byte) error {
		var ev Event
		if err := codec.Unmarshal(v, &ev); err != nil {
			decErr = errors.Wrapf(err, "decode event %d of %s", count, id)
			return err
		}
		last = &ev
		count++
		return nil
	})
	if decErr != nil {
		// A truncated cursor would let the next append overwrite an
		// existing index; refuse to use the log instead.
		return decErr
	}

	sl.next = count
	if last != nil {
		sl.terminal = last.Type.Terminal()
	}
	sl.loaded = true
	return nil
}

// StoreEvent appends one event at the next contiguous index and syncs.
// Appending past a terminal event is refused.
func (st *EventStore) StoreEvent(id uuid.UUID, ev *Event) error {
	sl := st.log(id)
	sl.lk.Lock()
	defer sl.lk.Unlock()

	if err := sl.load(st.ds, id); err != nil {
		return err
	}
	if sl.terminal {
		return errors.Wrap(ErrSwapFinished, id.String())
	}

	val, err := codec.Marshal(ev)
	if err != nil {
		return err
	}
	if err := st.ds.Put(evKey(id, sl.next), val); err != nil {
		return err
	}
	if err := st.ds.Sync(); err != nil {
		return err
	}

	sl.next++
	if ev.Type.Terminal() {
		sl.terminal = true
	}
	return nil
}

// LoadEvents returns the contiguous event prefix for a swap, in index
// order.
func (st *EventStore) LoadEvents(id uuid.UUID) ([]Event, error) {
	var out []Event
	var ierr error
	st.ds.Iter(evPrefix(id), func(k, v []byte) error {
		var ev Event
		if err := codec.Unmarshal(v, &ev); err != nil {
			ierr = err
			return err
		}
		out = append(out, ev)
		return nil
	})
	if ierr != nil {
		return nil, ierr
	}
	return out, nil
}

// AddUnfinished registers a swap in the unfinished and all-swaps
// indexes before its first event lands.
func (st *EventStore) AddUnfinished(id uuid.UUID, startedAt uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, startedAt)
	if err := st.ds.Put(allKey(id), buf); err != nil {
		return err
	}
	if err := st.ds.Put(unfinishedKey(id), buf); err != nil {
		return err
	}
	return st.ds.Sync()
}

// MarkFinished moves a swap from the unfinished index to the done set.
func (st *EventStore) MarkFinished(id uuid.UUID) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
	if err := st.ds.Put(doneKey(id), buf); err != nil {
		return err
	}
	if err := st.ds.Delete(unfinishedKey(id)); err != nil {
		return err
	}
	return st.ds.Sync()
}

// IsFinished reports whether MarkFinished ran for the swap.
func (st *EventStore) IsFinished(id uuid.UUID) bool {
	ok, err := st.ds.Has(doneKey(id))
	return err == nil && ok
}

// Unfinished lists swaps that have started but not finished, for
// resumption at startup.
func (st *EventStore) Unfinished() ([]uuid.UUID, error) {
	var out []uuid.UUID
	prefix := []byte("swap/unfinished/")
	st.ds.IterKey(prefix, func(k []byte) error {
		id, err := uuid.Parse(string(k[len(prefix):]))
		if err != nil {
			return nil
		}
		out = append(out, id)
		return nil
	})
	return out, nil
}

// Recent pages through all known swaps, most recently started first.
func (st *EventStore) Recent(offset, limit int) ([]uuid.UUID, error) {
	type entry struct {
		id      uuid.UUID
		started uint64
	}
	var all []entry

	prefix := []byte("swap/all/")
	st.ds.Iter(prefix, func(k, v []byte) error {
		id, err := uuid.Parse(string(k[len(prefix):]))
		if err != nil || len(v) != 8 {
			return nil
		}
		all = append(all, entry{id: id, started: binary.BigEndian.Uint64(v)})
		return nil
	})

	sort.Slice(all, func(i, j int) bool {
		if all[i].started != all[j].started {
			return all[i].started > all[j].started
		}
		return all[i].id.String() < all[j].id.String()
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]uuid.UUID, len(all))
	for i, e := range all {
		out[i] = e.id
	}
	return out, nil
}

// RedactSecret zeroes the preimage inside the started event once the
// swap completed; the secret is on-chain by then and has no business
// staying on disk.
func (st *EventStore) RedactSecret(id uuid.UUID) error {
	sl := st.log(id)
	sl.lk.Lock()
	defer sl.lk.Unlock()

	key := evKey(id, 0)
	val, err := st.ds.Get(key)
	if err != nil {
		return err
	}
	if val == nil {
		return errors.Wrap(ErrNoSuchSwap, id.String())
	}

	var ev Event
	if err := codec.Unmarshal(val, &ev); err != nil {
		return err
	}
	var sd StartedData
	if err := codec.Unmarshal(ev.Body, &sd); err != nil {
		return err
	}
	if len(sd.Secret) == 0 {
		return nil
	}

	sd.Secret = make([]byte, len(sd.Secret))
	body, err := codec.Marshal(&sd)
	if err != nil {
		return err
	}
	ev.Body = body

	val, err = codec.Marshal(&ev)
	if err != nil {
		return err
	}
	if err := st.ds.Put(key, val); err != nil {
		return err
	}
	return st.ds.Sync()
}

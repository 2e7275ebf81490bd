// Package book keeps the in-memory order book: own orders plus remote
// orders observed via gossip, indexed for price-ordered reads.
package book

import (
	"bytes"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/lib/types"
)

var (
	ErrNotOwner = errors.New("order update from non-owner pubkey")
	ErrNotFound = errors.New("order not found")
)

// Record is one order as the book tracks it. Price and volumes are in
// rel units per base unit; Available is MaxVolume minus reserved.
type Record struct {
	Uuid      uuid.UUID
	Pair      types.Pair
	Price     types.Rational
	MaxVolume types.Rational
	MinVolume types.Rational
	Available types.Rational
	Conf      types.ConfSettings
	Pubkey    []byte
	Peer      peer.ID
	CreatedAt uint64 // unix seconds, set by the owner

	lastSeen time.Time
}

// LastSeen reports when the book last heard a broadcast for the order.
func (r *Record) LastSeen() time.Time {
	return r.lastSeen
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

// TopicState tracks whether a subscribed pair topic has had its
// orderbook bootstrap request issued yet.
type TopicState struct {
	Requested bool
	Since     time.Time
}

type orderedKey struct {
	price types.Rational
	uuid  uuid.UUID
}

func cmpOrderedKey(a, b interface{}) int {
	ka := a.(orderedKey)
	kb := b.(orderedKey)
	if c := ka.price.Cmp(kb.price); c != 0 {
		return c
	}
	return bytes.Compare(ka.uuid[:], kb.uuid[:])
}

// Book holds every index under one mutex. Reads hand out snapshots so
// callers never see a record mid-update.
type Book struct {
	lk sync.Mutex

	byUUID    map[uuid.UUID]*Record
	ordered   map[types.Pair]*treemap.Map
	unordered map[types.Pair]map[uuid.UUID]struct{}
	inactive  map[uuid.UUID]*Record
	topics    map[string]TopicState
}

func New() *Book {
	return &Book{
		byUUID:    make(map[uuid.UUID]*Record),
		ordered:   make(map[types.Pair]*treemap.Map),
		unordered: make(map[types.Pair]map[uuid.UUID]struct{}),
		inactive:  make(map[uuid.UUID]*Record),
		topics:    make(map[string]TopicState),
	}
}

// Insert adds or replaces an order. A non-positive price or available
// volume means the order is gone and is handled as a deletion. Updates
// to an existing uuid must carry the owner's pubkey.
func (b *Book) Insert(rec *Record, now time.Time) error {
	b.lk.Lock()
	defer b.lk.Unlock()

	if old, ok := b.byUUID[rec.Uuid]; ok {
		if !bytes.Equal(old.Pubkey, rec.Pubkey) {
			return ErrNotOwner
		}
	}

	if rec.Price.Sign() <= 0 || rec.Available.Sign() <= 0 {
		b.remove(rec.Uuid)
		return nil
	}

	b.remove(rec.Uuid)
	delete(b.inactive, rec.Uuid)

	cp := rec.clone()
	cp.lastSeen = now
	b.byUUID[cp.Uuid] = cp

	tm, ok := b.ordered[cp.Pair]
	if !ok {
		tm = treemap.NewWith(cmpOrderedKey)
		b.ordered[cp.Pair] = tm
	}
	tm.Put(orderedKey{price: cp.Price, uuid: cp.Uuid}, cp)

	set, ok := b.unordered[cp.Pair]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		b.unordered[cp.Pair] = set
	}
	set[cp.Uuid] = struct{}{}

	return nil
}

// Delete removes an order entirely, including its inactive slot.
func (b *Book) Delete(id uuid.UUID) {
	b.lk.Lock()
	defer b.lk.Unlock()

	b.remove(id)
	delete(b.inactive, id)
}

// remove drops an order from the live indexes; caller holds the lock.
func (b *Book) remove(id uuid.UUID) {
	rec, ok := b.byUUID[id]
	if !ok {
		return
	}
	delete(b.byUUID, id)

	if tm, ok := b.ordered[rec.Pair]; ok {
		tm.Remove(orderedKey{price: rec.Price, uuid: id})
		if tm.Empty() {
			delete(b.ordered, rec.Pair)
		}
	}
	if set, ok := b.unordered[rec.Pair]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.unordered, rec.Pair)
		}
	}
}

// Get returns a snapshot of the order, live or inactive.
func (b *Book) Get(id uuid.UUID) (*Record, bool) {
	b.lk.Lock()
	defer b.lk.Unlock()

	if rec, ok := b.byUUID[id]; ok {
		return rec.clone(), true
	}
	if rec, ok := b.inactive[id]; ok {
		return rec.clone(), true
	}
	return nil, false
}

// Touch refreshes an order's keep-alive timestamp. It reports false
// when the uuid is unknown, in which case the caller should fetch the
// full order from the announcing peer.
func (b *Book) Touch(id uuid.UUID, pubkey []byte, now time.Time) bool {
	b.lk.Lock()
	defer b.lk.Unlock()

	rec, ok := b.byUUID[id]
	if !ok {
		return false
	}
	if !bytes.Equal(rec.Pubkey, pubkey) {
		return false
	}
	rec.lastSeen = now
	return true
}

// MarkStale moves orders that missed their keep-alive window into the
// inactive set and purges inactive orders past the purge window. It
// returns the uuids purged for good.
func (b *Book) MarkStale(now time.Time) []uuid.UUID {
	b.lk.Lock()
	defer b.lk.Unlock()

	for id, rec := range b.byUUID {
		if now.Sub(rec.lastSeen) > build.MakerOrderTimeout {
			b.remove(id)
			b.inactive[id] = rec
		}
	}

	var purged []uuid.UUID
	for id, rec := range b.inactive {
		if now.Sub(rec.lastSeen) > build.InactiveOrderTimeout {
			delete(b.inactive, id)
			purged = append(purged, id)
		}
	}
	return purged
}

// BestAsks returns up to n lowest-priced orders on (base, rel).
func (b *Book) BestAsks(pair types.Pair, n int) []*Record {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.firstN(pair, n)
}

// BestBids returns up to n best bids on (base, rel). A bid is an order
// on the flipped pair; the lowest flipped price is the highest bid.
func (b *Book) BestBids(pair types.Pair, n int) []*Record {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.firstN(pair.Flip(), n)
}

// firstN walks the ordered index ascending; caller holds the lock.
func (b *Book) firstN(pair types.Pair, n int) []*Record {
	tm, ok := b.ordered[pair]
	if !ok {
		return nil
	}

	out := make([]*Record, 0, n)
	it := tm.Iterator()
	for it.Next() {
		if n > 0 && len(out) >= n {
			break
		}
		out = append(out, it.Value().(*Record).clone())
	}
	return out
}

// PairOrders returns snapshots of every live order on the pair,
// ascending by price.
func (b *Book) PairOrders(pair types.Pair) []*Record {
	return b.BestAsks(pair, 0)
}

// OrdersByPubkey returns live orders owned by the given pubkey.
func (b *Book) OrdersByPubkey(pubkey []byte) []*Record {
	b.lk.Lock()
	defer b.lk.Unlock()

	var out []*Record
	for _, rec := range b.byUUID {
		if bytes.Equal(rec.Pubkey, pubkey) {
			out = append(out, rec.clone())
		}
	}
	return out
}

// RemoveByPubkey drops every order owned by the pubkey, live and
// inactive. Used when a peer is banned.
func (b *Book) RemoveByPubkey(pubkey []byte) int {
	b.lk.Lock()
	defer b.lk.Unlock()

	n := 0
	for id, rec := range b.byUUID {
		if bytes.Equal(rec.Pubkey, pubkey) {
			b.remove(id)
			n++
		}
	}
	for id, rec := range b.inactive {
		if bytes.Equal(rec.Pubkey, pubkey) {
			delete(b.inactive, id)
			n++
		}
	}
	return n
}

// Topic returns the bootstrap state of a subscribed pair topic.
func (b *Book) Topic(name string) (TopicState, bool) {
	b.lk.Lock()
	defer b.lk.Unlock()

	st, ok := b.topics[name]
	return st, ok
}

// SetTopic records a pair topic subscription and its bootstrap state.
func (b *Book) SetTopic(name string, requested bool, now time.Time) {
	b.lk.Lock()
	defer b.lk.Unlock()

	b.topics[name] = TopicState{Requested: requested, Since: now}
}

// DropTopic forgets a pair topic on unsubscribe.
func (b *Book) DropTopic(name string) {
	b.lk.Lock()
	defer b.lk.Unlock()

	delete(b.topics, name)
}

// Len reports the number of live orders.
func (b *Book) Len() int {
	b.lk.Lock()
	defer b.lk.Unlock()

	return len(b.byUUID)
}

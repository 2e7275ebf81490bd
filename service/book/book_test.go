package book

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atomswap/go-atomdex/lib/types"
)

func newRecord(pair types.Pair, priceNum, priceDen int64, pubkey []byte) *Record {
	return &Record{
		Uuid:      uuid.New(),
		Pair:      pair,
		Price:     types.NewRational(priceNum, priceDen),
		MaxVolume: types.RationalFromInt(10),
		MinVolume: types.NewRational(1, 10000),
		Available: types.RationalFromInt(10),
		Pubkey:    pubkey,
	}
}

func TestInsertGetDelete(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	rec := newRecord(pair, 1, 100, []byte{1})
	require.NoError(t, b.Insert(rec, now))
	require.Equal(t, 1, b.Len())

	got, ok := b.Get(rec.Uuid)
	require.True(t, ok)
	require.Equal(t, rec.Uuid, got.Uuid)
	require.Zero(t, got.Price.Cmp(types.NewRational(1, 100)))

	b.Delete(rec.Uuid)
	_, ok = b.Get(rec.Uuid)
	require.False(t, ok)
	require.Zero(t, b.Len())
}

func TestZeroPriceDeletes(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	rec := newRecord(pair, 1, 100, []byte{1})
	require.NoError(t, b.Insert(rec, now))

	gone := *rec
	gone.Price = types.RationalFromInt(0)
	require.NoError(t, b.Insert(&gone, now))

	_, ok := b.Get(rec.Uuid)
	require.False(t, ok)
}

func TestNonOwnerUpdateRejected(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	rec := newRecord(pair, 1, 100, []byte{1})
	require.NoError(t, b.Insert(rec, now))

	stolen := *rec
	stolen.Pubkey = []byte{2}
	require.ErrorIs(t, b.Insert(&stolen, now), ErrNotOwner)

	got, _ := b.Get(rec.Uuid)
	require.Equal(t, []byte{1}, got.Pubkey)
}

func TestBestAsksOrdering(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	cheap := newRecord(pair, 1, 200, []byte{1})
	mid := newRecord(pair, 1, 100, []byte{2})
	dear := newRecord(pair, 1, 50, []byte{3})
	for _, r := range []*Record{dear, cheap, mid} {
		require.NoError(t, b.Insert(r, now))
	}

	asks := b.BestAsks(pair, 2)
	require.Len(t, asks, 2)
	require.Equal(t, cheap.Uuid, asks[0].Uuid)
	require.Equal(t, mid.Uuid, asks[1].Uuid)

	all := b.PairOrders(pair)
	require.Len(t, all, 3)
	require.Equal(t, dear.Uuid, all[2].Uuid)
}

func TestBestBidsReadFlippedPair(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	// Bids for KMD:BTC are orders on BTC:KMD; the lowest flipped price
	// is the best bid.
	best := newRecord(pair.Flip(), 90, 1, []byte{1})
	worse := newRecord(pair.Flip(), 110, 1, []byte{2})
	require.NoError(t, b.Insert(best, now))
	require.NoError(t, b.Insert(worse, now))

	bids := b.BestBids(pair, 10)
	require.Len(t, bids, 2)
	require.Equal(t, best.Uuid, bids[0].Uuid)
}

func TestTouchAndMarkStale(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	rec := newRecord(pair, 1, 100, []byte{1})
	require.NoError(t, b.Insert(rec, now))

	require.True(t, b.Touch(rec.Uuid, rec.Pubkey, now.Add(10*time.Second)))
	require.False(t, b.Touch(rec.Uuid, []byte{9}, now))
	require.False(t, b.Touch(uuid.New(), rec.Pubkey, now))

	// Three missed keep-alive windows move it to inactive.
	purged := b.MarkStale(now.Add(110 * time.Second))
	require.Empty(t, purged)
	require.Zero(t, b.Len())
	_, ok := b.Get(rec.Uuid)
	require.True(t, ok) // still visible while inactive
	require.Empty(t, b.BestAsks(pair, 10))

	// A fresh broadcast revives it.
	require.NoError(t, b.Insert(rec, now.Add(120*time.Second)))
	require.Equal(t, 1, b.Len())

	// Past the purge window it is gone for good.
	b.MarkStale(now.Add(220 * time.Second))
	purged = b.MarkStale(now.Add(400 * time.Second))
	require.Equal(t, []uuid.UUID{rec.Uuid}, purged)
	_, ok = b.Get(rec.Uuid)
	require.False(t, ok)
}

func TestRemoveByPubkey(t *testing.T) {
	b := New()
	now := time.Now()
	pair := types.NewPair("KMD", "BTC")

	banned := []byte{7}
	require.NoError(t, b.Insert(newRecord(pair, 1, 100, banned), now))
	require.NoError(t, b.Insert(newRecord(pair, 1, 90, banned), now))
	keep := newRecord(pair, 1, 80, []byte{1})
	require.NoError(t, b.Insert(keep, now))

	require.Equal(t, 2, b.RemoveByPubkey(banned))
	require.Equal(t, 1, b.Len())
	_, ok := b.Get(keep.Uuid)
	require.True(t, ok)
}

func TestTopicState(t *testing.T) {
	b := New()
	now := time.Now()

	_, ok := b.Topic("orbk/BTC:KMD")
	require.False(t, ok)

	b.SetTopic("orbk/BTC:KMD", false, now)
	st, ok := b.Topic("orbk/BTC:KMD")
	require.True(t, ok)
	require.False(t, st.Requested)

	b.SetTopic("orbk/BTC:KMD", true, now)
	st, _ = b.Topic("orbk/BTC:KMD")
	require.True(t, st.Requested)

	b.DropTopic("orbk/BTC:KMD")
	_, ok = b.Topic("orbk/BTC:KMD")
	require.False(t, ok)
}

package swap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atomswap/go-atomdex/lib/backend/kv"
	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
)

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	ds, err := kv.NewBadgerStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return NewEventStore(ds)
}

func TestStoreEventContiguous(t *testing.T) {
	st := newTestStore(t)
	id := uuid.New()

	for i, et := range []EventType{EvMakerStarted, EvMakerNegotiated, EvTakerFeeValidated} {
		ev, err := newEvent(uint64(1000+i), et, nil)
		require.NoError(t, err)
		require.NoError(t, st.StoreEvent(id, ev))
	}

	events, err := st.LoadEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, EvMakerStarted, events[0].Type)
	require.Equal(t, EvMakerNegotiated, events[1].Type)
	require.Equal(t, EvTakerFeeValidated, events[2].Type)
}

func TestStoreEventTerminalRefusesAppend(t *testing.T) {
	st := newTestStore(t)
	id := uuid.New()

	ev, err := newEvent(1, EvMakerCompleted, nil)
	require.NoError(t, err)
	require.NoError(t, st.StoreEvent(id, ev))

	ev, err = newEvent(2, EvMakerNegotiated, nil)
	require.NoError(t, err)
	require.ErrorIs(t, st.StoreEvent(id, ev), ErrSwapFinished)
}

func TestStoreCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ds, err := kv.NewBadgerStore(dir, nil)
	require.NoError(t, err)
	st := NewEventStore(ds)
	id := uuid.New()

	ev, err := newEvent(1, EvTakerStarted, nil)
	require.NoError(t, err)
	require.NoError(t, st.StoreEvent(id, ev))
	require.NoError(t, ds.Close())

	ds, err = kv.NewBadgerStore(dir, nil)
	require.NoError(t, err)
	defer ds.Close()
	st = NewEventStore(ds)

	ev, err = newEvent(2, EvTakerNegotiated, nil)
	require.NoError(t, err)
	require.NoError(t, st.StoreEvent(id, ev))

	events, err := st.LoadEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, EvTakerNegotiated, events[1].Type)
}

func TestUnfinishedIndex(t *testing.T) {
	st := newTestStore(t)
	a, b := uuid.New(), uuid.New()

	require.NoError(t, st.AddUnfinished(a, 100))
	require.NoError(t, st.AddUnfinished(b, 200))

	ids, err := st.Unfinished()
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{a, b}, ids)

	require.NoError(t, st.MarkFinished(a))
	require.True(t, st.IsFinished(a))
	require.False(t, st.IsFinished(b))

	ids, err = st.Unfinished()
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{b}, ids)
}

func TestRecentOrdering(t *testing.T) {
	st := newTestStore(t)
	old, mid, new_ := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, st.AddUnfinished(old, 100))
	require.NoError(t, st.AddUnfinished(mid, 200))
	require.NoError(t, st.AddUnfinished(new_, 300))

	ids, err := st.Recent(0, 2)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{new_, mid}, ids)

	ids, err = st.Recent(2, 2)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{old}, ids)

	ids, err = st.Recent(5, 0)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRedactSecret(t *testing.T) {
	st := newTestStore(t)
	id := uuid.New()

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	sd := StartedData{
		MakerCoin:   "MYCOIN",
		TakerCoin:   "MYCOIN1",
		MakerVolume: types.RationalFromInt(2),
		TakerVolume: types.RationalFromInt(2),
		Secret:      secret,
		SecretHash:  secretHash(secret),
		StartedAt:   1000,
	}
	ev, err := newEvent(1, EvMakerStarted, &sd)
	require.NoError(t, err)
	require.NoError(t, st.StoreEvent(id, ev))

	require.NoError(t, st.RedactSecret(id))

	events, err := st.LoadEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var got StartedData
	require.NoError(t, codec.Unmarshal(events[0].Body, &got))
	require.Equal(t, make([]byte, 32), got.Secret)
	// Everything else survives the rewrite.
	require.Equal(t, sd.SecretHash, got.SecretHash)
	require.Equal(t, "MYCOIN", got.MakerCoin)
}

func TestStoreRefusesCorruptLog(t *testing.T) {
	ds, err := kv.NewBadgerStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer ds.Close()
	st := NewEventStore(ds)
	id := uuid.New()

	for i, et := range []EventType{EvMakerStarted, EvMakerNegotiated, EvTakerFeeValidated} {
		ev, err := newEvent(uint64(1000+i), et, nil)
		require.NoError(t, err)
		require.NoError(t, st.StoreEvent(id, ev))
	}

	// Corrupt the middle event on disk. A truncated cursor would let the
	// next append land on index 2 and overwrite a good event; the store
	// must refuse the log instead.
	require.NoError(t, ds.Put(evKey(id, 1), []byte("not cbor")))

	reopened := NewEventStore(ds)
	ev, err := newEvent(2000, EvMakerPaymentSent, nil)
	require.NoError(t, err)
	require.Error(t, reopened.StoreEvent(id, ev))

	_, err = reopened.LoadEvents(id)
	require.Error(t, err)

	// The intact tail event is untouched.
	intact, err := ds.Get(evKey(id, 2))
	require.NoError(t, err)
	var tail Event
	require.NoError(t, codec.Unmarshal(intact, &tail))
	require.Equal(t, EvTakerFeeValidated, tail.Type)
}

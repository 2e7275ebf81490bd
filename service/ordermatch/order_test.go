package ordermatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/types"
	"github.com/atomswap/go-atomdex/service/book"
)

func newTestOrder(base, rel string, priceNum, priceDen int64, maxVol int64) *MakerOrder {
	return &MakerOrder{
		Uuid:       uuid.New(),
		Base:       base,
		Rel:        rel,
		Price:      types.NewRational(priceNum, priceDen),
		MaxBaseVol: types.RationalFromInt(maxVol),
		MinBaseVol: types.NewRational(1, 10000),
		CreatedAt:  uint64(time.Now().Unix()),
		Matches:    make(map[uuid.UUID]*Match),
	}
}

func TestMatchBuyRequest(t *testing.T) {
	// Maker sells 3 MYCOIN at price 1.4; taker buys 2 offering 3.
	o := newTestOrder("MYCOIN", "MYCOIN1", 14, 10, 3)
	req := TakerRequestMsg{
		Uuid:       uuid.New(),
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(2),
		RelAmount:  types.RationalFromInt(3),
		Action:     ActionBuy,
	}

	base, rel, ok := o.matchWithRequest(&req)
	require.True(t, ok)
	require.Zero(t, base.Cmp(types.RationalFromInt(2)))
	require.Zero(t, rel.Cmp(types.NewRational(28, 10)))

	// The taker accepts: pays 2.8 which is within the 3 offered.
	res := MakerReservedMsg{
		Base:           o.Base,
		Rel:            o.Rel,
		BaseAmount:     base,
		RelAmount:      rel,
		MakerOrderUuid: o.Uuid,
		TakerOrderUuid: req.Uuid,
	}
	require.True(t, reservedAcceptable(&req, &res))
}

func TestMatchBuyRequestPriceTooLow(t *testing.T) {
	o := newTestOrder("MYCOIN", "MYCOIN1", 14, 10, 3)
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(2),
		RelAmount:  types.NewRational(26, 10), // implies price 1.3 < 1.4
		Action:     ActionBuy,
	}
	_, _, ok := o.matchWithRequest(&req)
	require.False(t, ok)
}

func TestMatchBuyRequestOverAvailable(t *testing.T) {
	o := newTestOrder("MYCOIN", "MYCOIN1", 1, 1, 3)
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(4),
		Action:     ActionBuy,
	}
	_, _, ok := o.matchWithRequest(&req)
	require.False(t, ok)
}

func TestMatchSellRequest(t *testing.T) {
	// Maker sells MYCOIN1 at 2 MYCOIN each; taker sells 4 MYCOIN for
	// 2 MYCOIN1, implied price 2.
	o := newTestOrder("MYCOIN1", "MYCOIN", 2, 1, 10)
	req := TakerRequestMsg{
		Uuid:       uuid.New(),
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Action:     ActionSell,
	}

	base, rel, ok := o.matchWithRequest(&req)
	require.True(t, ok)
	// Maker gives exactly the 2 MYCOIN1 asked, takes 4 MYCOIN.
	require.Zero(t, base.Cmp(types.RationalFromInt(2)))
	require.Zero(t, rel.Cmp(types.RationalFromInt(4)))

	res := MakerReservedMsg{
		Base:       o.Base,
		Rel:        o.Rel,
		BaseAmount: base,
		RelAmount:  rel,
	}
	require.True(t, reservedAcceptable(&req, &res))
}

func TestMatchSellRequestBetterPrice(t *testing.T) {
	// Maker's price 1.5 is better than the taker's implied 2: the taker
	// still pays its full 4 and receives 8/3 instead of the 2 asked.
	o := newTestOrder("MYCOIN1", "MYCOIN", 15, 10, 10)
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Action:     ActionSell,
	}

	base, rel, ok := o.matchWithRequest(&req)
	require.True(t, ok)
	require.Zero(t, base.Cmp(types.NewRational(8, 3)))
	require.Zero(t, rel.Cmp(types.RationalFromInt(4)))

	res := MakerReservedMsg{Base: o.Base, Rel: o.Rel, BaseAmount: base, RelAmount: rel}
	require.True(t, reservedAcceptable(&req, &res))
}

func TestMatchSellRequestScenarios(t *testing.T) {
	// Mirrors the buy scenarios: maker Base=MYCOIN1 Rel=MYCOIN at 3/2,
	// taker sells 4 MYCOIN asking 2 MYCOIN1.
	req := TakerRequestMsg{
		Uuid:       uuid.New(),
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Action:     ActionSell,
	}

	o := newTestOrder("MYCOIN1", "MYCOIN", 3, 2, 10)
	base, rel, ok := o.matchWithRequest(&req)
	require.True(t, ok)
	// The taker pays its 4 MYCOIN exactly and receives 4/(3/2).
	require.Zero(t, base.Cmp(types.NewRational(8, 3)))
	require.Zero(t, rel.Cmp(types.RationalFromInt(4)))

	// Maker price above the taker's implied 2: no match.
	steep := newTestOrder("MYCOIN1", "MYCOIN", 21, 10, 10)
	_, _, ok = steep.matchWithRequest(&req)
	require.False(t, ok)

	// Asked-for rel volume above what the order has left: no match.
	small := newTestOrder("MYCOIN1", "MYCOIN", 3, 2, 1)
	_, _, ok = small.matchWithRequest(&req)
	require.False(t, ok)
}

func TestReservedSellTerms(t *testing.T) {
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Action:     ActionSell,
	}

	// Pays exactly 4, receives 8/3: acceptable.
	res := MakerReservedMsg{
		Base:       "MYCOIN1",
		Rel:        "MYCOIN",
		BaseAmount: types.NewRational(8, 3),
		RelAmount:  types.RationalFromInt(4),
	}
	require.True(t, reservedAcceptable(&req, &res))

	// Receiving less than asked.
	res.BaseAmount = types.NewRational(19, 10)
	require.False(t, reservedAcceptable(&req, &res))

	// Paying a different amount than committed.
	res.BaseAmount = types.NewRational(8, 3)
	res.RelAmount = types.RationalFromInt(3)
	require.False(t, reservedAcceptable(&req, &res))

	// Wrong pair orientation.
	res.RelAmount = types.RationalFromInt(4)
	res.Base, res.Rel = res.Rel, res.Base
	require.False(t, reservedAcceptable(&req, &res))
}

func TestReservedRejectsWorseTerms(t *testing.T) {
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(2),
		RelAmount:  types.RationalFromInt(3),
		Action:     ActionBuy,
	}

	// Charging more rel than offered.
	res := MakerReservedMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(2),
		RelAmount:  types.NewRational(31, 10),
	}
	require.False(t, reservedAcceptable(&req, &res))

	// Wrong receive amount.
	res.RelAmount = types.RationalFromInt(3)
	res.BaseAmount = types.RationalFromInt(1)
	require.False(t, reservedAcceptable(&req, &res))

	// Wrong pair orientation.
	res.BaseAmount = types.RationalFromInt(2)
	res.Base, res.Rel = res.Rel, res.Base
	require.False(t, reservedAcceptable(&req, &res))
}

func TestAvailableAmountTracksMatches(t *testing.T) {
	o := newTestOrder("MYCOIN", "MYCOIN1", 1, 1, 10)
	require.Zero(t, o.AvailableAmount().Cmp(types.RationalFromInt(10)))

	o.Matches[uuid.New()] = &Match{
		Reserved: MakerReservedMsg{BaseAmount: types.RationalFromInt(4)},
		State:    MatchReserved,
		Updated:  time.Now(),
	}
	require.Zero(t, o.AvailableAmount().Cmp(types.RationalFromInt(6)))

	// A second request larger than what is left does not fit.
	req := TakerRequestMsg{
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(7),
		RelAmount:  types.RationalFromInt(7),
		Action:     ActionBuy,
	}
	_, _, ok := o.matchWithRequest(&req)
	require.False(t, ok)
}

func TestGoodTillCancelledConversion(t *testing.T) {
	// A buy of 2 MYCOIN for up to 3 MYCOIN1 becomes a maker order
	// selling 3 MYCOIN1 at the implied 2/3 price.
	buy := &TakerOrder{
		Uuid:       uuid.New(),
		Action:     ActionBuy,
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(2),
		RelAmount:  types.RationalFromInt(3),
		Type:       GoodTillCancelled,
	}
	o := buy.toMakerOrder(buy.Uuid, 1000)
	require.Equal(t, buy.Uuid, o.Uuid)
	require.Equal(t, "MYCOIN1", o.Base)
	require.Equal(t, "MYCOIN", o.Rel)
	require.Zero(t, o.Price.Cmp(types.NewRational(2, 3)))
	require.Zero(t, o.MaxBaseVol.Cmp(types.RationalFromInt(3)))

	sell := &TakerOrder{
		Uuid:       uuid.New(),
		Action:     ActionSell,
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Type:       GoodTillCancelled,
	}
	o = sell.toMakerOrder(sell.Uuid, 1000)
	require.Equal(t, "MYCOIN", o.Base)
	require.Equal(t, "MYCOIN1", o.Rel)
	require.Zero(t, o.Price.Cmp(types.NewRational(1, 2)))
	require.Zero(t, o.MaxBaseVol.Cmp(types.RationalFromInt(4)))
}

func TestMatchByPolicies(t *testing.T) {
	pk := []byte{1, 2, 3}
	id := uuid.New()

	any := MatchBy{Kind: MatchByAny}
	require.True(t, any.AllowsPubkey(pk))
	require.True(t, any.AllowsOrder(id))

	byPk := MatchBy{Kind: MatchByPubkeys, Pubkeys: [][]byte{pk}}
	require.True(t, byPk.AllowsPubkey(pk))
	require.False(t, byPk.AllowsPubkey([]byte{9}))
	require.True(t, byPk.AllowsOrder(id)) // order filter not in force

	byOrd := MatchBy{Kind: MatchByOrders, Orders: []uuid.UUID{id}}
	require.True(t, byOrd.AllowsOrder(id))
	require.False(t, byOrd.AllowsOrder(uuid.New()))
}

func TestCancelByFilters(t *testing.T) {
	o := newTestOrder("MYCOIN", "MYCOIN1", 1, 1, 1)
	taker := &TakerOrder{Base: "MYCOIN2", Rel: "MYCOIN"}

	require.True(t, CancelBy{Kind: CancelAll}.matchesMaker(o))
	require.True(t, CancelBy{Kind: CancelByPair, Base: "MYCOIN", Rel: "MYCOIN1"}.matchesMaker(o))
	require.False(t, CancelBy{Kind: CancelByPair, Base: "MYCOIN1", Rel: "MYCOIN"}.matchesMaker(o))
	require.True(t, CancelBy{Kind: CancelByCoin, Coin: "MYCOIN1"}.matchesMaker(o))
	require.False(t, CancelBy{Kind: CancelByCoin, Coin: "MYCOIN2"}.matchesMaker(o))
	require.True(t, CancelBy{Kind: CancelByCoin, Coin: "MYCOIN2"}.matchesTaker(taker))
}

func TestInsertRemoteOrderPriceBoundary(t *testing.T) {
	s := &Service{bk: book.New()}
	now := time.Now()

	msg := func(num, den int64) *MakerOrderMsg {
		return &MakerOrderMsg{
			Uuid:      uuid.New(),
			Base:      "MYCOIN",
			Rel:       "MYCOIN1",
			Price:     types.NewRational(num, den),
			MaxVolume: types.RationalFromInt(1),
			MinVolume: types.NewRational(1, 10000),
			CreatedAt: uint64(now.Unix()),
		}
	}

	// 1e-8 is the smallest accepted price.
	require.NoError(t, s.insertRemoteOrder(msg(1, 100_000_000), []byte{1}, "", now))
	require.ErrorIs(t, s.insertRemoteOrder(msg(1, 100_000_001), []byte{1}, "", now), ErrBadOrder)
	require.ErrorIs(t, s.insertRemoteOrder(msg(1, 1_000_000_000), []byte{1}, "", now), ErrBadOrder)

	require.ErrorIs(t, s.insertRemoteOrder(&MakerOrderMsg{
		Uuid: uuid.New(), Base: "MYCOIN", Rel: "MYCOIN",
		Price: types.RationalFromInt(1), MaxVolume: types.RationalFromInt(1),
	}, []byte{1}, "", now), ErrBadOrder)
}

func TestInsertRemoteOrderRebroadcastIsIdempotent(t *testing.T) {
	s := &Service{bk: book.New()}
	now := time.Now()

	m := &MakerOrderMsg{
		Uuid:      uuid.New(),
		Base:      "MYCOIN",
		Rel:       "MYCOIN1",
		Price:     types.RationalFromInt(1),
		MaxVolume: types.RationalFromInt(3),
		MinVolume: types.NewRational(1, 10000),
		CreatedAt: uint64(now.Unix()),
	}

	require.NoError(t, s.insertRemoteOrder(m, []byte{1}, "", now))
	require.Equal(t, 1, s.bk.Len())

	require.NoError(t, s.insertRemoteOrder(m, []byte{1}, "", now.Add(time.Second)))
	require.Equal(t, 1, s.bk.Len())

	rec, ok := s.bk.Get(m.Uuid)
	require.True(t, ok)
	require.Zero(t, rec.MaxVolume.Cmp(types.RationalFromInt(3)))
}

func TestSweepReleasesStaleTakerMatch(t *testing.T) {
	cfg := config.TradeConfig{}.Normalized()
	s := &Service{
		cfg:         cfg,
		myOrders:    make(map[uuid.UUID]*MakerOrder),
		takerOrders: make(map[uuid.UUID]*TakerOrder),
	}

	now := time.Now()
	ord := &TakerOrder{
		Uuid:       uuid.New(),
		Action:     ActionSell,
		Base:       "MYCOIN",
		Rel:        "MYCOIN1",
		BaseAmount: types.RationalFromInt(4),
		RelAmount:  types.RationalFromInt(2),
		Type:       FillOrKill,
		CreatedAt:  now.Add(-time.Hour),
		Match: &Match{
			State:   MatchReserved,
			Updated: now.Add(-time.Hour),
		},
	}
	s.takerOrders[ord.Uuid] = ord

	connected := &TakerOrder{
		Uuid:      uuid.New(),
		CreatedAt: now.Add(-time.Hour),
		Match: &Match{
			State:   MatchConnected,
			Updated: now.Add(-time.Hour),
		},
	}
	s.takerOrders[connected.Uuid] = connected

	s.sweepMatches(now)
	require.Nil(t, ord.Match, "unanswered reserved match must be released")
	require.NotNil(t, connected.Match, "connected match must survive the sweep")

	// With the match gone the order itself can now time out.
	s.sweepTakerOrders(now)
	_, ok := s.takerOrders[ord.Uuid]
	require.False(t, ok)
	_, ok = s.takerOrders[connected.Uuid]
	require.True(t, ok)
}

package ordermatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/atomswap/go-atomdex/lib/types"
)

// MatchState tracks how far a reserved match has progressed.
type MatchState uint8

const (
	MatchReserved MatchState = iota + 1
	MatchConnected
)

// Match links a maker order to a taker order while the two sides
// negotiate. A match that never reaches Connected is garbage-collected
// after the match timeout, releasing its reserved volume.
type Match struct {
	Request  TakerRequestMsg
	Reserved MakerReservedMsg
	// OtherPubkey is the counterparty's signer key, pinned when the
	// match is created. Later messages must come from the same key.
	OtherPubkey []byte
	State       MatchState
	Updated     time.Time
}

// MakerOrder is a standing offer owned by this node: sell MaxBaseVol of
// Base at Price rel per base.
type MakerOrder struct {
	Uuid       uuid.UUID
	Base       string
	Rel        string
	Price      types.Rational
	MaxBaseVol types.Rational
	MinBaseVol types.Rational
	Conf       types.ConfSettings
	CreatedAt  uint64

	// Matches is keyed by taker order uuid.
	Matches      map[uuid.UUID]*Match
	StartedSwaps []uuid.UUID
}

// ReservedAmount is the base volume currently claimed by in-flight
// matches.
func (o *MakerOrder) ReservedAmount() types.Rational {
	sum := types.RationalFromInt(0)
	for _, m := range o.Matches {
		sum = sum.Add(m.Reserved.BaseAmount)
	}
	return sum
}

// AvailableAmount is what remains sellable: MaxBaseVol minus reserved.
func (o *MakerOrder) AvailableAmount() types.Rational {
	return o.MaxBaseVol.Sub(o.ReservedAmount())
}

func (o *MakerOrder) wire() MakerOrderMsg {
	return MakerOrderMsg{
		Uuid:      o.Uuid,
		Base:      o.Base,
		Rel:       o.Rel,
		Price:     o.Price,
		MaxVolume: o.AvailableAmount(),
		MinVolume: o.MinBaseVol,
		Conf:      o.Conf,
		CreatedAt: o.CreatedAt,
	}
}

// TakerOrder is a time-limited request owned by this node. At most one
// match may exist: the first acceptable MakerReserved wins.
type TakerOrder struct {
	Uuid       uuid.UUID
	Action     TradeAction
	Base       string
	Rel        string
	BaseAmount types.Rational
	RelAmount  types.Rational
	MatchBy    MatchBy
	Type       OrderType
	Conf       types.ConfSettings
	CreatedAt  time.Time

	Match *Match
}

func (t *TakerOrder) wire() TakerRequestMsg {
	return TakerRequestMsg{
		Uuid:       t.Uuid,
		Base:       t.Base,
		Rel:        t.Rel,
		BaseAmount: t.BaseAmount,
		RelAmount:  t.RelAmount,
		Action:     t.Action,
		MatchBy:    t.MatchBy,
		Conf:       t.Conf,
	}
}

// toMakerOrder converts an unmatched GoodTillCancelled taker order into
// a sell-direction maker order. A Buy flips the pair: offering the rel
// side at the implied price.
func (t *TakerOrder) toMakerOrder(id uuid.UUID, now uint64) *MakerOrder {
	o := &MakerOrder{
		Uuid:      id,
		Conf:      t.Conf,
		CreatedAt: now,
		Matches:   make(map[uuid.UUID]*Match),
	}
	if t.Action == ActionSell {
		o.Base = t.Base
		o.Rel = t.Rel
		o.Price = t.RelAmount.Div(t.BaseAmount)
		o.MaxBaseVol = t.BaseAmount
	} else {
		o.Base = t.Rel
		o.Rel = t.Base
		o.Price = t.BaseAmount.Div(t.RelAmount)
		o.MaxBaseVol = t.RelAmount
		o.Conf = t.Conf.Flip()
	}
	o.MinBaseVol = types.MinTradingVol
	if o.MinBaseVol.Cmp(o.MaxBaseVol) > 0 {
		o.MinBaseVol = o.MaxBaseVol
	}
	return o
}

// matchWithRequest checks a taker request against the order and, when it
// fits, returns the matched amounts in the order's orientation at the
// order's price.
func (o *MakerOrder) matchWithRequest(req *TakerRequestMsg) (base, rel types.Rational, ok bool) {
	avail := o.AvailableAmount()

	switch req.Action {
	case ActionBuy:
		// Taker buys our base with our rel.
		if o.Base != req.Base || o.Rel != req.Rel {
			return
		}
		if req.BaseAmount.Cmp(avail) > 0 || req.BaseAmount.Cmp(o.MinBaseVol) < 0 {
			return
		}
		takerPrice := req.RelAmount.Div(req.BaseAmount)
		if takerPrice.Cmp(o.Price) < 0 {
			return
		}
		return req.BaseAmount, req.BaseAmount.Mul(o.Price), true

	case ActionSell:
		// Taker sells their base, which is our rel; they want our base.
		// The taker pays exactly its base amount and receives it divided
		// by our price, so a better-priced taker gets more than asked.
		if o.Base != req.Rel || o.Rel != req.Base {
			return
		}
		if req.RelAmount.Cmp(avail) > 0 || req.RelAmount.Cmp(o.MinBaseVol) < 0 {
			return
		}
		takerPrice := req.BaseAmount.Div(req.RelAmount)
		if takerPrice.Cmp(o.Price) < 0 {
			return
		}
		return req.BaseAmount.Div(o.Price), req.BaseAmount, true
	}
	return
}

// reservedAcceptable is the taker-side check of a MakerReserved against
// the originating request: right pair in the maker orientation, the
// taker-pinned amount exact (receive for Buy, pay for Sell) and the
// other side no worse than requested.
func reservedAcceptable(req *TakerRequestMsg, res *MakerReservedMsg) bool {
	if req.BaseAmount.Sign() <= 0 || req.RelAmount.Sign() <= 0 {
		return false
	}
	if res.BaseAmount.Sign() <= 0 || res.RelAmount.Sign() <= 0 {
		return false
	}

	switch req.Action {
	case ActionBuy:
		if res.Base != req.Base || res.Rel != req.Rel {
			return false
		}
		if res.BaseAmount.Cmp(req.BaseAmount) != 0 {
			return false
		}
		return res.RelAmount.Cmp(req.RelAmount) <= 0

	case ActionSell:
		if res.Base != req.Rel || res.Rel != req.Base {
			return false
		}
		if res.RelAmount.Cmp(req.BaseAmount) != 0 {
			return false
		}
		return res.BaseAmount.Cmp(req.RelAmount) >= 0
	}
	return false
}

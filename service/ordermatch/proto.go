package ordermatch

import (
	"github.com/google/uuid"

	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
)

// Wire tags for order-match messages. Stable: new messages append, old
// tags are never reused.
const (
	MsgMakerOrderCreated codec.MsgType = iota + 1
	MsgMakerOrderUpdated
	MsgMakerOrderCancelled
	MsgMakerOrderKeepAlive
	MsgTakerRequest
	MsgMakerReserved
	MsgTakerConnect
	MsgMakerConnected
	MsgGetOrderbook
	MsgOrderbookReply
	MsgGetOrder
	MsgOrderReply
)

// TradeAction is the direction of a taker request relative to its pair.
type TradeAction uint8

const (
	ActionBuy TradeAction = iota + 1
	ActionSell
)

func (a TradeAction) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderType decides what happens to an unmatched taker order at its
// timeout.
type OrderType uint8

const (
	// GoodTillCancelled converts an unmatched buy/sell into a
	// sell-direction maker order.
	GoodTillCancelled OrderType = iota
	// FillOrKill drops the unmatched order.
	FillOrKill
)

// MatchByKind restricts which makers a taker request may match.
type MatchByKind uint8

const (
	MatchByAny MatchByKind = iota
	MatchByOrders
	MatchByPubkeys
)

type MatchBy struct {
	_ struct{} `cbor:",toarray"`

	Kind    MatchByKind
	Orders  []uuid.UUID
	Pubkeys [][]byte
}

// AllowsPubkey reports whether a maker pubkey passes the policy.
func (m MatchBy) AllowsPubkey(pk []byte) bool {
	if m.Kind != MatchByPubkeys {
		return true
	}
	for _, p := range m.Pubkeys {
		if string(p) == string(pk) {
			return true
		}
	}
	return false
}

// AllowsOrder reports whether a maker order uuid passes the policy.
func (m MatchBy) AllowsOrder(id uuid.UUID) bool {
	if m.Kind != MatchByOrders {
		return true
	}
	for _, o := range m.Orders {
		if o == id {
			return true
		}
	}
	return false
}

// MakerOrderMsg announces a maker order, both on create and on update.
type MakerOrderMsg struct {
	_ struct{} `cbor:",toarray"`

	Uuid      uuid.UUID
	Base      string
	Rel       string
	Price     types.Rational
	MaxVolume types.Rational
	MinVolume types.Rational
	Conf      types.ConfSettings
	CreatedAt uint64
}

type MakerOrderCancelledMsg struct {
	_ struct{} `cbor:",toarray"`

	Uuid uuid.UUID
}

type MakerOrderKeepAliveMsg struct {
	_ struct{} `cbor:",toarray"`

	Uuid      uuid.UUID
	Timestamp uint64
}

// TakerRequestMsg announces a taker's intent on the pair topic.
type TakerRequestMsg struct {
	_ struct{} `cbor:",toarray"`

	Uuid       uuid.UUID
	Base       string
	Rel        string
	BaseAmount types.Rational
	RelAmount  types.Rational
	Action     TradeAction
	MatchBy    MatchBy
	Conf       types.ConfSettings
}

// MakerReservedMsg is the maker's claim on a taker request. Base, Rel
// and the amounts are in the maker order's orientation: Base is what the
// maker sells.
type MakerReservedMsg struct {
	_ struct{} `cbor:",toarray"`

	Base           string
	Rel            string
	BaseAmount     types.Rational
	RelAmount      types.Rational
	MakerOrderUuid uuid.UUID
	TakerOrderUuid uuid.UUID
	Conf           types.ConfSettings
}

type TakerConnectMsg struct {
	_ struct{} `cbor:",toarray"`

	TakerOrderUuid uuid.UUID
	MakerOrderUuid uuid.UUID
}

type MakerConnectedMsg struct {
	_ struct{} `cbor:",toarray"`

	TakerOrderUuid uuid.UUID
	MakerOrderUuid uuid.UUID
}

// GetOrderbookMsg asks a relay for the best asks and bids on a pair.
type GetOrderbookMsg struct {
	_ struct{} `cbor:",toarray"`

	Base    string
	Rel     string
	AsksNum uint32
	BidsNum uint32
}

// OrderbookEntry is one relayed order. The relay is not the owner, so
// the owner's pubkey rides along explicitly.
type OrderbookEntry struct {
	_ struct{} `cbor:",toarray"`

	Order  MakerOrderMsg
	Pubkey []byte
}

type OrderbookReplyMsg struct {
	_ struct{} `cbor:",toarray"`

	Asks []OrderbookEntry
	Bids []OrderbookEntry
}

type GetOrderMsg struct {
	_ struct{} `cbor:",toarray"`

	Uuid uuid.UUID
}

type OrderReplyMsg struct {
	_ struct{} `cbor:",toarray"`

	Entry OrderbookEntry
}

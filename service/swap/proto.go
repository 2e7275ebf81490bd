package swap

import (
	"github.com/google/uuid"

	"github.com/atomswap/go-atomdex/lib/codec"
)

// Wire tags for swap messages, above the ordermatch range. Stable.
const (
	MsgMakerNegotiation codec.MsgType = iota + 32
	MsgTakerNegotiationReply
	MsgMakerNegotiated
	MsgTakerFeeInfo
	MsgTakerPaymentInfo
	MsgMakerPaymentInfo
	MsgTakerPaymentSpendPreimage
)

// swapEnvelope wraps every swap payload with its uuid so the supervisor
// can route it to the right machine without decoding the body.
type swapEnvelope struct {
	_ struct{} `cbor:",toarray"`

	Uuid    uuid.UUID
	Payload []byte
}

// MakerNegotiationMsg opens the negotiation. PaymentLocktime is the
// maker HTLC lock, started_at + 2L.
type MakerNegotiationMsg struct {
	_ struct{} `cbor:",toarray"`

	StartedAt       uint64
	PaymentLocktime uint64
	SecretHash      []byte
	// MakerCoinHtlcPub and TakerCoinHtlcPub are the maker's swap-unique
	// keys on each chain.
	MakerCoinHtlcPub  []byte
	TakerCoinHtlcPub  []byte
	MakerCoinContract []byte
	TakerCoinContract []byte
}

// TakerNegotiationReplyMsg mirrors the negotiation from the taker side.
// PaymentLocktime is the taker HTLC lock, started_at + L.
type TakerNegotiationReplyMsg struct {
	_ struct{} `cbor:",toarray"`

	StartedAt         uint64
	PaymentLocktime   uint64
	MakerCoinHtlcPub  []byte
	TakerCoinHtlcPub  []byte
	MakerCoinContract []byte
	TakerCoinContract []byte
}

// MakerNegotiatedMsg acknowledges the taker reply; the taker may commit
// its fee after seeing it.
type MakerNegotiatedMsg struct {
	_ struct{} `cbor:",toarray"`

	Accepted bool
}

// TxInfoMsg carries an opaque transaction: the taker fee, the taker
// payment or the maker payment, depending on the wire tag.
type TxInfoMsg struct {
	_ struct{} `cbor:",toarray"`

	TxBytes []byte
}

// TakerPaymentSpendPreimageMsg hands the maker the taker's half-signed
// success spend of the taker payment.
type TakerPaymentSpendPreimageMsg struct {
	_ struct{} `cbor:",toarray"`

	Preimage  []byte
	Signature []byte
}

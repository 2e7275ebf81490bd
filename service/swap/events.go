package swap

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
)

// EventType tags one persisted swap event. Tags are stable forever:
// new variants append, old tags are never renumbered. Maker events use
// 1..15, taker events 16..31.
type EventType uint16

const (
	EvMakerStarted EventType = iota + 1
	EvMakerNegotiated
	EvTakerFeeValidated
	EvTakerPaymentReceived
	EvMakerPaymentSent
	EvTakerPaymentConfirmed
	EvTakerPaymentSpendPreimageReceived
	EvTakerPaymentSpent
	EvMakerPaymentRefundRequired
	EvMakerPaymentRefunded
	EvMakerAborted
	EvMakerCompleted
)

const (
	EvTakerStarted EventType = iota + 16
	EvTakerNegotiated
	EvTakerFeeSent
	EvTakerPaymentSent
	EvMakerPaymentReceived
	EvMakerPaymentConfirmed
	EvTakerPaymentSpentByMaker
	EvMakerPaymentSpent
	EvTakerPaymentRefundRequired
	EvTakerPaymentRefunded
	EvTakerAborted
	EvTakerCompleted
)

func (t EventType) String() string {
	switch t {
	case EvMakerStarted:
		return "MakerStarted"
	case EvMakerNegotiated:
		return "MakerNegotiated"
	case EvTakerFeeValidated:
		return "TakerFeeValidated"
	case EvTakerPaymentReceived:
		return "TakerPaymentReceived"
	case EvMakerPaymentSent:
		return "MakerPaymentSent"
	case EvTakerPaymentConfirmed:
		return "TakerPaymentConfirmed"
	case EvTakerPaymentSpendPreimageReceived:
		return "TakerPaymentSpendPreimageReceived"
	case EvTakerPaymentSpent:
		return "TakerPaymentSpent"
	case EvMakerPaymentRefundRequired:
		return "MakerPaymentRefundRequired"
	case EvMakerPaymentRefunded:
		return "MakerPaymentRefunded"
	case EvMakerAborted:
		return "MakerAborted"
	case EvMakerCompleted:
		return "MakerCompleted"
	case EvTakerStarted:
		return "TakerStarted"
	case EvTakerNegotiated:
		return "TakerNegotiated"
	case EvTakerFeeSent:
		return "TakerFeeSent"
	case EvTakerPaymentSent:
		return "TakerPaymentSent"
	case EvMakerPaymentReceived:
		return "MakerPaymentReceived"
	case EvMakerPaymentConfirmed:
		return "MakerPaymentConfirmed"
	case EvTakerPaymentSpentByMaker:
		return "TakerPaymentSpent"
	case EvMakerPaymentSpent:
		return "MakerPaymentSpent"
	case EvTakerPaymentRefundRequired:
		return "TakerPaymentRefundRequired"
	case EvTakerPaymentRefunded:
		return "TakerPaymentRefunded"
	case EvTakerAborted:
		return "TakerAborted"
	case EvTakerCompleted:
		return "TakerCompleted"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no event may follow this one.
func (t EventType) Terminal() bool {
	switch t {
	case EvMakerCompleted, EvMakerAborted, EvMakerPaymentRefunded,
		EvTakerCompleted, EvTakerAborted, EvTakerPaymentRefunded:
		return true
	}
	return false
}

// Event is one persisted record: when, what, and a variant-specific
// body. Bodies keep their encoded form so old logs survive upgrades;
// new fields default to missing on decode.
type Event struct {
	_ struct{} `cbor:",toarray"`

	TimestampMs uint64
	Type        EventType
	Body        cbor.RawMessage
}

func newEvent(nowMs uint64, t EventType, body interface{}) (*Event, error) {
	raw := cbor.RawMessage{0xf6} // null
	if body != nil {
		b, err := codec.Marshal(body)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Event{TimestampMs: nowMs, Type: t, Body: raw}, nil
}

// StartedData seeds a swap run. The maker's Secret is the only place
// the preimage touches disk; it is zeroed on completion.
type StartedData struct {
	_ struct{} `cbor:",toarray"`

	MakerCoin   string
	TakerCoin   string
	MakerVolume types.Rational
	TakerVolume types.Rational
	DexFee      types.Rational
	Secret      []byte
	SecretHash  []byte
	StartedAt   uint64
	// LockDuration is L in seconds.
	LockDuration        uint64
	Conf                types.ConfSettings
	OtherPubkey         []byte
	MakerCoinStartBlock uint64
	TakerCoinStartBlock uint64
}

// NegotiatedData is the counterparty half of the negotiation.
type NegotiatedData struct {
	_ struct{} `cbor:",toarray"`

	TheirStartedAt       uint64
	TheirPaymentLocktime uint64
	SecretHash           []byte
	MakerCoinHtlcPub     []byte
	TakerCoinHtlcPub     []byte
	MakerCoinContract    []byte
	TakerCoinContract    []byte
}

// TxData records a transaction an event produced or accepted.
type TxData struct {
	_ struct{} `cbor:",toarray"`

	TxBytes []byte
	TxID    []byte
}

// SpendData records a success-path spend together with the secret it
// carried.
type SpendData struct {
	_ struct{} `cbor:",toarray"`

	TxBytes []byte
	TxID    []byte
	Secret  []byte
}

// PreimageData records the taker's spend preimage once validated.
type PreimageData struct {
	_ struct{} `cbor:",toarray"`

	Preimage  []byte
	Signature []byte
}

// Reason records why a swap aborted or entered refund.
type Reason struct {
	_ struct{} `cbor:",toarray"`

	Code    string
	Message string
}

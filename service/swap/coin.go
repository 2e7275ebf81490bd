// Package swap executes atomic swaps: the maker and taker HTLC state
// machines, their durable event logs, and the supervisor that runs and
// resumes them.
package swap

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/lib/types"
)

// PaymentArgs parameterises an HTLC funding transaction.
type PaymentArgs struct {
	// Lock is the refund timelock, unix seconds.
	Lock uint64
	// OtherPub is the counterparty's HTLC pubkey on this chain.
	OtherPub []byte
	// SecretHash locks the success path.
	SecretHash []byte
	Amount     types.Rational
	// SwapData makes the HTLC swap-unique; the swap uuid in practice.
	SwapData []byte
}

// SpendArgs parameterises the success-path spend of the counterparty's
// HTLC.
type SpendArgs struct {
	PaymentTx []byte
	Lock      uint64
	OtherPub  []byte
	Secret    []byte
}

// RefundArgs parameterises the timelock-path sweep of our own HTLC.
type RefundArgs struct {
	PaymentTx  []byte
	Lock       uint64
	OtherPub   []byte
	SecretHash []byte
}

// ValidateArgs carries the negotiated terms an on-chain HTLC must match
// exactly.
type ValidateArgs struct {
	PaymentTx  []byte
	Lock       uint64
	OtherPub   []byte
	SecretHash []byte
	Amount     types.Rational
	// MinBlock is the chain height at swap start; the payment must not
	// predate it.
	MinBlock uint64
}

// ValidateFeeArgs checks the taker's protocol fee transaction.
type ValidateFeeArgs struct {
	FeeTx          []byte
	ExpectedSender []byte
	FeeAddr        []byte
	Amount         types.Rational
	MinBlock       uint64
	Uuid           []byte
}

// Coin is the narrow contract a chain driver provides to the swap core.
// The core never parses chain transaction formats: transactions travel
// through it as opaque bytes. Every send operation must be idempotent
// for identical inputs, and every validate operation must fail closed.
type Coin interface {
	Ticker() string
	CurrentBlock(ctx context.Context) (uint64, error)

	// DeriveHtlcPubkey returns the swap-unique key this node uses
	// inside HTLCs, deterministic in uniqueData.
	DeriveHtlcPubkey(uniqueData []byte) []byte

	MyBalance(ctx context.Context) (types.Rational, error)
	TradeFee(ctx context.Context) (types.Rational, error)
	RequiredConfirmations() uint64
	RequiresNotarization() bool

	// CanSpendOtherPayment is the pre-flight feasibility check, e.g.
	// enough gas to claim an HTLC.
	CanSpendOtherPayment(ctx context.Context) error

	// FeeAddr is the protocol-fee address for this coin family.
	FeeAddr() []byte

	// TxID derives the chain identifier of an opaque transaction.
	TxID(tx []byte) []byte

	SendMakerPayment(ctx context.Context, args PaymentArgs) ([]byte, error)
	SendTakerPayment(ctx context.Context, args PaymentArgs) ([]byte, error)
	SendTakerFee(ctx context.Context, feeAddr []byte, amount types.Rational, uniqueData []byte) ([]byte, error)

	SendMakerSpendsTakerPayment(ctx context.Context, args SpendArgs) ([]byte, error)
	SendTakerSpendsMakerPayment(ctx context.Context, args SpendArgs) ([]byte, error)
	SendMakerRefundsPayment(ctx context.Context, args RefundArgs) ([]byte, error)
	SendTakerRefundsPayment(ctx context.Context, args RefundArgs) ([]byte, error)

	ValidateMakerPayment(ctx context.Context, args ValidateArgs) error
	ValidateTakerPayment(ctx context.Context, args ValidateArgs) error
	ValidateFee(ctx context.Context, args ValidateFeeArgs) error

	// CreateTakerPaymentSpendPreimage builds the taker's half-signed
	// success spend of its own payment, handed to the maker off-chain.
	CreateTakerPaymentSpendPreimage(ctx context.Context, takerPayment []byte, lock uint64, otherPub, secretHash []byte) (preimage, sig []byte, err error)

	// ValidateTakerPaymentSpendPreimage checks the preimage both as a
	// plausible partial transaction and as carrying a valid signature
	// under the taker's HTLC key.
	ValidateTakerPaymentSpendPreimage(ctx context.Context, preimage, sig, takerHtlcPub []byte) error

	// SignAndBroadcastTakerPaymentSpend co-signs the taker preimage
	// with the secret and broadcasts it, revealing the secret on-chain.
	SignAndBroadcastTakerPaymentSpend(ctx context.Context, preimage, sig, takerPayment, secret []byte) ([]byte, error)

	WaitForConfirmations(ctx context.Context, tx []byte, confs uint64, nota bool, until time.Time) error

	// WaitForTxSpend returns the transaction spending tx's HTLC output.
	WaitForTxSpend(ctx context.Context, tx []byte, until time.Time, fromBlock uint64) ([]byte, error)

	// ExtractSecret pulls the 32-byte preimage out of a spend's
	// witness, script or call data.
	ExtractSecret(secretHash, spendTx []byte) ([]byte, error)
}

var ErrCoinNotFound = errors.New("coin driver not registered")

// Registry maps tickers to activated coin drivers.
type Registry struct {
	lk    sync.RWMutex
	coins map[string]Coin
}

func NewRegistry() *Registry {
	return &Registry{coins: make(map[string]Coin)}
}

func (r *Registry) Register(c Coin) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.coins[c.Ticker()] = c
}

func (r *Registry) Get(ticker string) (Coin, error) {
	r.lk.RLock()
	defer r.lk.RUnlock()

	c, ok := r.coins[ticker]
	if !ok {
		return nil, errors.Wrap(ErrCoinNotFound, ticker)
	}
	return c, nil
}

func (r *Registry) Tickers() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()

	out := make([]string, 0, len(r.coins))
	for t := range r.coins {
		out = append(out, t)
	}
	return out
}

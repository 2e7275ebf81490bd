package build

import "time"

const (
	// KeepAliveInterval is the maker-order rebroadcast cadence; peers that
	// miss it long enough drop the order from their books.
	KeepAliveInterval = 30 * time.Second

	// MakerOrderTimeout marks a remote order inactive after three missed
	// keep-alives.
	MakerOrderTimeout = 3 * KeepAliveInterval

	// TakerOrderTimeout is how long an unmatched taker order lives before
	// it is dropped (FillOrKill) or converted (GoodTillCancelled).
	TakerOrderTimeout = 30 * time.Second

	// OrderMatchTimeout discards a reserved match that never reached the
	// connected state, freeing the reserved volume.
	OrderMatchTimeout = 30 * time.Second

	// InactiveOrderTimeout purges an inactive order for good.
	InactiveOrderTimeout = 240 * time.Second

	OrderbookRequestTimeout = 60 * time.Second

	NegotiationTimeout = 90 * time.Second

	// MaxStartedAtDiff bounds the clock skew accepted between the two
	// sides' started_at stamps.
	MaxStartedAtDiff = 60 * time.Second

	// PaymentLocktimeBase is the base lock duration L in seconds; the
	// taker HTLC locks for L, the maker HTLC for 2L. Includes safety
	// slack over the nominal two hours.
	PaymentLocktimeBase = 7500

	// DexFeeDivisor: taker protocol fee = taker_volume / DexFeeDivisor.
	DexFeeDivisor = 777

	// RequestRateLimit caps inbound direct requests per peer per second.
	RequestRateLimit = 10
)

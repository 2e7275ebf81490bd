package swap

import (
	"time"

	"github.com/atomswap/go-atomdex/config"
)

// lockDuration derives L for a coin pair: the base locktime scaled by
// the slowest coin's configured multiplier. The taker HTLC locks for L,
// the maker HTLC for 2L so the maker can still refund after the taker's
// window closed.
func lockDuration(cfg config.TradeConfig, tickers ...string) time.Duration {
	mult := uint64(1)
	for _, t := range tickers {
		if m, ok := cfg.LocktimeCoinMultiplier[t]; ok && m > mult {
			mult = m
		}
	}
	return time.Duration(cfg.PaymentLocktimeBase*mult) * time.Second
}

// takerPaymentLock computes the taker HTLC refund time.
func takerPaymentLock(startedAt uint64, l time.Duration) uint64 {
	return startedAt + uint64(l/time.Second)
}

// makerPaymentLock computes the maker HTLC refund time.
func makerPaymentLock(startedAt uint64, l time.Duration) uint64 {
	return startedAt + 2*uint64(l/time.Second)
}

// takerPaymentConfDeadline is the maker's limit for seeing the taker
// payment confirmed: started_at + 2L/3.
func takerPaymentConfDeadline(startedAt uint64, l time.Duration) time.Time {
	return time.Unix(int64(startedAt)+2*int64(l/time.Second)/3, 0)
}

// makerPaymentConfDeadline is the taker's limit for seeing the maker
// payment confirmed: started_at + L/3.
func makerPaymentConfDeadline(startedAt uint64, l time.Duration) time.Time {
	return time.Unix(int64(startedAt)+int64(l/time.Second)/3, 0)
}

// refundGrace delays a taker refund past the lock to avoid racing a
// late maker spend.
const refundGrace = 10 * time.Second

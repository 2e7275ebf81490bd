package swap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atomswap/go-atomdex/config"
)

func TestLockDuration(t *testing.T) {
	cfg := config.TradeConfig{
		PaymentLocktimeBase: 7500,
		LocktimeCoinMultiplier: map[string]uint64{
			"SLOW":   4,
			"SLOWER": 10,
		},
	}

	require.Equal(t, 7500*time.Second, lockDuration(cfg, "MYCOIN", "MYCOIN1"))
	// The slowest coin of the pair decides.
	require.Equal(t, 30000*time.Second, lockDuration(cfg, "MYCOIN", "SLOW"))
	require.Equal(t, 75000*time.Second, lockDuration(cfg, "SLOW", "SLOWER"))
}

func TestPaymentLockRelations(t *testing.T) {
	const startedAt = uint64(1_700_000_000)
	l := 7500 * time.Second

	taker := takerPaymentLock(startedAt, l)
	maker := makerPaymentLock(startedAt, l)

	require.Equal(t, startedAt+7500, taker)
	require.Equal(t, startedAt+15000, maker)
	// The maker refund window opens a full L after the taker's, so the
	// maker can still punish a taker that sat on the secret reveal.
	require.Equal(t, uint64(7500), maker-taker)

	// Confirmation deadlines leave room before the respective locks.
	require.True(t, takerPaymentConfDeadline(startedAt, l).Before(time.Unix(int64(taker), 0)))
	require.True(t, makerPaymentConfDeadline(startedAt, l).Before(time.Unix(int64(taker), 0)))
	require.Equal(t, time.Unix(int64(startedAt)+5000, 0), takerPaymentConfDeadline(startedAt, l))
	require.Equal(t, time.Unix(int64(startedAt)+2500, 0), makerPaymentConfDeadline(startedAt, l))
}

func TestValidateStartedAtBoundary(t *testing.T) {
	const max = 60 * time.Second

	require.NoError(t, validateStartedAt(1000, 1000, max))
	require.NoError(t, validateStartedAt(1000, 1060, max))
	require.NoError(t, validateStartedAt(1060, 1000, max))
	require.Error(t, validateStartedAt(1000, 1061, max))
	require.Error(t, validateStartedAt(1061, 1000, max))
}

package swap

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/backend/kv"
	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
)

// mockCoin is an in-memory chain shared by both sides of a swap.
// Transactions are deterministic byte strings; spends of a payment
// queue up so a watcher sees them in order.
type mockCoin struct {
	ticker  string
	balance types.Rational

	mu     sync.Mutex
	spends map[string][][]byte // payment tx -> pending spend txs

	confirmErr     error
	refundErr      error
	validateErr    error
	rejectPreimage []byte
}

func newMockCoin(ticker string) *mockCoin {
	return &mockCoin{
		ticker:  ticker,
		balance: types.RationalFromInt(1000),
		spends:  make(map[string][][]byte),
	}
}

func (c *mockCoin) Ticker() string { return c.ticker }

func (c *mockCoin) CurrentBlock(ctx context.Context) (uint64, error) { return 100, nil }

func (c *mockCoin) DeriveHtlcPubkey(uniqueData []byte) []byte {
	return append([]byte(c.ticker+"|htlc|"), uniqueData...)
}

func (c *mockCoin) MyBalance(ctx context.Context) (types.Rational, error) {
	return c.balance, nil
}

func (c *mockCoin) TradeFee(ctx context.Context) (types.Rational, error) {
	return types.NewRational(1, 1000), nil
}

func (c *mockCoin) RequiredConfirmations() uint64 { return 1 }
func (c *mockCoin) RequiresNotarization() bool    { return false }

func (c *mockCoin) CanSpendOtherPayment(ctx context.Context) error { return nil }

func (c *mockCoin) FeeAddr() []byte { return []byte("fee|" + c.ticker) }

func (c *mockCoin) TxID(tx []byte) []byte { return secretHash(tx) }

func (c *mockCoin) SendMakerPayment(ctx context.Context, args PaymentArgs) ([]byte, error) {
	return append([]byte(c.ticker+"|makerpay|"), args.SwapData...), nil
}

func (c *mockCoin) SendTakerPayment(ctx context.Context, args PaymentArgs) ([]byte, error) {
	return append([]byte(c.ticker+"|takerpay|"), args.SwapData...), nil
}

func (c *mockCoin) SendTakerFee(ctx context.Context, feeAddr []byte, amount types.Rational, uniqueData []byte) ([]byte, error) {
	return append([]byte(c.ticker+"|fee|"), uniqueData...), nil
}

// recordSpend appends a spend unless the identical tx is already
// queued, matching the idempotent-broadcast contract.
func (c *mockCoin) recordSpend(payment, spend []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.spends[string(payment)] {
		if bytes.Equal(s, spend) {
			return s
		}
	}
	c.spends[string(payment)] = append(c.spends[string(payment)], spend)
	return spend
}

func spendTx(payment, secret []byte) []byte {
	out := append([]byte("spend|"), payment...)
	return append(out, secret...)
}

func (c *mockCoin) SendMakerSpendsTakerPayment(ctx context.Context, args SpendArgs) ([]byte, error) {
	return c.recordSpend(args.PaymentTx, spendTx(args.PaymentTx, args.Secret)), nil
}

func (c *mockCoin) SendTakerSpendsMakerPayment(ctx context.Context, args SpendArgs) ([]byte, error) {
	return c.recordSpend(args.PaymentTx, spendTx(args.PaymentTx, args.Secret)), nil
}

func (c *mockCoin) SendMakerRefundsPayment(ctx context.Context, args RefundArgs) ([]byte, error) {
	if c.refundErr != nil {
		return nil, c.refundErr
	}
	return append([]byte("refund|"), args.PaymentTx...), nil
}

func (c *mockCoin) SendTakerRefundsPayment(ctx context.Context, args RefundArgs) ([]byte, error) {
	if c.refundErr != nil {
		return nil, c.refundErr
	}
	return append([]byte("refund|"), args.PaymentTx...), nil
}

func (c *mockCoin) ValidateMakerPayment(ctx context.Context, args ValidateArgs) error {
	return c.validateErr
}

func (c *mockCoin) ValidateTakerPayment(ctx context.Context, args ValidateArgs) error {
	return c.validateErr
}

func (c *mockCoin) ValidateFee(ctx context.Context, args ValidateFeeArgs) error {
	return c.validateErr
}

func (c *mockCoin) CreateTakerPaymentSpendPreimage(ctx context.Context, takerPayment []byte, lock uint64, otherPub, secretHash []byte) ([]byte, []byte, error) {
	return append([]byte("pre|"), takerPayment...), []byte("sig"), nil
}

func (c *mockCoin) ValidateTakerPaymentSpendPreimage(ctx context.Context, preimage, sig, takerHtlcPub []byte) error {
	if c.rejectPreimage != nil && bytes.Equal(preimage, c.rejectPreimage) {
		return errors.New("bad preimage")
	}
	return nil
}

func (c *mockCoin) SignAndBroadcastTakerPaymentSpend(ctx context.Context, preimage, sig, takerPayment, secret []byte) ([]byte, error) {
	return c.recordSpend(takerPayment, spendTx(takerPayment, secret)), nil
}

func (c *mockCoin) WaitForConfirmations(ctx context.Context, tx []byte, confs uint64, nota bool, until time.Time) error {
	return c.confirmErr
}

func (c *mockCoin) WaitForTxSpend(ctx context.Context, tx []byte, until time.Time, fromBlock uint64) ([]byte, error) {
	for {
		c.mu.Lock()
		q := c.spends[string(tx)]
		if len(q) > 0 {
			spend := q[0]
			c.spends[string(tx)] = q[1:]
			c.mu.Unlock()
			return spend, nil
		}
		c.mu.Unlock()

		if time.Now().After(until) {
			return nil, errors.New("payment not spent before deadline")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (c *mockCoin) ExtractSecret(secretHash, spend []byte) ([]byte, error) {
	if len(spend) < 32 {
		return nil, errors.New("spend too short")
	}
	return spend[len(spend)-32:], nil
}

// pipeBus is a loopback gossip layer: Publish unwraps the envelope and
// hands the payload straight to the counterparty machine.
type pipeBus struct {
	self []byte
	to   func(mt codec.MsgType, signer, data []byte)
}

func (b *pipeBus) Subscribe(name string) error { return nil }
func (b *pipeBus) Unsubscribe(name string)     {}
func (b *pipeBus) SelfPubkey() []byte          { return b.self }

func (b *pipeBus) Publish(ctx context.Context, name string, mt codec.MsgType, body []byte) error {
	var env swapEnvelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return err
	}
	if b.to != nil {
		b.to(mt, b.self, env.Payload)
	}
	return nil
}

func testTradeConfig() config.TradeConfig {
	return config.TradeConfig{
		PaymentLocktimeBase: 30,
		NegotiationTimeout:  30,
		MaxStartedAtDiff:    60,
		DexFeeDivisor:       777,
	}
}

func newTestMachine(t *testing.T, id uuid.UUID, mc, tc Coin, other []byte) machine {
	t.Helper()
	ds, err := kv.NewBadgerStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	takerVolume := types.NewRational(28, 10)
	return machine{
		uuid:        id,
		st:          NewEventStore(ds),
		cfg:         testTradeConfig(),
		netName:     "testnet",
		makerCoin:   mc,
		takerCoin:   tc,
		makerVolume: types.RationalFromInt(2),
		takerVolume: takerVolume,
		dexFee:      takerVolume.DivInt(777),
		conf:        types.ConfSettings{BaseConfs: 1, RelConfs: 1},
		otherPubkey: other,
		inbox:       make(chan inbound, 32),
	}
}

func eventTypes(t *testing.T, st *EventStore, id uuid.UUID) []EventType {
	t.Helper()
	events, err := st.LoadEvents(id)
	require.NoError(t, err)
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestHappyPathSwap(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")
	makerPub := []byte("maker-pubkey")
	takerPub := []byte("taker-pubkey")

	maker := newMakerSwap(newTestMachine(t, id, base, rel, takerPub))
	taker := newTakerSwap(newTestMachine(t, id, base, rel, makerPub))
	maker.bus = &pipeBus{self: makerPub, to: taker.deliver}
	taker.bus = &pipeBus{self: takerPub, to: maker.deliver}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- maker.Run(ctx) }()
	go func() { errCh <- taker.Run(ctx) }()
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
	}

	require.Equal(t, []EventType{
		EvMakerStarted, EvMakerNegotiated, EvTakerFeeValidated,
		EvTakerPaymentReceived, EvMakerPaymentSent, EvTakerPaymentConfirmed,
		EvTakerPaymentSpendPreimageReceived, EvTakerPaymentSpent, EvMakerCompleted,
	}, eventTypes(t, maker.st, id))

	require.Equal(t, []EventType{
		EvTakerStarted, EvTakerNegotiated, EvTakerFeeSent,
		EvTakerPaymentSent, EvMakerPaymentReceived, EvMakerPaymentConfirmed,
		EvTakerPaymentSpentByMaker, EvMakerPaymentSpent, EvTakerCompleted,
	}, eventTypes(t, taker.st, id))

	require.True(t, maker.st.IsFinished(id))
	require.True(t, taker.st.IsFinished(id))

	// The taker learned the real preimage from the on-chain spend.
	require.Equal(t, maker.started.Secret, taker.learnedSecret)
	require.Equal(t, taker.negotiated.SecretHash, secretHash(taker.learnedSecret))

	// The maker's persisted secret is redacted once the swap completed.
	events, err := maker.st.LoadEvents(id)
	require.NoError(t, err)
	var sd StartedData
	require.NoError(t, codec.Unmarshal(events[0].Body, &sd))
	require.Equal(t, make([]byte, 32), sd.Secret)
	require.Equal(t, maker.started.SecretHash, sd.SecretHash)
}

func TestMakerRefundsAfterConfirmationFailure(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")
	rel.confirmErr = errors.New("not confirmed")

	s := newMakerSwap(newTestMachine(t, id, base, rel, []byte("taker-pubkey")))
	s.bus = &pipeBus{self: []byte("maker-pubkey")}

	// Committed state with the maker payment lock already expired.
	s.startedAt = uint64(time.Now().Unix()) - 61
	s.lockDur = 30 * time.Second
	s.negotiated = NegotiatedData{MakerCoinHtlcPub: []byte("mpub"), TakerCoinHtlcPub: []byte("tpub")}
	s.started.SecretHash = secretHash([]byte("whatever-secret-this-hashes-from"))
	s.takerPaymentTx = []byte("MYCOIN1|takerpay|x")
	s.makerPaymentTx = []byte("MYCOIN|makerpay|x")
	s.phase = makerPhaseConfirmTakerPayment

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	require.Equal(t, []EventType{EvMakerPaymentRefundRequired, EvMakerPaymentRefunded},
		eventTypes(t, s.st, id))
	require.True(t, s.st.IsFinished(id))
}

func TestTakerRefundsAfterMakerPaymentTimeout(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")

	s := newTakerSwap(newTestMachine(t, id, base, rel, []byte("maker-pubkey")))
	s.bus = &pipeBus{self: []byte("taker-pubkey")}

	// The taker payment lock plus grace is already behind us, so the
	// refund path runs without waiting.
	s.startedAt = uint64(time.Now().Unix()) - 50
	s.lockDur = 30 * time.Second
	s.negotiated = NegotiatedData{
		SecretHash:       secretHash([]byte("whatever-secret-this-hashes-from")),
		MakerCoinHtlcPub: []byte("mpub"),
		TakerCoinHtlcPub: []byte("tpub"),
	}
	s.takerFeeTx = []byte("MYCOIN1|fee|x")
	s.takerPaymentTx = []byte("MYCOIN1|takerpay|x")
	s.phase = takerPhaseWaitMakerPayment

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	require.Equal(t, []EventType{EvTakerPaymentRefundRequired, EvTakerPaymentRefunded},
		eventTypes(t, s.st, id))
	require.True(t, s.st.IsFinished(id))
}

func TestMakerFirstValidPreimageWins(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")
	rel.rejectPreimage = []byte("bad-preimage")
	otherPub := []byte("taker-pubkey")

	s := newMakerSwap(newTestMachine(t, id, base, rel, otherPub))
	s.bus = &pipeBus{self: []byte("maker-pubkey")}
	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = 30 * time.Second
	s.makerPaymentTx = []byte("MYCOIN|makerpay|x")

	inject := func(signer []byte, pre []byte) {
		data, err := codec.Marshal(&TakerPaymentSpendPreimageMsg{Preimage: pre, Signature: []byte("sig")})
		require.NoError(t, err)
		s.deliver(MsgTakerPaymentSpendPreimage, signer, data)
	}
	inject([]byte("someone-else"), []byte("forged-preimage"))
	inject(otherPub, []byte("bad-preimage"))
	inject(otherPub, []byte("good-preimage"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.stepWaitPreimage(ctx))

	require.Equal(t, makerPhaseSpendTakerPayment, s.phase)
	require.Equal(t, []byte("good-preimage"), s.preimage.Preimage)
	require.Equal(t, []EventType{EvTakerPaymentSpendPreimageReceived}, eventTypes(t, s.st, id))
}

func TestTakerIgnoresSpendWithWrongSecret(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")

	s := newTakerSwap(newTestMachine(t, id, base, rel, []byte("maker-pubkey")))
	s.bus = &pipeBus{self: []byte("taker-pubkey")}
	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = 30 * time.Second

	secret := bytes.Repeat([]byte{7}, 32)
	s.negotiated = NegotiatedData{
		SecretHash:       secretHash(secret),
		MakerCoinHtlcPub: []byte("mpub"),
		TakerCoinHtlcPub: []byte("tpub"),
	}
	s.takerPaymentTx = []byte("MYCOIN1|takerpay|x")
	s.makerPaymentTx = []byte("MYCOIN|makerpay|x")
	s.phase = takerPhaseWaitSpend

	// A spend carrying the wrong preimage sits on-chain first; the
	// genuine spend lands shortly after.
	rel.recordSpend(s.takerPaymentTx, spendTx(s.takerPaymentTx, bytes.Repeat([]byte{9}, 32)))
	go func() {
		time.Sleep(100 * time.Millisecond)
		rel.recordSpend(s.takerPaymentTx, spendTx(s.takerPaymentTx, secret))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.stepWaitSpend(ctx))

	require.Equal(t, takerPhaseSpendMakerPayment, s.phase)
	require.Equal(t, secret, s.learnedSecret)
}

func TestMakerReplayResumesAtSpend(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")
	otherPub := []byte("taker-pubkey")

	first := newMakerSwap(newTestMachine(t, id, base, rel, otherPub))
	first.bus = &pipeBus{self: []byte("maker-pubkey")}

	secret := bytes.Repeat([]byte{3}, 32)
	started := StartedData{
		MakerCoin:    "MYCOIN",
		TakerCoin:    "MYCOIN1",
		MakerVolume:  first.makerVolume,
		TakerVolume:  first.takerVolume,
		DexFee:       first.dexFee,
		Secret:       secret,
		SecretHash:   secretHash(secret),
		StartedAt:    uint64(time.Now().Unix()),
		LockDuration: 30,
		Conf:         first.conf,
		OtherPubkey:  otherPub,
	}
	negotiated := NegotiatedData{
		TheirStartedAt:       started.StartedAt,
		TheirPaymentLocktime: started.StartedAt + 30,
		SecretHash:           started.SecretHash,
		MakerCoinHtlcPub:     []byte("mpub"),
		TakerCoinHtlcPub:     []byte("tpub"),
	}
	takerPayment := []byte("MYCOIN1|takerpay|x")
	makerPayment := []byte("MYCOIN|makerpay|x")
	preimage := PreimageData{Preimage: []byte("pre"), Signature: []byte("sig")}

	require.NoError(t, first.st.AddUnfinished(id, started.StartedAt))
	require.NoError(t, first.persist(EvMakerStarted, &started))
	require.NoError(t, first.persist(EvMakerNegotiated, &negotiated))
	require.NoError(t, first.persist(EvTakerFeeValidated, &TxData{TxBytes: []byte("fee")}))
	require.NoError(t, first.persist(EvTakerPaymentReceived, &TxData{TxBytes: takerPayment}))
	require.NoError(t, first.persist(EvMakerPaymentSent, &TxData{TxBytes: makerPayment}))
	require.NoError(t, first.persist(EvTakerPaymentConfirmed, nil))
	require.NoError(t, first.persist(EvTakerPaymentSpendPreimageReceived, &preimage))

	// The crash happened after the broadcast reached the chain but
	// before the event could be written.
	wellKnown := rel.recordSpend(takerPayment, spendTx(takerPayment, secret))

	resumed := newMakerSwap(first.machine)
	events, err := resumed.st.LoadEvents(id)
	require.NoError(t, err)
	require.NoError(t, resumed.replay(events))

	require.Equal(t, makerPhaseSpendTakerPayment, resumed.phase)
	require.Equal(t, preimage, resumed.preimage)
	require.Equal(t, takerPayment, resumed.takerPaymentTx)
	require.Equal(t, makerPayment, resumed.makerPaymentTx)
	require.Equal(t, secret, resumed.started.Secret)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, resumed.Run(ctx))

	require.True(t, resumed.st.IsFinished(id))
	evts := eventTypes(t, resumed.st, id)
	require.Equal(t, EvMakerCompleted, evts[len(evts)-1])

	// The idempotent broadcast produced no second spend.
	var spent SpendData
	all, err := resumed.st.LoadEvents(id)
	require.NoError(t, err)
	for _, ev := range all {
		if ev.Type == EvTakerPaymentSpent {
			require.NoError(t, codec.Unmarshal(ev.Body, &spent))
		}
	}
	require.Equal(t, wellKnown, spent.TxBytes)
}

func TestMakerAbortsOnBadTakerLocktime(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")
	otherPub := []byte("taker-pubkey")

	s := newMakerSwap(newTestMachine(t, id, base, rel, otherPub))
	s.bus = &pipeBus{self: []byte("maker-pubkey")}
	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = 30 * time.Second
	s.started.SecretHash = secretHash(bytes.Repeat([]byte{1}, 32))
	s.phase = makerPhaseNegotiate

	// Reply with a taker locktime of 2L instead of L.
	reply := TakerNegotiationReplyMsg{
		StartedAt:        s.startedAt,
		PaymentLocktime:  s.startedAt + 60,
		MakerCoinHtlcPub: []byte("mpub"),
		TakerCoinHtlcPub: []byte("tpub"),
	}
	data, err := codec.Marshal(&reply)
	require.NoError(t, err)
	s.deliver(MsgTakerNegotiationReply, otherPub, data)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.stepNegotiate(ctx))

	require.Equal(t, makerPhaseDone, s.phase)
	require.Equal(t, []EventType{EvMakerAborted}, eventTypes(t, s.st, id))
}

func TestTakerSpendWatchStopsRetransmitter(t *testing.T) {
	id := uuid.New()
	base := newMockCoin("MYCOIN")
	rel := newMockCoin("MYCOIN1")

	s := newTakerSwap(newTestMachine(t, id, base, rel, []byte("maker-pubkey")))
	s.bus = &pipeBus{self: []byte("taker-pubkey")}
	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = 30 * time.Second

	secret := bytes.Repeat([]byte{5}, 32)
	s.negotiated = NegotiatedData{
		SecretHash:       secretHash(secret),
		MakerCoinHtlcPub: []byte("mpub"),
		TakerCoinHtlcPub: []byte("tpub"),
	}
	s.takerPaymentTx = []byte("MYCOIN1|takerpay|x")
	s.makerPaymentTx = []byte("MYCOIN|makerpay|x")
	s.phase = takerPhaseWaitSpend
	rel.recordSpend(s.takerPaymentTx, spendTx(s.takerPaymentTx, secret))

	// The surrounding context stays alive well past the step; the
	// preimage retransmitter must still wind down with the step itself.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	before := runtime.NumGoroutine()
	require.NoError(t, s.stepWaitSpend(ctx))

	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("retransmit goroutine outlived its step: %d > %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

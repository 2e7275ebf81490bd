package swap

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"lukechampine.com/frand"

	"github.com/atomswap/go-atomdex/lib/codec"
)

type makerPhase uint8

const (
	makerPhaseStart makerPhase = iota
	makerPhaseNegotiate
	makerPhaseWaitTakerFee
	makerPhaseWaitTakerPayment
	makerPhaseSendPayment
	makerPhaseConfirmTakerPayment
	makerPhaseWaitPreimage
	makerPhaseSpendTakerPayment
	makerPhaseComplete
	makerPhaseRefund
	makerPhaseDone
)

// MakerSwap drives the seller side. Every phase persists its event
// before acting on it; the phase is a pure fold over the event log, so
// a crashed machine resumes exactly where it left off.
type MakerSwap struct {
	machine

	phase makerPhase

	takerFeeTx     []byte
	takerPaymentTx []byte
	makerPaymentTx []byte
	preimage       PreimageData
}

func newMakerSwap(m machine) *MakerSwap {
	return &MakerSwap{machine: m, phase: makerPhaseStart}
}

// Run drives the machine to a terminal event or a pause. A cancelled
// context surfaces as ErrPaused; the supervisor resumes the swap on the
// next start.
func (s *MakerSwap) Run(ctx context.Context) error {
	for {
		var err error
		switch s.phase {
		case makerPhaseStart:
			err = s.stepStart(ctx)
		case makerPhaseNegotiate:
			err = s.stepNegotiate(ctx)
		case makerPhaseWaitTakerFee:
			err = s.stepWaitTakerFee(ctx)
		case makerPhaseWaitTakerPayment:
			err = s.stepWaitTakerPayment(ctx)
		case makerPhaseSendPayment:
			err = s.stepSendPayment(ctx)
		case makerPhaseConfirmTakerPayment:
			err = s.stepConfirmTakerPayment(ctx)
		case makerPhaseWaitPreimage:
			err = s.stepWaitPreimage(ctx)
		case makerPhaseSpendTakerPayment:
			err = s.stepSpendTakerPayment(ctx)
		case makerPhaseComplete:
			err = s.stepComplete(ctx)
		case makerPhaseRefund:
			err = s.stepRefund(ctx)
		case makerPhaseDone:
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ErrPaused
			}
			return err
		}
	}
}

// abort ends a pre-commitment swap; no funds are at risk.
func (s *MakerSwap) abort(err error) error {
	logger.Warnf("maker swap %s aborted: %s", s.uuid, err)
	if perr := s.persist(EvMakerAborted, reasonOf(err)); perr != nil {
		return perr
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	s.phase = makerPhaseDone
	return nil
}

// refundRequired moves a committed swap onto the refund path.
func (s *MakerSwap) refundRequired(err error) error {
	logger.Warnf("maker swap %s requires refund: %s", s.uuid, err)
	if perr := s.persist(EvMakerPaymentRefundRequired, reasonOf(err)); perr != nil {
		return perr
	}
	s.phase = makerPhaseRefund
	return nil
}

func (s *MakerSwap) stepStart(ctx context.Context) error {
	bal, err := s.makerCoin.MyBalance(ctx)
	if err != nil {
		return s.abort(transientErr("balance_unavailable", err))
	}
	fee, err := s.makerCoin.TradeFee(ctx)
	if err != nil {
		return s.abort(transientErr("trade_fee_unavailable", err))
	}
	if bal.Cmp(s.makerVolume.Add(fee)) < 0 {
		return s.abort(resourceErr("insufficient_balance",
			errors.Errorf("have %s, need %s plus fees", bal.Decimal(), s.makerVolume.Decimal())))
	}

	makerBlock, err := s.makerCoin.CurrentBlock(ctx)
	if err != nil {
		return s.abort(transientErr("maker_chain_unavailable", err))
	}
	takerBlock, err := s.takerCoin.CurrentBlock(ctx)
	if err != nil {
		return s.abort(transientErr("taker_chain_unavailable", err))
	}

	secret := frand.Bytes(32)
	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = lockDuration(s.cfg, s.makerCoin.Ticker(), s.takerCoin.Ticker())

	s.started = StartedData{
		MakerCoin:           s.makerCoin.Ticker(),
		TakerCoin:           s.takerCoin.Ticker(),
		MakerVolume:         s.makerVolume,
		TakerVolume:         s.takerVolume,
		DexFee:              s.dexFee,
		Secret:              secret,
		SecretHash:          secretHash(secret),
		StartedAt:           s.startedAt,
		LockDuration:        uint64(s.lockDur / time.Second),
		Conf:                s.conf,
		OtherPubkey:         s.otherPubkey,
		MakerCoinStartBlock: makerBlock,
		TakerCoinStartBlock: takerBlock,
	}

	if err := s.st.AddUnfinished(s.uuid, s.startedAt); err != nil {
		return err
	}
	if err := s.persist(EvMakerStarted, &s.started); err != nil {
		return err
	}
	s.phase = makerPhaseNegotiate
	return nil
}

func (s *MakerSwap) stepNegotiate(ctx context.Context) error {
	neg := MakerNegotiationMsg{
		StartedAt:        s.startedAt,
		PaymentLocktime:  makerPaymentLock(s.startedAt, s.lockDur),
		SecretHash:       s.started.SecretHash,
		MakerCoinHtlcPub: s.makerCoin.DeriveHtlcPubkey(s.uuid[:]),
		TakerCoinHtlcPub: s.takerCoin.DeriveHtlcPubkey(s.uuid[:]),
	}

	deadline := time.Now().Add(time.Duration(s.cfg.NegotiationTimeout) * time.Second)
	var reply TakerNegotiationReplyMsg
	err := s.sendAndRecv(ctx, MsgMakerNegotiation, &neg, MsgTakerNegotiationReply, deadline, &reply)
	if err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			return s.abort(validationErr("negotiation_timeout", err))
		}
		if ctx.Err() != nil {
			return err
		}
		return s.abort(err)
	}

	if err := validateStartedAt(s.startedAt, reply.StartedAt, time.Duration(s.cfg.MaxStartedAtDiff)*time.Second); err != nil {
		return s.abort(err)
	}
	wantLock := takerPaymentLock(reply.StartedAt, s.lockDur)
	if reply.PaymentLocktime != wantLock {
		return s.abort(validationErr("taker_locktime",
			errors.Errorf("taker locktime %d, want %d", reply.PaymentLocktime, wantLock)))
	}
	if len(reply.MakerCoinHtlcPub) == 0 || len(reply.TakerCoinHtlcPub) == 0 {
		return s.abort(validationErr("taker_htlc_pubkeys", errors.New("missing taker htlc pubkeys")))
	}

	s.negotiated = NegotiatedData{
		TheirStartedAt:       reply.StartedAt,
		TheirPaymentLocktime: reply.PaymentLocktime,
		SecretHash:           s.started.SecretHash,
		MakerCoinHtlcPub:     reply.MakerCoinHtlcPub,
		TakerCoinHtlcPub:     reply.TakerCoinHtlcPub,
		MakerCoinContract:    reply.MakerCoinContract,
		TakerCoinContract:    reply.TakerCoinContract,
	}
	if err := s.persist(EvMakerNegotiated, &s.negotiated); err != nil {
		return err
	}
	s.phase = makerPhaseWaitTakerFee
	return nil
}

// stepWaitTakerFee keeps acknowledging the negotiation until the fee
// transaction arrives, then validates it.
func (s *MakerSwap) stepWaitTakerFee(ctx context.Context) error {
	ack := MakerNegotiatedMsg{Accepted: true}
	deadline := makerPaymentConfDeadline(s.startedAt, s.lockDur)

	var fee TxInfoMsg
	err := s.sendAndRecv(ctx, MsgMakerNegotiated, &ack, MsgTakerFeeInfo, deadline, &fee)
	if err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			return s.abort(validationErr("taker_fee_timeout", err))
		}
		if ctx.Err() != nil {
			return err
		}
		return s.abort(err)
	}

	verr := s.takerCoin.ValidateFee(ctx, ValidateFeeArgs{
		FeeTx:          fee.TxBytes,
		ExpectedSender: s.negotiated.TakerCoinHtlcPub,
		FeeAddr:        s.takerCoin.FeeAddr(),
		Amount:         s.dexFee,
		MinBlock:       s.started.TakerCoinStartBlock,
		Uuid:           s.uuid[:],
	})
	if verr != nil {
		return s.abort(validationErr("taker_fee_invalid", verr))
	}

	s.takerFeeTx = fee.TxBytes
	if err := s.persist(EvTakerFeeValidated, &TxData{TxBytes: fee.TxBytes, TxID: s.takerCoin.TxID(fee.TxBytes)}); err != nil {
		return err
	}
	s.phase = makerPhaseWaitTakerPayment
	return nil
}

func (s *MakerSwap) stepWaitTakerPayment(ctx context.Context) error {
	deadline := takerPaymentConfDeadline(s.startedAt, s.lockDur)

	var pay TxInfoMsg
	if err := s.recv(ctx, MsgTakerPaymentInfo, deadline, &pay); err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			return s.abort(validationErr("taker_payment_timeout", err))
		}
		if ctx.Err() != nil {
			return err
		}
		return s.abort(err)
	}

	verr := s.takerCoin.ValidateTakerPayment(ctx, ValidateArgs{
		PaymentTx:  pay.TxBytes,
		Lock:       s.negotiated.TheirPaymentLocktime,
		OtherPub:   s.negotiated.TakerCoinHtlcPub,
		SecretHash: s.started.SecretHash,
		Amount:     s.takerVolume,
		MinBlock:   s.started.TakerCoinStartBlock,
	})
	if verr != nil {
		return s.abort(validationErr("taker_payment_invalid", verr))
	}

	s.takerPaymentTx = pay.TxBytes
	if err := s.persist(EvTakerPaymentReceived, &TxData{TxBytes: pay.TxBytes, TxID: s.takerCoin.TxID(pay.TxBytes)}); err != nil {
		return err
	}
	s.phase = makerPhaseSendPayment
	return nil
}

func (s *MakerSwap) stepSendPayment(ctx context.Context) error {
	args := PaymentArgs{
		Lock:       makerPaymentLock(s.startedAt, s.lockDur),
		OtherPub:   s.negotiated.MakerCoinHtlcPub,
		SecretHash: s.started.SecretHash,
		Amount:     s.makerVolume,
		SwapData:   s.uuid[:],
	}

	var tx []byte
	var err error
	for i := 0; i < 3; i++ {
		tx, err = s.makerCoin.SendMakerPayment(ctx, args)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return s.abort(transientErr("maker_payment_send_failed", err))
	}

	s.makerPaymentTx = tx
	if err := s.persist(EvMakerPaymentSent, &TxData{TxBytes: tx, TxID: s.makerCoin.TxID(tx)}); err != nil {
		return err
	}
	if err := s.send(ctx, MsgMakerPaymentInfo, &TxInfoMsg{TxBytes: tx}); err != nil {
		logger.Debugf("maker swap %s: payment info: %s", s.uuid, err)
	}
	s.phase = makerPhaseConfirmTakerPayment
	return nil
}

func (s *MakerSwap) stepConfirmTakerPayment(ctx context.Context) error {
	until := takerPaymentConfDeadline(s.startedAt, s.lockDur)
	err := s.takerCoin.WaitForConfirmations(ctx, s.takerPaymentTx, s.conf.RelConfs, s.conf.RelNota, until)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.refundRequired(validationErr("taker_payment_not_confirmed_in_time", err))
	}

	if err := s.persist(EvTakerPaymentConfirmed, nil); err != nil {
		return err
	}
	s.phase = makerPhaseWaitPreimage
	return nil
}

// stepWaitPreimage rebroadcasts the maker payment info while waiting
// for the taker's spend preimage. An invalid preimage is dropped and
// the wait continues; the first valid one wins.
func (s *MakerSwap) stepWaitPreimage(ctx context.Context) error {
	deadline := time.Unix(int64(takerPaymentLock(s.startedAt, s.lockDur)), 0)
	info := TxInfoMsg{TxBytes: s.makerPaymentTx}

	for {
		var pre TakerPaymentSpendPreimageMsg
		err := s.sendAndRecv(ctx, MsgMakerPaymentInfo, &info, MsgTakerPaymentSpendPreimage, deadline, &pre)
		if err != nil {
			if errors.Is(err, ErrRecvTimeout) {
				return s.refundRequired(validationErr("preimage_timeout", err))
			}
			if ctx.Err() != nil {
				return err
			}
			return s.refundRequired(err)
		}

		verr := s.takerCoin.ValidateTakerPaymentSpendPreimage(ctx, pre.Preimage, pre.Signature, s.negotiated.TakerCoinHtlcPub)
		if verr != nil {
			logger.Warnf("maker swap %s: invalid spend preimage, keep waiting: %s", s.uuid, verr)
			continue
		}

		s.preimage = PreimageData{Preimage: pre.Preimage, Signature: pre.Signature}
		if err := s.persist(EvTakerPaymentSpendPreimageReceived, &s.preimage); err != nil {
			return err
		}
		s.phase = makerPhaseSpendTakerPayment
		return nil
	}
}

// stepSpendTakerPayment co-signs and broadcasts the spend, revealing
// the secret on-chain. The driver's idempotency makes a replayed
// broadcast a no-op.
func (s *MakerSwap) stepSpendTakerPayment(ctx context.Context) error {
	deadline := time.Unix(int64(takerPaymentLock(s.startedAt, s.lockDur)), 0)

	var tx []byte
	var err error
	for {
		tx, err = s.takerCoin.SignAndBroadcastTakerPaymentSpend(ctx, s.preimage.Preimage, s.preimage.Signature, s.takerPaymentTx, s.started.Secret)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return s.refundRequired(transientErr("taker_payment_spend_failed", err))
		}
		logger.Warnf("maker swap %s: spend broadcast failed, retrying: %s", s.uuid, err)
		if serr := sleepUntil(ctx, time.Now().Add(5*time.Second)); serr != nil {
			return serr
		}
	}

	sd := SpendData{TxBytes: tx, TxID: s.takerCoin.TxID(tx), Secret: s.started.Secret}
	if err := s.persist(EvTakerPaymentSpent, &sd); err != nil {
		return err
	}
	s.phase = makerPhaseComplete
	return nil
}

func (s *MakerSwap) stepComplete(ctx context.Context) error {
	if err := s.st.RedactSecret(s.uuid); err != nil {
		return err
	}
	if err := s.persist(EvMakerCompleted, nil); err != nil {
		return err
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	logger.Infof("maker swap %s completed", s.uuid)
	s.phase = makerPhaseDone
	return nil
}

// stepRefund waits out the maker payment lock and then retries the
// refund until a broadcast is accepted. Committed funds are never
// abandoned.
func (s *MakerSwap) stepRefund(ctx context.Context) error {
	lock := makerPaymentLock(s.startedAt, s.lockDur)
	if err := sleepUntil(ctx, time.Unix(int64(lock), 0)); err != nil {
		return err
	}

	args := RefundArgs{
		PaymentTx:  s.makerPaymentTx,
		Lock:       lock,
		OtherPub:   s.negotiated.MakerCoinHtlcPub,
		SecretHash: s.started.SecretHash,
	}

	var tx []byte
	var err error
	for {
		tx, err = s.makerCoin.SendMakerRefundsPayment(ctx, args)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("maker swap %s: refund failed, retrying: %s", s.uuid, err)
		if serr := sleepUntil(ctx, time.Now().Add(30*time.Second)); serr != nil {
			return serr
		}
	}

	if err := s.persist(EvMakerPaymentRefunded, &TxData{TxBytes: tx, TxID: s.makerCoin.TxID(tx)}); err != nil {
		return err
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	logger.Infof("maker swap %s refunded", s.uuid)
	s.phase = makerPhaseDone
	return nil
}

// replay folds the persisted events back into machine state, leaving
// the phase at the next action a crash-free run would take.
func (s *MakerSwap) replay(events []Event) error {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EvMakerStarted:
			if err := codec.Unmarshal(ev.Body, &s.started); err != nil {
				return err
			}
			s.startedAt = s.started.StartedAt
			s.lockDur = time.Duration(s.started.LockDuration) * time.Second
			s.makerVolume = s.started.MakerVolume
			s.takerVolume = s.started.TakerVolume
			s.dexFee = s.started.DexFee
			s.conf = s.started.Conf
			s.otherPubkey = s.started.OtherPubkey
			s.phase = makerPhaseNegotiate
		case EvMakerNegotiated:
			if err := codec.Unmarshal(ev.Body, &s.negotiated); err != nil {
				return err
			}
			s.phase = makerPhaseWaitTakerFee
		case EvTakerFeeValidated:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.takerFeeTx = td.TxBytes
			s.phase = makerPhaseWaitTakerPayment
		case EvTakerPaymentReceived:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.takerPaymentTx = td.TxBytes
			s.phase = makerPhaseSendPayment
		case EvMakerPaymentSent:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.makerPaymentTx = td.TxBytes
			s.phase = makerPhaseConfirmTakerPayment
		case EvTakerPaymentConfirmed:
			s.phase = makerPhaseWaitPreimage
		case EvTakerPaymentSpendPreimageReceived:
			if err := codec.Unmarshal(ev.Body, &s.preimage); err != nil {
				return err
			}
			s.phase = makerPhaseSpendTakerPayment
		case EvTakerPaymentSpent:
			s.phase = makerPhaseComplete
		case EvMakerPaymentRefundRequired:
			s.phase = makerPhaseRefund
		case EvMakerPaymentRefunded, EvMakerAborted, EvMakerCompleted:
			s.phase = makerPhaseDone
		default:
			return classify(KindInternal, "unknown_event",
				errors.Errorf("maker log holds event %d", ev.Type))
		}
	}
	return nil
}

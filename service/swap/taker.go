package swap

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/lib/codec"
)

type takerPhase uint8

const (
	takerPhaseStart takerPhase = iota
	takerPhaseNegotiate
	takerPhaseSendFee
	takerPhaseSendPayment
	takerPhaseWaitMakerPayment
	takerPhaseConfirmMakerPayment
	takerPhaseWaitSpend
	takerPhaseSpendMakerPayment
	takerPhaseComplete
	takerPhaseRefund
	takerPhaseDone
)

// TakerSwap drives the buyer side. The taker locks funds first: fee,
// then payment, before the maker commits anything.
type TakerSwap struct {
	machine

	phase takerPhase

	takerFeeTx     []byte
	takerPaymentTx []byte
	makerPaymentTx []byte
	learnedSecret  []byte
}

func newTakerSwap(m machine) *TakerSwap {
	return &TakerSwap{machine: m, phase: takerPhaseStart}
}

func (s *TakerSwap) Run(ctx context.Context) error {
	for {
		var err error
		switch s.phase {
		case takerPhaseStart:
			err = s.stepStart(ctx)
		case takerPhaseNegotiate:
			err = s.stepNegotiate(ctx)
		case takerPhaseSendFee:
			err = s.stepSendFee(ctx)
		case takerPhaseSendPayment:
			err = s.stepSendPayment(ctx)
		case takerPhaseWaitMakerPayment:
			err = s.stepWaitMakerPayment(ctx)
		case takerPhaseConfirmMakerPayment:
			err = s.stepConfirmMakerPayment(ctx)
		case takerPhaseWaitSpend:
			err = s.stepWaitSpend(ctx)
		case takerPhaseSpendMakerPayment:
			err = s.stepSpendMakerPayment(ctx)
		case takerPhaseComplete:
			err = s.stepComplete(ctx)
		case takerPhaseRefund:
			err = s.stepRefund(ctx)
		case takerPhaseDone:
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

func (s *TakerSwap) abort(err error) error {
	logger.Warnf("taker swap %s aborted: %s", s.uuid, err)
	if perr := s.persist(EvTakerAborted, reasonOf(err)); perr != nil {
		return perr
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	s.phase = takerPhaseDone
	return nil
}

func (s *TakerSwap) refundRequired(err error) error {
	logger.Warnf("taker swap %s requires refund: %s", s.uuid, err)
	if perr := s.persist(EvTakerPaymentRefundRequired, reasonOf(err)); perr != nil {
		return perr
	}
	s.phase = takerPhaseRefund
	return nil
}

func (s *TakerSwap) stepStart(ctx context.Context) error {
	bal, err := s.takerCoin.MyBalance(ctx)
	if err != nil {
		return s.abort(transientErr("balance_unavailable", err))
	}
	fee, err := s.takerCoin.TradeFee(ctx)
	if err != nil {
		return s.abort(transientErr("trade_fee_unavailable", err))
	}
	need := s.takerVolume.Add(s.dexFee).Add(fee)
	if bal.Cmp(need) < 0 {
		return s.abort(resourceErr("insufficient_balance",
			errors.Errorf("have %s, need %s", bal.Decimal(), need.Decimal())))
	}
	if err := s.makerCoin.CanSpendOtherPayment(ctx); err != nil {
		return s.abort(resourceErr("cannot_spend_maker_payment", err))
	}

	makerBlock, err := s.makerCoin.CurrentBlock(ctx)
	if err != nil {
		return s.abort(transientErr("maker_chain_unavailable", err))
	}
	takerBlock, err := s.takerCoin.CurrentBlock(ctx)
	if err != nil {
		return s.abort(transientErr("taker_chain_unavailable", err))
	}

	s.startedAt = uint64(time.Now().Unix())
	s.lockDur = lockDuration(s.cfg, s.makerCoin.Ticker(), s.takerCoin.Ticker())

	s.started = StartedData{
		MakerCoin:           s.makerCoin.Ticker(),
		TakerCoin:           s.takerCoin.Ticker(),
		MakerVolume:         s.makerVolume,
		TakerVolume:         s.takerVolume,
		DexFee:              s.dexFee,
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
	if err := s.persist(EvTakerStarted, &s.started); err != nil {
		return err
	}
	s.phase = takerPhaseNegotiate
	return nil
}

// stepNegotiate waits for the maker's opener, replies, and keeps
// replying until the maker acknowledges.
func (s *TakerSwap) stepNegotiate(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(s.cfg.NegotiationTimeout) * time.Second)

	var neg MakerNegotiationMsg
	if err := s.recv(ctx, MsgMakerNegotiation, deadline, &neg); err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			return s.abort(validationErr("negotiation_timeout", err))
		}
		if ctx.Err() != nil {
			return err
		}
		return s.abort(err)
	}

	if err := validateStartedAt(s.startedAt, neg.StartedAt, time.Duration(s.cfg.MaxStartedAtDiff)*time.Second); err != nil {
		return s.abort(err)
	}
	wantLock := makerPaymentLock(neg.StartedAt, s.lockDur)
	if neg.PaymentLocktime != wantLock {
		return s.abort(validationErr("maker_locktime",
			errors.Errorf("maker locktime %d, want %d", neg.PaymentLocktime, wantLock)))
	}
	if len(neg.SecretHash) == 0 || len(neg.MakerCoinHtlcPub) == 0 || len(neg.TakerCoinHtlcPub) == 0 {
		return s.abort(validationErr("maker_negotiation", errors.New("incomplete negotiation data")))
	}

	s.negotiated = NegotiatedData{
		TheirStartedAt:       neg.StartedAt,
		TheirPaymentLocktime: neg.PaymentLocktime,
		SecretHash:           neg.SecretHash,
		MakerCoinHtlcPub:     neg.MakerCoinHtlcPub,
		TakerCoinHtlcPub:     neg.TakerCoinHtlcPub,
		MakerCoinContract:    neg.MakerCoinContract,
		TakerCoinContract:    neg.TakerCoinContract,
	}

	reply := TakerNegotiationReplyMsg{
		StartedAt:        s.startedAt,
		PaymentLocktime:  takerPaymentLock(s.startedAt, s.lockDur),
		MakerCoinHtlcPub: s.makerCoin.DeriveHtlcPubkey(s.uuid[:]),
		TakerCoinHtlcPub: s.takerCoin.DeriveHtlcPubkey(s.uuid[:]),
	}
	var ack MakerNegotiatedMsg
	err := s.sendAndRecv(ctx, MsgTakerNegotiationReply, &reply, MsgMakerNegotiated, deadline, &ack)
	if err != nil {
		if errors.Is(err, ErrRecvTimeout) {
			return s.abort(validationErr("negotiated_ack_timeout", err))
		}
		if ctx.Err() != nil {
			return err
		}
		return s.abort(err)
	}
	if !ack.Accepted {
		return s.abort(validationErr("maker_rejected", errors.New("maker rejected negotiation")))
	}

	if err := s.persist(EvTakerNegotiated, &s.negotiated); err != nil {
		return err
	}
	s.phase = takerPhaseSendFee
	return nil
}

// stepSendFee commits the protocol fee: volume / fee divisor, sent to
// the coin family's fee address. This is the first value the taker
// risks.
func (s *TakerSwap) stepSendFee(ctx context.Context) error {
	var tx []byte
	var err error
	for i := 0; i < 3; i++ {
		tx, err = s.takerCoin.SendTakerFee(ctx, s.takerCoin.FeeAddr(), s.dexFee, s.uuid[:])
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		return s.abort(transientErr("taker_fee_send_failed", err))
	}

	s.takerFeeTx = tx
	if err := s.persist(EvTakerFeeSent, &TxData{TxBytes: tx, TxID: s.takerCoin.TxID(tx)}); err != nil {
		return err
	}
	if err := s.send(ctx, MsgTakerFeeInfo, &TxInfoMsg{TxBytes: tx}); err != nil {
		logger.Debugf("taker swap %s: fee info: %s", s.uuid, err)
	}
	s.phase = takerPhaseSendPayment
	return nil
}

func (s *TakerSwap) stepSendPayment(ctx context.Context) error {
	args := PaymentArgs{
		Lock:       takerPaymentLock(s.startedAt, s.lockDur),
		OtherPub:   s.negotiated.TakerCoinHtlcPub,
		SecretHash: s.negotiated.SecretHash,
		Amount:     s.takerVolume,
		SwapData:   s.uuid[:],
	}

	var tx []byte
	var err error
	for i := 0; i < 3; i++ {
		tx, err = s.takerCoin.SendTakerPayment(ctx, args)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		// The fee is already gone but the payment never left; nothing
		// is locked in an HTLC, so this ends as an abort.
		return s.abort(transientErr("taker_payment_send_failed", err))
	}

	s.takerPaymentTx = tx
	if err := s.persist(EvTakerPaymentSent, &TxData{TxBytes: tx, TxID: s.takerCoin.TxID(tx)}); err != nil {
		return err
	}
	s.phase = takerPhaseWaitMakerPayment
	return nil
}

// stepWaitMakerPayment rebroadcasts the fee and payment info until the
// maker payment shows up, then validates it against the negotiated
// terms exactly.
func (s *TakerSwap) stepWaitMakerPayment(ctx context.Context) error {
	deadline := makerPaymentConfDeadline(s.startedAt, s.lockDur)

	feeInfo, err := codec.Marshal(&TxInfoMsg{TxBytes: s.takerFeeTx})
	if err != nil {
		return err
	}
	feeEnv, err := codec.Marshal(&swapEnvelope{Uuid: s.uuid, Payload: feeInfo})
	if err != nil {
		return err
	}

	tick := time.NewTicker(retransmitInterval)
	defer tick.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	if err := s.send(ctx, MsgTakerPaymentInfo, &TxInfoMsg{TxBytes: s.takerPaymentTx}); err != nil {
		logger.Debugf("taker swap %s: payment info: %s", s.uuid, err)
	}

	var pay TxInfoMsg
recv:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return s.refundRequired(validationErr("maker_payment_timeout", ErrRecvTimeout))
		case <-tick.C:
			if err := s.bus.Publish(ctx, s.topic(), MsgTakerFeeInfo, feeEnv); err != nil {
				logger.Debugf("taker swap %s: retransmit fee: %s", s.uuid, err)
			}
			if err := s.send(ctx, MsgTakerPaymentInfo, &TxInfoMsg{TxBytes: s.takerPaymentTx}); err != nil {
				logger.Debugf("taker swap %s: retransmit payment: %s", s.uuid, err)
			}
		case in := <-s.inbox:
			if in.mt != MsgMakerPaymentInfo || !bytes.Equal(in.signer, s.otherPubkey) {
				continue
			}
			if err := codec.Unmarshal(in.data, &pay); err != nil {
				continue
			}
			break recv
		}
	}

	verr := s.makerCoin.ValidateMakerPayment(ctx, ValidateArgs{
		PaymentTx:  pay.TxBytes,
		Lock:       s.negotiated.TheirPaymentLocktime,
		OtherPub:   s.negotiated.MakerCoinHtlcPub,
		SecretHash: s.negotiated.SecretHash,
		Amount:     s.makerVolume,
		MinBlock:   s.started.MakerCoinStartBlock,
	})
	if verr != nil {
		return s.refundRequired(validationErr("maker_payment_invalid", verr))
	}

	s.makerPaymentTx = pay.TxBytes
	if err := s.persist(EvMakerPaymentReceived, &TxData{TxBytes: pay.TxBytes, TxID: s.makerCoin.TxID(pay.TxBytes)}); err != nil {
		return err
	}
	s.phase = takerPhaseConfirmMakerPayment
	return nil
}

func (s *TakerSwap) stepConfirmMakerPayment(ctx context.Context) error {
	until := makerPaymentConfDeadline(s.startedAt, s.lockDur)
	err := s.makerCoin.WaitForConfirmations(ctx, s.makerPaymentTx, s.conf.BaseConfs, s.conf.BaseNota, until)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.refundRequired(validationErr("maker_payment_not_confirmed_in_time", err))
	}

	if err := s.persist(EvMakerPaymentConfirmed, nil); err != nil {
		return err
	}
	s.phase = takerPhaseWaitSpend
	return nil
}

// stepWaitSpend hands the maker the spend preimage and watches the
// taker payment on-chain. The maker's spend reveals the secret; a spend
// carrying a preimage that does not hash to the negotiated value is
// rejected and the watch continues.
func (s *TakerSwap) stepWaitSpend(ctx context.Context) error {
	lock := takerPaymentLock(s.startedAt, s.lockDur)
	deadline := time.Unix(int64(lock), 0)

	preimage, sig, err := s.takerCoin.CreateTakerPaymentSpendPreimage(ctx, s.takerPaymentTx, lock, s.negotiated.TakerCoinHtlcPub, s.negotiated.SecretHash)
	if err != nil {
		return s.refundRequired(transientErr("spend_preimage_create_failed", err))
	}
	pre := TakerPaymentSpendPreimageMsg{Preimage: preimage, Signature: sig}
	if err := s.send(ctx, MsgTakerPaymentSpendPreimage, &pre); err != nil {
		logger.Debugf("taker swap %s: spend preimage: %s", s.uuid, err)
	}

	// The retransmitter lives exactly as long as this step.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	retransmit := time.NewTicker(retransmitInterval)
	defer retransmit.Stop()
	go func() {
		for {
			select {
			case <-sctx.Done():
				return
			case <-retransmit.C:
				if time.Now().After(deadline) {
					return
				}
				if err := s.send(sctx, MsgTakerPaymentSpendPreimage, &pre); err != nil {
					return
				}
			}
		}
	}()

	fromBlock := s.started.TakerCoinStartBlock
	for {
		spendTx, err := s.takerCoin.WaitForTxSpend(ctx, s.takerPaymentTx, deadline, fromBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.refundRequired(validationErr("taker_payment_not_spent_in_time", err))
		}

		secret, err := s.takerCoin.ExtractSecret(s.negotiated.SecretHash, spendTx)
		if err != nil {
			logger.Warnf("taker swap %s: spend without extractable secret, keep watching: %s", s.uuid, err)
			continue
		}
		if !bytes.Equal(secretHash(secret), s.negotiated.SecretHash) {
			logger.Warnf("taker swap %s: extracted secret does not match hash, keep watching", s.uuid)
			continue
		}

		s.learnedSecret = secret
		sd := SpendData{TxBytes: spendTx, TxID: s.takerCoin.TxID(spendTx), Secret: secret}
		if err := s.persist(EvTakerPaymentSpentByMaker, &sd); err != nil {
			return err
		}
		s.phase = takerPhaseSpendMakerPayment
		return nil
	}
}

// stepSpendMakerPayment claims the maker HTLC with the learned secret.
func (s *TakerSwap) stepSpendMakerPayment(ctx context.Context) error {
	args := SpendArgs{
		PaymentTx: s.makerPaymentTx,
		Lock:      s.negotiated.TheirPaymentLocktime,
		OtherPub:  s.negotiated.MakerCoinHtlcPub,
		Secret:    s.learnedSecret,
	}

	var tx []byte
	var err error
	for {
		tx, err = s.makerCoin.SendTakerSpendsMakerPayment(ctx, args)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("taker swap %s: maker payment spend failed, retrying: %s", s.uuid, err)
		if serr := sleepUntil(ctx, time.Now().Add(5*time.Second)); serr != nil {
			return serr
		}
	}

	if err := s.persist(EvMakerPaymentSpent, &TxData{TxBytes: tx, TxID: s.makerCoin.TxID(tx)}); err != nil {
		return err
	}
	s.phase = takerPhaseComplete
	return nil
}

func (s *TakerSwap) stepComplete(ctx context.Context) error {
	if err := s.persist(EvTakerCompleted, nil); err != nil {
		return err
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	logger.Infof("taker swap %s completed", s.uuid)
	s.phase = takerPhaseDone
	return nil
}

// stepRefund sweeps the taker HTLC back after the lock plus a grace
// period, so a last-second maker spend is not raced.
func (s *TakerSwap) stepRefund(ctx context.Context) error {
	lock := takerPaymentLock(s.startedAt, s.lockDur)
	if err := sleepUntil(ctx, time.Unix(int64(lock), 0).Add(refundGrace)); err != nil {
		return err
	}

	args := RefundArgs{
		PaymentTx:  s.takerPaymentTx,
		Lock:       lock,
		OtherPub:   s.negotiated.TakerCoinHtlcPub,
		SecretHash: s.negotiated.SecretHash,
	}

	var tx []byte
	var err error
	for {
		tx, err = s.takerCoin.SendTakerRefundsPayment(ctx, args)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("taker swap %s: refund failed, retrying: %s", s.uuid, err)
		if serr := sleepUntil(ctx, time.Now().Add(30*time.Second)); serr != nil {
			return serr
		}
	}

	if err := s.persist(EvTakerPaymentRefunded, &TxData{TxBytes: tx, TxID: s.takerCoin.TxID(tx)}); err != nil {
		return err
	}
	if err := s.st.MarkFinished(s.uuid); err != nil {
		return err
	}
	logger.Infof("taker swap %s refunded", s.uuid)
	s.phase = takerPhaseDone
	return nil
}

func (s *TakerSwap) replay(events []Event) error {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EvTakerStarted:
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
			s.phase = takerPhaseNegotiate
		case EvTakerNegotiated:
			if err := codec.Unmarshal(ev.Body, &s.negotiated); err != nil {
				return err
			}
			s.phase = takerPhaseSendFee
		case EvTakerFeeSent:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.takerFeeTx = td.TxBytes
			s.phase = takerPhaseSendPayment
		case EvTakerPaymentSent:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.takerPaymentTx = td.TxBytes
			s.phase = takerPhaseWaitMakerPayment
		case EvMakerPaymentReceived:
			var td TxData
			if err := codec.Unmarshal(ev.Body, &td); err != nil {
				return err
			}
			s.makerPaymentTx = td.TxBytes
			s.phase = takerPhaseConfirmMakerPayment
		case EvMakerPaymentConfirmed:
			s.phase = takerPhaseWaitSpend
		case EvTakerPaymentSpentByMaker:
			var sd SpendData
			if err := codec.Unmarshal(ev.Body, &sd); err != nil {
				return err
			}
			s.learnedSecret = sd.Secret
			s.phase = takerPhaseSpendMakerPayment
		case EvMakerPaymentSpent:
			s.phase = takerPhaseComplete
		case EvTakerPaymentRefundRequired:
			s.phase = takerPhaseRefund
		case EvTakerPaymentRefunded, EvTakerAborted, EvTakerCompleted:
			s.phase = takerPhaseDone
		default:
			return classify(KindInternal, "unknown_event",
				errors.Errorf("taker log holds event %d", ev.Type))
		}
	}
	return nil
}

package ordermatch

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
)

// Buy places a taker order to acquire amount of base, paying at most
// amount*price of rel.
func (s *Service) Buy(ctx context.Context, base, rel string, amount, price types.Rational, ot OrderType, mb MatchBy, conf types.ConfSettings) (*TakerOrder, error) {
	return s.placeTakerOrder(ctx, ActionBuy, base, rel, amount, price, ot, mb, conf)
}

// Sell places a taker order to sell amount of base for at least
// amount*price of rel.
func (s *Service) Sell(ctx context.Context, base, rel string, amount, price types.Rational, ot OrderType, mb MatchBy, conf types.ConfSettings) (*TakerOrder, error) {
	return s.placeTakerOrder(ctx, ActionSell, base, rel, amount, price, ot, mb, conf)
}

func (s *Service) placeTakerOrder(ctx context.Context, action TradeAction, base, rel string, amount, price types.Rational, ot OrderType, mb MatchBy, conf types.ConfSettings) (*TakerOrder, error) {
	if base == "" || rel == "" || base == rel {
		return nil, ErrBadOrder
	}
	if price.Cmp(types.MinPrice) < 0 {
		return nil, errors.Wrap(ErrBadOrder, "price below minimum")
	}
	if amount.Cmp(types.MinTradingVol) < 0 {
		return nil, errors.Wrap(ErrBadOrder, "amount below tradable minimum")
	}

	t := &TakerOrder{
		Uuid:       uuid.New(),
		Action:     action,
		Base:       base,
		Rel:        rel,
		BaseAmount: amount,
		RelAmount:  amount.Mul(price),
		MatchBy:    mb,
		Type:       ot,
		Conf:       conf,
		CreatedAt:  time.Now(),
	}

	s.lk.Lock()
	s.takerOrders[t.Uuid] = t
	s.lk.Unlock()

	if err := s.ensurePairTopic(base, rel); err != nil {
		return nil, err
	}
	if err := s.publish(base, rel, MsgTakerRequest, t.wire()); err != nil {
		return nil, err
	}

	logger.Infof("taker order %s: %s %s %s at %s", t.Uuid, action, amount.Decimal(), base, price.Decimal())
	return t, nil
}

// handleMakerReserved runs the taker-side acceptance: the first reserved
// that satisfies the request wins, later ones are ignored.
func (s *Service) handleMakerReserved(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) || bytes.Equal(signer, s.pn.SelfPubkey()) {
		return nil
	}

	var res MakerReservedMsg
	if err := codec.Unmarshal(msg.Data, &res); err != nil {
		s.Ban(signer)
		return err
	}

	s.lk.Lock()
	t, ok := s.takerOrders[res.TakerOrderUuid]
	if !ok || t.Match != nil {
		s.lk.Unlock()
		return nil
	}
	req := t.wire()
	if !reservedAcceptable(&req, &res) {
		s.lk.Unlock()
		logger.Debugf("reserved for %s rejected: terms do not satisfy request", res.TakerOrderUuid)
		return nil
	}
	if !t.MatchBy.AllowsPubkey(signer) || !t.MatchBy.AllowsOrder(res.MakerOrderUuid) {
		s.lk.Unlock()
		return nil
	}
	t.Match = &Match{
		Request:     req,
		Reserved:    res,
		OtherPubkey: signer,
		State:       MatchReserved,
		Updated:     time.Now(),
	}
	s.lk.Unlock()

	con := TakerConnectMsg{
		TakerOrderUuid: res.TakerOrderUuid,
		MakerOrderUuid: res.MakerOrderUuid,
	}
	logger.Infof("accepting reserved from maker order %s for taker order %s", res.MakerOrderUuid, res.TakerOrderUuid)
	return s.publish(t.Base, t.Rel, MsgTakerConnect, &con)
}

// handleMakerConnected finalizes the match on the taker side and spawns
// the taker swap machine.
func (s *Service) handleMakerConnected(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) {
		return nil
	}

	var ack MakerConnectedMsg
	if err := codec.Unmarshal(msg.Data, &ack); err != nil {
		s.Ban(signer)
		return err
	}

	s.lk.Lock()
	t, ok := s.takerOrders[ack.TakerOrderUuid]
	if !ok || t.Match == nil {
		s.lk.Unlock()
		return nil
	}
	m := t.Match
	if m.Reserved.MakerOrderUuid != ack.MakerOrderUuid || !bytes.Equal(m.OtherPubkey, signer) {
		s.lk.Unlock()
		return nil
	}
	m.State = MatchConnected
	m.Updated = time.Now()
	delete(s.takerOrders, ack.TakerOrderUuid)
	s.lk.Unlock()

	conf := t.Conf
	if t.Action == ActionSell {
		// Swap confs are in the maker orientation; a sell request sees
		// the pair flipped.
		conf = conf.Flip()
	}

	params := SwapParams{
		Uuid:        ack.TakerOrderUuid,
		Maker:       false,
		MakerCoin:   m.Reserved.Base,
		TakerCoin:   m.Reserved.Rel,
		MakerVolume: m.Reserved.BaseAmount,
		TakerVolume: m.Reserved.RelAmount,
		OtherPubkey: signer,
		Conf:        conf,
	}
	logger.Infof("maker connected, starting taker swap %s", ack.TakerOrderUuid)
	if err := s.starter.StartSwap(s.ctx, params); err != nil {
		logger.Errorf("start taker swap %s: %s", ack.TakerOrderUuid, err)
		return err
	}
	return nil
}

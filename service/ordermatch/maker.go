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

// SetPrice creates a standing maker order: sell maxVol of base at price
// rel per base. With cancelPrevious, existing orders on the pair are
// cancelled first so exactly one survives.
func (s *Service) SetPrice(ctx context.Context, base, rel string, price, maxVol, minVol types.Rational, cancelPrevious bool, conf types.ConfSettings) (*MakerOrder, error) {
	if base == "" || rel == "" || base == rel {
		return nil, ErrBadOrder
	}
	if price.Cmp(types.MinPrice) < 0 {
		return nil, errors.Wrap(ErrBadOrder, "price below minimum")
	}
	if maxVol.Sign() <= 0 {
		return nil, errors.Wrap(ErrBadOrder, "max volume not positive")
	}
	if minVol.IsZero() {
		minVol = types.MinTradingVol
	}
	if minVol.Sign() <= 0 || minVol.Cmp(maxVol) > 0 {
		return nil, errors.Wrap(ErrBadOrder, "min volume out of range")
	}
	if minVol.Mul(price).Cmp(types.MinTradingVol) < 0 {
		return nil, errors.Wrap(ErrBadOrder, "min volume below tradable minimum")
	}

	o := &MakerOrder{
		Uuid:       uuid.New(),
		Base:       base,
		Rel:        rel,
		Price:      price,
		MaxBaseVol: maxVol,
		MinBaseVol: minVol,
		Conf:       conf,
		CreatedAt:  uint64(time.Now().Unix()),
		Matches:    make(map[uuid.UUID]*Match),
	}

	var cancelled []*MakerOrder
	s.lk.Lock()
	if cancelPrevious {
		for id, old := range s.myOrders {
			if old.Base == base && old.Rel == rel {
				delete(s.myOrders, id)
				cancelled = append(cancelled, old)
			}
		}
	}
	s.myOrders[o.Uuid] = o
	s.lk.Unlock()

	for _, old := range cancelled {
		s.cancelBroadcast(old)
	}

	if err := s.persistMyOrder(o); err != nil {
		return nil, err
	}
	if err := s.ensurePairTopic(base, rel); err != nil {
		return nil, err
	}
	s.insertOwnOrder(o)
	if err := s.publish(base, rel, MsgMakerOrderCreated, o.wire()); err != nil {
		logger.Debugf("announce order %s: %s", o.Uuid, err)
	}

	logger.Infof("setprice %s: sell %s %s at %s %s", o.Uuid, maxVol.Decimal(), base, price.Decimal(), rel)
	return o, nil
}

// CancelOrder removes one of our orders, maker or taker, and tells the
// network when it was a maker order.
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) error {
	s.lk.Lock()
	if o, ok := s.myOrders[id]; ok {
		delete(s.myOrders, id)
		s.lk.Unlock()
		s.cancelBroadcast(o)
		return nil
	}
	if _, ok := s.takerOrders[id]; ok {
		delete(s.takerOrders, id)
		s.lk.Unlock()
		return nil
	}
	s.lk.Unlock()
	return ErrOrderNotFound
}

// CancelKind selects which orders CancelAllOrders touches.
type CancelKind uint8

const (
	CancelAll CancelKind = iota
	CancelByPair
	CancelByCoin
)

type CancelBy struct {
	Kind CancelKind
	Base string
	Rel  string
	Coin string
}

func (c CancelBy) matchesMaker(o *MakerOrder) bool {
	switch c.Kind {
	case CancelByPair:
		return o.Base == c.Base && o.Rel == c.Rel
	case CancelByCoin:
		return o.Base == c.Coin || o.Rel == c.Coin
	default:
		return true
	}
}

func (c CancelBy) matchesTaker(t *TakerOrder) bool {
	switch c.Kind {
	case CancelByPair:
		return t.Base == c.Base && t.Rel == c.Rel
	case CancelByCoin:
		return t.Base == c.Coin || t.Rel == c.Coin
	default:
		return true
	}
}

// CancelAllOrders cancels every own order the filter selects and returns
// their uuids.
func (s *Service) CancelAllOrders(ctx context.Context, by CancelBy) []uuid.UUID {
	var out []uuid.UUID
	var makers []*MakerOrder

	s.lk.Lock()
	for id, o := range s.myOrders {
		if by.matchesMaker(o) {
			delete(s.myOrders, id)
			makers = append(makers, o)
			out = append(out, id)
		}
	}
	for id, t := range s.takerOrders {
		if by.matchesTaker(t) {
			delete(s.takerOrders, id)
			out = append(out, id)
		}
	}
	s.lk.Unlock()

	for _, o := range makers {
		s.cancelBroadcast(o)
	}
	return out
}

func (s *Service) cancelBroadcast(o *MakerOrder) {
	s.unpersistMyOrder(o.Uuid)
	s.bk.Delete(o.Uuid)
	msg := MakerOrderCancelledMsg{Uuid: o.Uuid}
	if err := s.publish(o.Base, o.Rel, MsgMakerOrderCancelled, &msg); err != nil {
		logger.Debugf("broadcast cancel %s: %s", o.Uuid, err)
	}
	logger.Infof("cancelled maker order %s", o.Uuid)
}

// handleTakerRequest runs the maker-side matching: find the first own
// order the request fits and claim it with a MakerReserved.
func (s *Service) handleTakerRequest(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) || bytes.Equal(signer, s.pn.SelfPubkey()) {
		return nil
	}

	var req TakerRequestMsg
	if err := codec.Unmarshal(msg.Data, &req); err != nil {
		s.Ban(signer)
		return err
	}
	if req.BaseAmount.Sign() <= 0 || req.RelAmount.Sign() <= 0 {
		return nil
	}
	if !req.MatchBy.AllowsPubkey(s.pn.SelfPubkey()) {
		return nil
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	for _, o := range s.myOrders {
		if !req.MatchBy.AllowsOrder(o.Uuid) {
			continue
		}
		if _, dup := o.Matches[req.Uuid]; dup {
			continue
		}
		base, rel, ok := o.matchWithRequest(&req)
		if !ok {
			continue
		}

		res := MakerReservedMsg{
			Base:           o.Base,
			Rel:            o.Rel,
			BaseAmount:     base,
			RelAmount:      rel,
			MakerOrderUuid: o.Uuid,
			TakerOrderUuid: req.Uuid,
			Conf:           o.Conf,
		}
		o.Matches[req.Uuid] = &Match{
			Request:     req,
			Reserved:    res,
			OtherPubkey: signer,
			State:       MatchReserved,
			Updated:     time.Now(),
		}

		logger.Infof("reserved %s of %s on order %s for taker %s", base.Decimal(), o.Base, o.Uuid, req.Uuid)
		if err := s.publish(o.Base, o.Rel, MsgMakerReserved, &res); err != nil {
			logger.Debugf("send reserved: %s", err)
		}
		return nil
	}
	return nil
}

// handleTakerConnect commits a reserved match on the maker side and
// spawns the maker swap machine.
func (s *Service) handleTakerConnect(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) {
		return nil
	}

	var con TakerConnectMsg
	if err := codec.Unmarshal(msg.Data, &con); err != nil {
		s.Ban(signer)
		return err
	}

	s.lk.Lock()
	o, ok := s.myOrders[con.MakerOrderUuid]
	if !ok {
		s.lk.Unlock()
		return nil
	}
	m, ok := o.Matches[con.TakerOrderUuid]
	if !ok || m.State == MatchConnected {
		s.lk.Unlock()
		return nil
	}
	if !bytes.Equal(m.OtherPubkey, signer) {
		s.lk.Unlock()
		s.Ban(signer)
		return nil
	}
	m.State = MatchConnected
	m.Updated = time.Now()
	o.StartedSwaps = append(o.StartedSwaps, con.TakerOrderUuid)
	res := m.Reserved
	s.lk.Unlock()

	ack := MakerConnectedMsg{
		TakerOrderUuid: con.TakerOrderUuid,
		MakerOrderUuid: con.MakerOrderUuid,
	}
	if err := s.publish(o.Base, o.Rel, MsgMakerConnected, &ack); err != nil {
		logger.Debugf("send connected: %s", err)
	}

	params := SwapParams{
		Uuid:        con.TakerOrderUuid,
		Maker:       true,
		MakerCoin:   res.Base,
		TakerCoin:   res.Rel,
		MakerVolume: res.BaseAmount,
		TakerVolume: res.RelAmount,
		OtherPubkey: signer,
		Conf:        o.Conf,
	}
	logger.Infof("match %s connected on order %s, starting maker swap", con.TakerOrderUuid, o.Uuid)
	if err := s.starter.StartSwap(s.ctx, params); err != nil {
		logger.Errorf("start maker swap %s: %s", con.TakerOrderUuid, err)
		return err
	}

	s.refreshOwnOrder(o)
	return nil
}

// refreshOwnOrder reannounces an order after its available volume moved,
// or cancels it when it dropped below its own minimum.
func (s *Service) refreshOwnOrder(o *MakerOrder) {
	s.lk.Lock()
	avail := o.AvailableAmount()
	exhausted := avail.Cmp(o.MinBaseVol) < 0
	if exhausted {
		delete(s.myOrders, o.Uuid)
	}
	s.lk.Unlock()

	if exhausted {
		s.cancelBroadcast(o)
		return
	}
	s.insertOwnOrder(o)
	if err := s.publish(o.Base, o.Rel, MsgMakerOrderUpdated, o.wire()); err != nil {
		logger.Debugf("reannounce %s: %s", o.Uuid, err)
	}
}

package ordermatch

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
	"github.com/atomswap/go-atomdex/service/book"
)

// handleMakerOrder stores an announced or updated remote order.
func (s *Service) handleMakerOrder(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) || bytes.Equal(signer, s.pn.SelfPubkey()) {
		return nil
	}

	var m MakerOrderMsg
	if err := codec.Unmarshal(msg.Data, &m); err != nil {
		s.Ban(signer)
		return err
	}
	return s.insertRemoteOrder(&m, signer, from, time.Now())
}

// handleMakerOrderCancelled drops a remote order, owner only.
func (s *Service) handleMakerOrderCancelled(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) {
		return nil
	}

	var m MakerOrderCancelledMsg
	if err := codec.Unmarshal(msg.Data, &m); err != nil {
		s.Ban(signer)
		return err
	}

	rec, ok := s.bk.Get(m.Uuid)
	if !ok {
		return nil
	}
	if !bytes.Equal(rec.Pubkey, signer) {
		return nil
	}
	s.bk.Delete(m.Uuid)
	return nil
}

// handleKeepAlive refreshes a known order, or fetches the full order
// from the announcing peer when the uuid is new to us.
func (s *Service) handleKeepAlive(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	if s.IsBanned(signer) || bytes.Equal(signer, s.pn.SelfPubkey()) {
		return nil
	}

	var m MakerOrderKeepAliveMsg
	if err := codec.Unmarshal(msg.Data, &m); err != nil {
		s.Ban(signer)
		return err
	}

	if s.bk.Touch(m.Uuid, signer, time.Now()) {
		return nil
	}

	go s.fetchOrder(from, m.Uuid)
	return nil
}

// fetchOrder asks one peer for an order we only know by keep-alive.
func (s *Service) fetchOrder(from peer.ID, id uuid.UUID) {
	body, err := codec.Marshal(&GetOrderMsg{Uuid: id})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	resp, signer, err := s.pn.SendRequest(ctx, from, MsgGetOrder, body)
	if err != nil {
		logger.Debugf("fetch order %s from %s: %s", id, from, err)
		return
	}
	if resp.Type != MsgOrderReply {
		return
	}

	var reply OrderReplyMsg
	if err := codec.Unmarshal(resp.Data, &reply); err != nil {
		return
	}
	if reply.Entry.Order.Uuid != id {
		return
	}

	owner := reply.Entry.Pubkey
	if len(owner) == 0 {
		owner = signer
	}
	if err := s.insertRemoteOrder(&reply.Entry.Order, owner, from, time.Now()); err != nil {
		logger.Debugf("fetched order %s rejected: %s", id, err)
	}
}

func entryFromRecord(rec *book.Record) OrderbookEntry {
	return OrderbookEntry{
		Order: MakerOrderMsg{
			Uuid:      rec.Uuid,
			Base:      rec.Pair.Base,
			Rel:       rec.Pair.Rel,
			Price:     rec.Price,
			MaxVolume: rec.Available,
			MinVolume: rec.MinVolume,
			Conf:      rec.Conf,
			CreatedAt: rec.CreatedAt,
		},
		Pubkey: rec.Pubkey,
	}
}

// handleGetOrderbook answers a bootstrap request from local book state.
func (s *Service) handleGetOrderbook(ctx context.Context, signer []byte, msg *codec.Message) (*codec.Message, error) {
	var req GetOrderbookMsg
	if err := codec.Unmarshal(msg.Data, &req); err != nil {
		return nil, err
	}

	pair := types.NewPair(req.Base, req.Rel)
	asks := s.bk.BestAsks(pair, int(req.AsksNum))
	bids := s.bk.BestBids(pair, int(req.BidsNum))
	if len(asks) == 0 && len(bids) == 0 {
		return nil, nil
	}

	reply := OrderbookReplyMsg{}
	for _, rec := range asks {
		reply.Asks = append(reply.Asks, entryFromRecord(rec))
	}
	for _, rec := range bids {
		reply.Bids = append(reply.Bids, entryFromRecord(rec))
	}

	body, err := codec.Marshal(&reply)
	if err != nil {
		return nil, err
	}
	return &codec.Message{Type: MsgOrderbookReply, Data: body}, nil
}

// handleGetOrder answers a single-order fetch from local book state.
func (s *Service) handleGetOrder(ctx context.Context, signer []byte, msg *codec.Message) (*codec.Message, error) {
	var req GetOrderMsg
	if err := codec.Unmarshal(msg.Data, &req); err != nil {
		return nil, err
	}

	rec, ok := s.bk.Get(req.Uuid)
	if !ok {
		return nil, nil
	}

	entry := entryFromRecord(rec)
	body, err := codec.Marshal(&OrderReplyMsg{Entry: entry})
	if err != nil {
		return nil, err
	}
	return &codec.Message{Type: MsgOrderReply, Data: body}, nil
}

// Orderbook returns the current view of a pair, subscribing and
// bootstrapping it first if this is the first look.
func (s *Service) Orderbook(ctx context.Context, base, rel string) (asks, bids []*book.Record, err error) {
	if base == "" || rel == "" || base == rel {
		return nil, nil, ErrBadOrder
	}
	if err := s.ensurePairTopic(base, rel); err != nil {
		return nil, nil, err
	}

	pair := types.NewPair(base, rel)
	return s.bk.BestAsks(pair, 0), s.bk.BestBids(pair, 0), nil
}

// OrderStatus reports one of our own orders.
type OrderStatus struct {
	MakerOrder *MakerOrder
	TakerOrder *TakerOrder
}

func (s *Service) OrderStatus(id uuid.UUID) (*OrderStatus, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	if o, ok := s.myOrders[id]; ok {
		cp := *o
		return &OrderStatus{MakerOrder: &cp}, nil
	}
	if t, ok := s.takerOrders[id]; ok {
		cp := *t
		return &OrderStatus{TakerOrder: &cp}, nil
	}
	return nil, ErrOrderNotFound
}

// MyOrders lists every own order.
func (s *Service) MyOrders() (makers []*MakerOrder, takers []*TakerOrder) {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, o := range s.myOrders {
		cp := *o
		makers = append(makers, &cp)
	}
	for _, t := range s.takerOrders {
		cp := *t
		takers = append(takers, &cp)
	}
	return
}

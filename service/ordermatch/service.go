// Package ordermatch negotiates trades over the gossip bus: it maintains
// the order book from broadcasts, matches taker requests against own
// maker orders, and hands committed matches to the swap layer.
package ordermatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/backend/kv"
	"github.com/atomswap/go-atomdex/lib/codec"
	logging "github.com/atomswap/go-atomdex/lib/log"
	"github.com/atomswap/go-atomdex/lib/types"
	"github.com/atomswap/go-atomdex/service/book"
	"github.com/atomswap/go-atomdex/service/peernet"
)

var logger = logging.Logger("ordermatch")

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrBadOrder      = errors.New("order parameters out of range")
)

const myOrderPrefix = "om/my/"

// SwapParams carries a committed match to the swap layer. Volumes and
// coins are in the maker orientation: the maker sells MakerVolume of
// MakerCoin for TakerVolume of TakerCoin.
type SwapParams struct {
	Uuid        uuid.UUID
	Maker       bool
	MakerCoin   string
	TakerCoin   string
	MakerVolume types.Rational
	TakerVolume types.Rational
	OtherPubkey []byte
	Conf        types.ConfSettings
}

// SwapStarter is what the swap supervisor exposes to this service.
type SwapStarter interface {
	StartSwap(ctx context.Context, p SwapParams) error
}

// Service owns the node's orders and the match negotiation protocol.
type Service struct {
	ctx     context.Context
	cancel  context.CancelFunc
	netName string

	pn      *peernet.Service
	bk      *book.Book
	ds      kv.KVStore
	cfg     config.TradeConfig
	starter SwapStarter

	lk          sync.Mutex
	myOrders    map[uuid.UUID]*MakerOrder
	takerOrders map[uuid.UUID]*TakerOrder
	banned      map[string]time.Time

	closeOnce sync.Once
}

func New(ctx context.Context, netName string, pn *peernet.Service, bk *book.Book, ds kv.KVStore, cfg config.TradeConfig, starter SwapStarter) (*Service, error) {
	cfg = cfg.Normalized()
	sctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:         sctx,
		cancel:      cancel,
		netName:     netName,
		pn:          pn,
		bk:          bk,
		ds:          ds,
		cfg:         cfg,
		starter:     starter,
		myOrders:    make(map[uuid.UUID]*MakerOrder),
		takerOrders: make(map[uuid.UUID]*TakerOrder),
		banned:      make(map[string]time.Time),
	}

	pn.RegisterTopicHandler(MsgMakerOrderCreated, s.handleMakerOrder)
	pn.RegisterTopicHandler(MsgMakerOrderUpdated, s.handleMakerOrder)
	pn.RegisterTopicHandler(MsgMakerOrderCancelled, s.handleMakerOrderCancelled)
	pn.RegisterTopicHandler(MsgMakerOrderKeepAlive, s.handleKeepAlive)
	pn.RegisterTopicHandler(MsgTakerRequest, s.handleTakerRequest)
	pn.RegisterTopicHandler(MsgMakerReserved, s.handleMakerReserved)
	pn.RegisterTopicHandler(MsgTakerConnect, s.handleTakerConnect)
	pn.RegisterTopicHandler(MsgMakerConnected, s.handleMakerConnected)

	pn.RegisterReqHandler(MsgGetOrderbook, s.handleGetOrderbook)
	pn.RegisterReqHandler(MsgGetOrder, s.handleGetOrder)

	if err := s.loadMyOrders(); err != nil {
		cancel()
		return nil, err
	}

	go s.runLoop()

	logger.Info("ordermatch service started")
	return s, nil
}

func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		s.cancel()
		logger.Info("ordermatch service stopped")
	})
}

func (s *Service) keepAliveInterval() time.Duration {
	return time.Duration(s.cfg.KeepAliveInterval) * time.Second
}

func (s *Service) matchTimeout() time.Duration {
	return time.Duration(s.cfg.OrderMatchTimeout) * time.Second
}

func (s *Service) takerTimeout() time.Duration {
	return time.Duration(s.cfg.TakerOrderTimeout) * time.Second
}

// runLoop drives the periodic work: keep-alive rebroadcast, match and
// taker-order sweeps, book staleness, and orderbook bootstrap retries.
func (s *Service) runLoop() {
	kat := time.NewTicker(s.keepAliveInterval())
	defer kat.Stop()
	sweep := time.NewTicker(5 * time.Second)
	defer sweep.Stop()
	stale := time.NewTicker(build.KeepAliveInterval)
	defer stale.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-kat.C:
			s.broadcastKeepAlives()
		case <-sweep.C:
			now := time.Now()
			s.sweepMatches(now)
			s.sweepTakerOrders(now)
			s.retryBootstraps()
		case <-stale.C:
			s.bk.MarkStale(time.Now())
		}
	}
}

func (s *Service) broadcastKeepAlives() {
	s.lk.Lock()
	orders := make([]*MakerOrder, 0, len(s.myOrders))
	for _, o := range s.myOrders {
		orders = append(orders, o)
	}
	s.lk.Unlock()

	now := uint64(time.Now().Unix())
	for _, o := range orders {
		msg := MakerOrderKeepAliveMsg{Uuid: o.Uuid, Timestamp: now}
		if err := s.publish(o.Base, o.Rel, MsgMakerOrderKeepAlive, &msg); err != nil {
			logger.Debugf("keep-alive %s: %s", o.Uuid, err)
		}
		s.bk.Touch(o.Uuid, s.pn.SelfPubkey(), time.Now())
	}
}

// sweepMatches discards reserved matches that never connected, freeing
// the reserved volume.
func (s *Service) sweepMatches(now time.Time) {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, o := range s.myOrders {
		for id, m := range o.Matches {
			if m.State == MatchConnected {
				continue
			}
			if now.Sub(m.Updated) > s.matchTimeout() {
				delete(o.Matches, id)
				logger.Debugf("match %s on order %s timed out", id, o.Uuid)
			}
		}
	}

	// A taker order whose Reserved never connected gets its match
	// released too, so the order can re-match or expire.
	for _, t := range s.takerOrders {
		m := t.Match
		if m == nil || m.State == MatchConnected {
			continue
		}
		if now.Sub(m.Updated) > s.matchTimeout() {
			t.Match = nil
			logger.Debugf("reserved match on taker order %s timed out", t.Uuid)
		}
	}
}

// sweepTakerOrders times out unmatched taker orders: FillOrKill orders
// are dropped, GoodTillCancelled orders convert to maker orders.
func (s *Service) sweepTakerOrders(now time.Time) {
	s.lk.Lock()
	var convert []*TakerOrder
	for id, t := range s.takerOrders {
		if t.Match != nil {
			continue
		}
		if now.Sub(t.CreatedAt) <= s.takerTimeout() {
			continue
		}
		delete(s.takerOrders, id)
		if t.Type == GoodTillCancelled {
			convert = append(convert, t)
		} else {
			logger.Infof("taker order %s expired unmatched", id)
		}
	}
	s.lk.Unlock()

	for _, t := range convert {
		if err := s.convertTakerOrder(t); err != nil {
			logger.Warnf("convert taker order %s: %s", t.Uuid, err)
		}
	}
}

func (s *Service) convertTakerOrder(t *TakerOrder) error {
	o := t.toMakerOrder(t.Uuid, uint64(time.Now().Unix()))
	logger.Infof("taker order %s converts to maker order on %s:%s", t.Uuid, o.Base, o.Rel)

	s.lk.Lock()
	s.myOrders[o.Uuid] = o
	s.lk.Unlock()

	if err := s.persistMyOrder(o); err != nil {
		return err
	}
	if err := s.ensurePairTopic(o.Base, o.Rel); err != nil {
		return err
	}
	s.insertOwnOrder(o)
	return s.publish(o.Base, o.Rel, MsgMakerOrderCreated, o.wire())
}

// retryBootstraps re-issues the orderbook request for topics whose first
// attempt found no peers, until the requesting window closes.
func (s *Service) retryBootstraps() {
	window := time.Duration(s.cfg.OrderbookRequestTimeout) * time.Second

	s.lk.Lock()
	var pairs []types.Pair
	for _, o := range s.myOrders {
		pairs = append(pairs, types.NewPair(o.Base, o.Rel))
	}
	for _, t := range s.takerOrders {
		pairs = append(pairs, types.NewPair(t.Base, t.Rel))
	}
	s.lk.Unlock()

	for _, p := range pairs {
		name := build.OrderbookTopic(s.netName, p.Base, p.Rel)
		st, ok := s.bk.Topic(name)
		if !ok || st.Requested || time.Since(st.Since) > window {
			continue
		}
		s.requestOrderbook(p)
	}
}

func (s *Service) publish(base, rel string, mt codec.MsgType, v interface{}) error {
	body, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	name := build.OrderbookTopic(s.netName, base, rel)
	return s.pn.Publish(s.ctx, name, mt, body)
}

// ensurePairTopic subscribes to the pair topic and schedules the
// one-shot orderbook bootstrap request.
func (s *Service) ensurePairTopic(base, rel string) error {
	name := build.OrderbookTopic(s.netName, base, rel)
	if s.pn.Subscribed(name) {
		return nil
	}
	if err := s.pn.Subscribe(name); err != nil {
		return err
	}
	s.bk.SetTopic(name, false, time.Now())
	go s.requestOrderbook(types.NewPair(base, rel))
	return nil
}

// requestOrderbook asks topic peers for their best asks and bids and
// seeds the book. Marks the topic requested on the first reply.
func (s *Service) requestOrderbook(pair types.Pair) {
	name := build.OrderbookTopic(s.netName, pair.Base, pair.Rel)

	body, err := codec.Marshal(&GetOrderbookMsg{
		Base:    pair.Base,
		Rel:     pair.Rel,
		AsksNum: 20,
		BidsNum: 20,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	resp, _, err := s.pn.RequestAny(ctx, name, MsgGetOrderbook, body, 3)
	if err != nil {
		logger.Debugf("orderbook bootstrap %s: %s", pair, err)
		return
	}
	if resp.Type != MsgOrderbookReply {
		return
	}

	var reply OrderbookReplyMsg
	if err := codec.Unmarshal(resp.Data, &reply); err != nil {
		logger.Debugf("orderbook bootstrap %s: bad reply: %s", pair, err)
		return
	}

	now := time.Now()
	n := 0
	for _, ent := range append(reply.Asks, reply.Bids...) {
		if err := s.insertRemoteOrder(&ent.Order, ent.Pubkey, "", now); err == nil {
			n++
		}
	}
	s.bk.SetTopic(name, true, now)
	logger.Infof("orderbook bootstrap %s: %d orders", pair, n)
}

// insertRemoteOrder validates an announced order and stores it in the
// book. The zero peer id is allowed for relayed entries.
func (s *Service) insertRemoteOrder(m *MakerOrderMsg, pubkey []byte, from peer.ID, now time.Time) error {
	if m.Base == "" || m.Rel == "" || m.Base == m.Rel {
		return ErrBadOrder
	}
	if m.Price.Sign() > 0 && m.Price.Cmp(types.MinPrice) < 0 {
		return ErrBadOrder
	}

	rec := &book.Record{
		Uuid:      m.Uuid,
		Pair:      types.NewPair(m.Base, m.Rel),
		Price:     m.Price,
		MaxVolume: m.MaxVolume,
		MinVolume: m.MinVolume,
		Available: m.MaxVolume,
		Conf:      m.Conf,
		Pubkey:    pubkey,
		Peer:      from,
		CreatedAt: m.CreatedAt,
	}
	return s.bk.Insert(rec, now)
}

func (s *Service) insertOwnOrder(o *MakerOrder) {
	rec := &book.Record{
		Uuid:      o.Uuid,
		Pair:      types.NewPair(o.Base, o.Rel),
		Price:     o.Price,
		MaxVolume: o.MaxBaseVol,
		MinVolume: o.MinBaseVol,
		Available: o.AvailableAmount(),
		Conf:      o.Conf,
		Pubkey:    s.pn.SelfPubkey(),
		Peer:      s.pn.NetID(),
		CreatedAt: o.CreatedAt,
	}
	if err := s.bk.Insert(rec, time.Now()); err != nil {
		logger.Warnf("own order %s not inserted: %s", o.Uuid, err)
	}
}

// Ban drops a misbehaving pubkey: its book entries go, and its future
// messages are ignored.
func (s *Service) Ban(pubkey []byte) {
	s.lk.Lock()
	s.banned[string(pubkey)] = time.Now()
	s.lk.Unlock()

	n := s.bk.RemoveByPubkey(pubkey)
	logger.Warnf("banned pubkey %x, dropped %d orders", pubkey, n)
}

func (s *Service) IsBanned(pubkey []byte) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.banned[string(pubkey)]
	return ok
}

func (s *Service) persistMyOrder(o *MakerOrder) error {
	val, err := codec.Marshal(o.wire())
	if err != nil {
		return err
	}
	if err := s.ds.Put([]byte(myOrderPrefix+o.Uuid.String()), val); err != nil {
		return err
	}
	return s.ds.Sync()
}

func (s *Service) unpersistMyOrder(id uuid.UUID) {
	if err := s.ds.Delete([]byte(myOrderPrefix + id.String())); err != nil {
		logger.Warnf("delete persisted order %s: %s", id, err)
	}
}

// loadMyOrders restores setprice orders from disk, resubscribes their
// topics and reannounces them.
func (s *Service) loadMyOrders() error {
	var msgs []MakerOrderMsg
	s.ds.Iter([]byte(myOrderPrefix), func(k, v []byte) error {
		var m MakerOrderMsg
		if err := codec.Unmarshal(v, &m); err != nil {
			logger.Warnf("skip corrupt persisted order %s: %s", k, err)
			return nil
		}
		msgs = append(msgs, m)
		return nil
	})

	for i := range msgs {
		m := &msgs[i]
		o := &MakerOrder{
			Uuid:       m.Uuid,
			Base:       m.Base,
			Rel:        m.Rel,
			Price:      m.Price,
			MaxBaseVol: m.MaxVolume,
			MinBaseVol: m.MinVolume,
			Conf:       m.Conf,
			CreatedAt:  m.CreatedAt,
			Matches:    make(map[uuid.UUID]*Match),
		}
		s.myOrders[o.Uuid] = o

		if err := s.ensurePairTopic(o.Base, o.Rel); err != nil {
			logger.Warnf("resubscribe %s:%s: %s", o.Base, o.Rel, err)
			continue
		}
		s.insertOwnOrder(o)
		if err := s.publish(o.Base, o.Rel, MsgMakerOrderCreated, o.wire()); err != nil {
			logger.Debugf("reannounce %s: %s", o.Uuid, err)
		}
	}

	if len(msgs) > 0 {
		logger.Infof("restored %d maker orders", len(msgs))
	}
	return nil
}

package swap

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/types"
	"github.com/atomswap/go-atomdex/service/ordermatch"
	"github.com/atomswap/go-atomdex/service/peernet"
)

var ErrSwapRunning = errors.New("swap already running")

// drainDeadline bounds how long Stop waits for machines to reach a
// suspension point.
const drainDeadline = 5 * time.Second

// Net is the slice of the peer layer the supervisor needs: the machine
// bus plus handler registration for inbound swap messages.
type Net interface {
	Bus
	RegisterTopicHandler(mt codec.MsgType, h peernet.TopicHandlerFunc)
}

type runner interface {
	Run(ctx context.Context) error
	deliver(mt codec.MsgType, signer, data []byte)
}

// Service is the swap supervisor: it spawns machines for committed
// matches, routes their messages, resumes unfinished swaps at startup
// and enforces one live machine per uuid.
type Service struct {
	ctx     context.Context
	cancel  context.CancelFunc
	netName string

	net Net
	st  *EventStore
	reg *Registry
	cfg config.TradeConfig

	lk      sync.Mutex
	running map[uuid.UUID]runner

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(ctx context.Context, netName string, net Net, st *EventStore, reg *Registry, cfg config.TradeConfig) *Service {
	cfg = cfg.Normalized()
	sctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:     sctx,
		cancel:  cancel,
		netName: netName,
		net:     net,
		st:      st,
		reg:     reg,
		cfg:     cfg,
		running: make(map[uuid.UUID]runner),
	}

	for mt := MsgMakerNegotiation; mt <= MsgTakerPaymentSpendPreimage; mt++ {
		net.RegisterTopicHandler(mt, s.route)
	}
	return s
}

// route hands an inbound swap message to its machine by uuid.
func (s *Service) route(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	var env swapEnvelope
	if err := codec.Unmarshal(msg.Data, &env); err != nil {
		return err
	}

	s.lk.Lock()
	r, ok := s.running[env.Uuid]
	s.lk.Unlock()
	if !ok {
		logger.Debugf("swap message %d for unknown swap %s", msg.Type, env.Uuid)
		return nil
	}
	r.deliver(msg.Type, signer, env.Payload)
	return nil
}

func (s *Service) newMachine(p ordermatch.SwapParams, mc, tc Coin) machine {
	return machine{
		uuid:        p.Uuid,
		st:          s.st,
		bus:         s.net,
		cfg:         s.cfg,
		netName:     s.netName,
		makerCoin:   mc,
		takerCoin:   tc,
		makerVolume: p.MakerVolume,
		takerVolume: p.TakerVolume,
		dexFee:      p.TakerVolume.DivInt(int64(s.cfg.DexFeeDivisor)),
		conf:        p.Conf,
		otherPubkey: p.OtherPubkey,
		inbox:       make(chan inbound, 32),
	}
}

// StartSwap spawns the machine for a freshly committed match. It
// implements the order-match layer's SwapStarter.
func (s *Service) StartSwap(ctx context.Context, p ordermatch.SwapParams) error {
	mc, err := s.reg.Get(p.MakerCoin)
	if err != nil {
		return err
	}
	tc, err := s.reg.Get(p.TakerCoin)
	if err != nil {
		return err
	}

	m := s.newMachine(p, mc, tc)
	var r runner
	if p.Maker {
		r = newMakerSwap(m)
	} else {
		r = newTakerSwap(m)
	}
	return s.spawn(p.Uuid, r)
}

func (s *Service) spawn(id uuid.UUID, r runner) error {
	s.lk.Lock()
	if _, ok := s.running[id]; ok {
		s.lk.Unlock()
		return errors.Wrap(ErrSwapRunning, id.String())
	}
	s.running[id] = r
	s.lk.Unlock()

	topic := build.SwapTopic(s.netName, id.String())
	if err := s.net.Subscribe(topic); err != nil {
		s.lk.Lock()
		delete(s.running, id)
		s.lk.Unlock()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.net.Unsubscribe(topic)
			s.lk.Lock()
			delete(s.running, id)
			s.lk.Unlock()
		}()

		err := r.Run(s.ctx)
		switch {
		case err == nil:
			logger.Infof("swap %s finished", id)
		case errors.Is(err, ErrPaused):
			logger.Infof("swap %s paused for later resume", id)
		default:
			logger.Errorf("swap %s stopped: %s", id, err)
		}
	}()
	return nil
}

// Resume rebuilds every unfinished swap from its event log and re-enters
// each machine at the replayed state. The replayed next action matches
// what a crash-free continuation would have done.
func (s *Service) Resume(ctx context.Context) error {
	ids, err := s.st.Unfinished()
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.resumeOne(id); err != nil {
				logger.Errorf("resume swap %s: %s", id, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) resumeOne(id uuid.UUID) error {
	events, err := s.st.LoadEvents(id)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		logger.Warnf("unfinished swap %s has no events, dropping", id)
		return s.st.MarkFinished(id)
	}

	var sd StartedData
	if err := codec.Unmarshal(events[0].Body, &sd); err != nil {
		return err
	}
	mc, err := s.reg.Get(sd.MakerCoin)
	if err != nil {
		return err
	}
	tc, err := s.reg.Get(sd.TakerCoin)
	if err != nil {
		return err
	}

	p := ordermatch.SwapParams{
		Uuid:        id,
		MakerCoin:   sd.MakerCoin,
		TakerCoin:   sd.TakerCoin,
		MakerVolume: sd.MakerVolume,
		TakerVolume: sd.TakerVolume,
		OtherPubkey: sd.OtherPubkey,
		Conf:        sd.Conf,
	}
	m := s.newMachine(p, mc, tc)

	switch events[0].Type {
	case EvMakerStarted:
		r := newMakerSwap(m)
		if err := r.replay(events); err != nil {
			return err
		}
		logger.Infof("resuming maker swap %s", id)
		return s.spawn(id, r)
	case EvTakerStarted:
		r := newTakerSwap(m)
		if err := r.replay(events); err != nil {
			return err
		}
		logger.Infof("resuming taker swap %s", id)
		return s.spawn(id, r)
	default:
		return classify(KindInternal, "bad_log_head",
			errors.Errorf("swap %s log starts with event %d", id, events[0].Type))
	}
}

// Stop cancels every machine and waits for them to reach a suspension
// point. Machines past commitment pause and resume on the next start.
func (s *Service) Stop() {
	s.closeOnce.Do(func() {
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainDeadline):
			logger.Warn("swap machines did not drain in time")
		}
		logger.Info("swap supervisor stopped")
	})
}

// Status is the queryable view of one swap run.
type Status struct {
	Uuid        uuid.UUID
	Role        string
	MakerCoin   string
	TakerCoin   string
	MakerVolume types.Rational
	TakerVolume types.Rational
	StartedAt   uint64
	Running     bool
	Finished    bool
	Events      []Event
}

// SwapStatus reports one swap by uuid, running or historical.
func (s *Service) SwapStatus(id uuid.UUID) (*Status, error) {
	events, err := s.st.LoadEvents(id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.Wrap(ErrNoSuchSwap, id.String())
	}

	var sd StartedData
	if err := codec.Unmarshal(events[0].Body, &sd); err != nil {
		return nil, err
	}

	role := "Taker"
	if events[0].Type == EvMakerStarted {
		role = "Maker"
	}

	s.lk.Lock()
	_, running := s.running[id]
	s.lk.Unlock()

	return &Status{
		Uuid:        id,
		Role:        role,
		MakerCoin:   sd.MakerCoin,
		TakerCoin:   sd.TakerCoin,
		MakerVolume: sd.MakerVolume,
		TakerVolume: sd.TakerVolume,
		StartedAt:   sd.StartedAt,
		Running:     running,
		Finished:    s.st.IsFinished(id),
		Events:      events,
	}, nil
}

// SwapsByCoin lists swaps touching a ticker, most recent first.
func (s *Service) SwapsByCoin(ticker string, limit int) ([]*Status, error) {
	ids, err := s.st.Recent(0, 0)
	if err != nil {
		return nil, err
	}

	var out []*Status
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		st, err := s.SwapStatus(id)
		if err != nil {
			continue
		}
		if st.MakerCoin == ticker || st.TakerCoin == ticker {
			out = append(out, st)
		}
	}
	return out, nil
}

// RecentSwaps pages through all swaps, most recently started first.
func (s *Service) RecentSwaps(offset, limit int) ([]*Status, error) {
	ids, err := s.st.Recent(offset, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.SwapStatus(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

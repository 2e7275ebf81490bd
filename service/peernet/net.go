package peernet

import (
	"context"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/lib/codec"
	"github.com/atomswap/go-atomdex/lib/crypto"
	logging "github.com/atomswap/go-atomdex/lib/log"
	"github.com/atomswap/go-atomdex/submodule/network"
)

var logger = logging.Logger("peernet")

var (
	ErrTimeOut      = errors.New("time out")
	ErrNotSubscribed = errors.New("topic is not subscribed")
)

const dedupHorizon = 5 * time.Minute

// Service is the peer gossip bus: topic pub/sub plus direct
// request/response, everything framed as signed envelopes.
type Service struct {
	mu sync.RWMutex

	ctx context.Context
	ns  *network.NetworkSubmodule
	sk  crypto.PrivKey

	topicHandle *TopicHandle
	reqHandle   *ReqHandle

	topics map[string]*topicState

	dedup   *Dedup
	limiter *peerLimiter

	protoID protocol.ID
}

type topicState struct {
	topic  *pubsub.Topic
	cancel context.CancelFunc
}

// Dedup is re-exported so callers share one window for topic and direct
// traffic.
type Dedup = codec.Dedup

// New wires the bus onto the network submodule and installs the stream
// handler for direct requests.
func New(ctx context.Context, ns *network.NetworkSubmodule, sk crypto.PrivKey, reqRatePerSec int) (*Service, error) {
	s := &Service{
		ctx:         ctx,
		ns:          ns,
		sk:          sk,
		topicHandle: NewTopicHandle(),
		reqHandle:   NewReqHandle(),
		topics:      make(map[string]*topicState),
		dedup:       codec.NewDedup(dedupHorizon),
		limiter:     newPeerLimiter(reqRatePerSec),
		protoID:     protocol.ID(build.ReqProtocol(ns.NetworkName)),
	}

	ns.Host.SetStreamHandler(s.protoID, s.handleNewStream)

	go s.keepAlive(ctx)

	return s, nil
}

// SelfPubkey returns the local identity in wire form.
func (s *Service) SelfPubkey() []byte {
	pub, err := s.sk.GetPublic().CompressedByte()
	if err != nil {
		return nil
	}
	return pub
}

func (s *Service) NetID() peer.ID {
	return s.ns.NetID()
}

// Subscribe joins a topic and starts its receive loop. Idempotent.
func (s *Service) Subscribe(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[name]; ok {
		return nil
	}

	topic, err := s.ns.Pubsub.Join(name)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return err
	}

	tctx, cancel := context.WithCancel(s.ctx)
	s.topics[name] = &topicState{topic: topic, cancel: cancel}

	go s.topicLoop(tctx, name, sub)

	return nil
}

// Unsubscribe leaves a topic and stops its loop.
func (s *Service) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.topics[name]
	if !ok {
		return
	}
	ts.cancel()
	ts.topic.Close()
	delete(s.topics, name)
}

// Subscribed reports whether the topic loop is running.
func (s *Service) Subscribed(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[name]
	return ok
}

// Publish seals a message and publishes it on the topic, joining it first
// if needed.
func (s *Service) Publish(ctx context.Context, name string, mt codec.MsgType, body []byte) error {
	if err := s.Subscribe(name); err != nil {
		return err
	}

	s.mu.RLock()
	ts := s.topics[name]
	s.mu.RUnlock()
	if ts == nil {
		return ErrNotSubscribed
	}

	data, err := codec.Seal(&codec.Message{Type: mt, Data: body}, s.sk)
	if err != nil {
		return err
	}

	return ts.topic.Publish(ctx, data)
}

// TopicPeers lists the peers seen on a topic; used to pick relays for
// orderbook bootstrap.
func (s *Service) TopicPeers(name string) []peer.ID {
	s.mu.RLock()
	ts := s.topics[name]
	s.mu.RUnlock()
	if ts == nil {
		return nil
	}
	return ts.topic.ListPeers()
}

// RegisterTopicHandler installs the callback for a gossip message kind.
func (s *Service) RegisterTopicHandler(mt codec.MsgType, h TopicHandlerFunc) {
	s.topicHandle.Register(mt, h)
}

// RegisterReqHandler installs the callback for a direct request kind.
func (s *Service) RegisterReqHandler(mt codec.MsgType, h ReqHandlerFunc) {
	s.reqHandle.Register(mt, h)
}

func (s *Service) topicLoop(ctx context.Context, name string, sub *pubsub.Subscription) {
	defer sub.Cancel()

	self := s.ns.NetID()
	for {
		received, err := sub.Next(ctx)
		if err != nil {
			return
		}

		from := received.GetFrom()
		if from == self {
			continue
		}

		data := received.GetData()
		if s.dedup.Seen(data) {
			continue
		}

		msg, signer, err := codec.Open(data)
		if err != nil {
			logger.Debugf("drop unverified message on %s from %s: %s", name, from, err)
			continue
		}

		if err := s.topicHandle.Handle(ctx, from, signer, msg); err != nil {
			logger.Debugf("handle %d on %s: %s", msg.Type, name, err)
		}
	}
}

// keepAlive pings connected peers on the order gossip interval so dead
// connections are noticed before a swap needs them.
func (s *Service) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(build.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range s.ns.Host.Network().Peers() {
				go s.pingOnce(ctx, p)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) pingOnce(ctx context.Context, p peer.ID) {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case res := <-ping.Ping(pctx, s.ns.Host, p):
		if res.Error != nil {
			logger.Debugf("ping %s: %s", p, res.Error)
		}
	case <-pctx.Done():
	}
}

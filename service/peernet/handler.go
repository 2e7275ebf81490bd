package peernet

import (
	"context"
	"errors"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/atomswap/go-atomdex/lib/codec"
)

var (
	// ErrHandlerNotAssign is returned for a message kind nothing
	// registered for.
	ErrHandlerNotAssign = errors.New("message handler not assign")
)

// TopicHandlerFunc is the callback for one gossip message kind. signer is
// the verified compressed pubkey of the sender.
type TopicHandlerFunc func(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error

// TopicHandle dispatches gossip messages by kind.
type TopicHandle struct {
	sync.RWMutex
	closed bool
	hmap   map[codec.MsgType]TopicHandlerFunc
}

func NewTopicHandle() *TopicHandle {
	return &TopicHandle{
		hmap: make(map[codec.MsgType]TopicHandlerFunc),
	}
}

func (i *TopicHandle) Handle(ctx context.Context, from peer.ID, signer []byte, msg *codec.Message) error {
	i.RLock()
	defer i.RUnlock()

	if i.closed {
		return nil
	}

	h, ok := i.hmap[msg.Type]
	if !ok {
		return nil
	}
	return h(ctx, from, signer, msg)
}

func (i *TopicHandle) Register(mt codec.MsgType, h TopicHandlerFunc) {
	i.Lock()
	defer i.Unlock()
	i.hmap[mt] = h
}

func (i *TopicHandle) UnRegister(mt codec.MsgType) {
	i.Lock()
	defer i.Unlock()
	delete(i.hmap, mt)
}

func (i *TopicHandle) Close() {
	i.Lock()
	defer i.Unlock()
	i.closed = true
}

// ReqHandlerFunc answers one direct request kind. A nil reply means the
// responder has nothing; the caller receives MsgNone.
type ReqHandlerFunc func(ctx context.Context, signer []byte, msg *codec.Message) (*codec.Message, error)

// ReqHandle dispatches direct requests by kind.
type ReqHandle struct {
	sync.RWMutex
	closed bool
	hmap   map[codec.MsgType]ReqHandlerFunc
}

func NewReqHandle() *ReqHandle {
	return &ReqHandle{
		hmap: make(map[codec.MsgType]ReqHandlerFunc),
	}
}

func (i *ReqHandle) Handle(ctx context.Context, signer []byte, msg *codec.Message) (*codec.Message, error) {
	i.RLock()
	defer i.RUnlock()

	if i.closed {
		return nil, nil
	}

	h, ok := i.hmap[msg.Type]
	if !ok {
		return nil, ErrHandlerNotAssign
	}
	return h(ctx, signer, msg)
}

func (i *ReqHandle) Register(mt codec.MsgType, h ReqHandlerFunc) {
	i.Lock()
	defer i.Unlock()
	i.hmap[mt] = h
}

func (i *ReqHandle) UnRegister(mt codec.MsgType) {
	i.Lock()
	defer i.Unlock()
	delete(i.hmap, mt)
}

func (i *ReqHandle) Close() {
	i.Lock()
	defer i.Unlock()
	i.closed = true
}

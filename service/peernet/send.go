package peernet

import (
	"context"
	"time"

	"github.com/libp2p/go-msgio"

	coreNet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/atomswap/go-atomdex/lib/codec"
)

const (
	sendRetries    = 3
	sendRetryPause = time.Second
)

// MsgNone is the empty reply: the responder had nothing for the request.
const MsgNone codec.MsgType = 0

// SendRequest sends one signed request to a peer and awaits a single
// verified reply. Transient stream errors are retried up to three times
// before surfacing.
func (s *Service) SendRequest(ctx context.Context, p peer.ID, mt codec.MsgType, body []byte) (*codec.Message, []byte, error) {
	var lastErr error
	for i := 0; i < sendRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(sendRetryPause):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		msg, signer, err := s.sendRequestOnce(ctx, p, mt, body)
		if err == nil {
			return msg, signer, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (s *Service) sendRequestOnce(ctx context.Context, p peer.ID, mt codec.MsgType, body []byte) (*codec.Message, []byte, error) {
	if s.ns.Host.Network().Connectedness(p) != coreNet.Connected {
		if err := s.ns.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
			return nil, nil, err
		}
	}

	stream, err := s.ns.Host.NewStream(ctx, p, s.protoID)
	if err != nil {
		return nil, nil, err
	}
	defer stream.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	data, err := codec.Seal(&codec.Message{Type: mt, Data: body}, s.sk)
	if err != nil {
		return nil, nil, err
	}

	w := msgio.NewVarintWriter(stream)
	if err := w.WriteMsg(data); err != nil {
		return nil, nil, err
	}

	r := msgio.NewVarintReaderSize(stream, coreNet.MessageSizeMax)
	respBytes, err := r.ReadMsg()
	if err != nil {
		return nil, nil, err
	}

	resp, signer, err := codec.Open(respBytes)
	r.ReleaseMsg(respBytes)
	if err != nil {
		return nil, nil, err
	}

	return resp, signer, nil
}

// RequestAny fans a request out to peers on a topic, one at a time, and
// returns the first non-empty reply. Used for orderbook bootstrap and
// specific-order fetches.
func (s *Service) RequestAny(ctx context.Context, topicName string, mt codec.MsgType, body []byte, maxPeers int) (*codec.Message, []byte, error) {
	peers := s.TopicPeers(topicName)
	if maxPeers > 0 && len(peers) > maxPeers {
		peers = peers[:maxPeers]
	}

	var lastErr error = ErrTimeOut
	for _, p := range peers {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		resp, signer, err := s.SendRequest(ctx, p, mt, body)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Type == MsgNone {
			continue
		}
		return resp, signer, nil
	}
	return nil, nil, lastErr
}

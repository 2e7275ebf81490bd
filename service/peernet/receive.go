package peernet

import (
	"context"
	"time"

	"github.com/libp2p/go-msgio"

	coreNet "github.com/libp2p/go-libp2p/core/network"

	"github.com/atomswap/go-atomdex/lib/codec"
)

const streamIdleTimeout = time.Minute

func (s *Service) handleNewStream(stream coreNet.Stream) {
	defer stream.Close()

	from := stream.Conn().RemotePeer()
	r := msgio.NewVarintReaderSize(stream, coreNet.MessageSizeMax)

	for {
		_ = stream.SetReadDeadline(time.Now().Add(streamIdleTimeout))

		data, err := r.ReadMsg()
		if err != nil {
			return
		}

		if !s.limiter.Allow(from) {
			r.ReleaseMsg(data)
			logger.Debugw("request rate limit exceeded", "peer", from)
			return
		}

		msg, signer, err := codec.Open(data)
		r.ReleaseMsg(data)
		if err != nil {
			logger.Debugw("drop bad request envelope", "peer", from, "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, streamIdleTimeout)
		resp, err := s.reqHandle.Handle(ctx, signer, msg)
		cancel()
		if err != nil {
			logger.Debugw("request handler failed", "peer", from, "type", msg.Type, "err", err)
			resp = nil
		}
		if resp == nil {
			resp = &codec.Message{Type: MsgNone}
		}

		out, err := codec.Seal(resp, s.sk)
		if err != nil {
			return
		}

		_ = stream.SetWriteDeadline(time.Now().Add(streamIdleTimeout))
		w := msgio.NewVarintWriter(stream)
		if err := w.WriteMsg(out); err != nil {
			return
		}
	}
}

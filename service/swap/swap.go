package swap

import (
	"bytes"
	"context"
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/atomswap/go-atomdex/build"
	"github.com/atomswap/go-atomdex/config"
	"github.com/atomswap/go-atomdex/lib/codec"
	logging "github.com/atomswap/go-atomdex/lib/log"
	"github.com/atomswap/go-atomdex/lib/types"
)

var logger = logging.Logger("swap")

var (
	// ErrPaused marks a machine stopped at a suspension point for later
	// resume; it is not a failure.
	ErrPaused = errors.New("swap paused")

	ErrRecvTimeout = errors.New("timed out waiting for counterparty message")
)

// retransmitInterval is the rebroadcast cadence for swap messages that
// await a counterparty reply.
const retransmitInterval = 10 * time.Second

// Bus is the slice of the gossip layer the machines use. Satisfied by
// the peernet service; tests swap in a loopback.
type Bus interface {
	Subscribe(name string) error
	Unsubscribe(name string)
	Publish(ctx context.Context, name string, mt codec.MsgType, body []byte) error
	SelfPubkey() []byte
}

// secretHash locks both HTLCs of a swap to its preimage.
func secretHash(secret []byte) []byte {
	h := sha256.Sum256(secret)
	return h[:]
}

type inbound struct {
	mt     codec.MsgType
	signer []byte
	data   []byte
}

// machine holds the state both roles share: identity, terms, the
// message inbox and the replayed negotiation data.
type machine struct {
	uuid    uuid.UUID
	st      *EventStore
	bus     Bus
	cfg     config.TradeConfig
	netName string

	makerCoin Coin
	takerCoin Coin

	makerVolume types.Rational
	takerVolume types.Rational
	dexFee      types.Rational
	conf        types.ConfSettings
	otherPubkey []byte

	startedAt uint64
	lockDur   time.Duration

	// filled from events during run or replay
	started    StartedData
	negotiated NegotiatedData

	inbox chan inbound
}

func (m *machine) topic() string {
	return build.SwapTopic(m.netName, m.uuid.String())
}

func (m *machine) deliver(mt codec.MsgType, signer, data []byte) {
	select {
	case m.inbox <- inbound{mt: mt, signer: signer, data: data}:
	default:
		logger.Debugf("swap %s inbox full, drop %d", m.uuid, mt)
	}
}

// send publishes one swap message wrapped in the uuid envelope.
func (m *machine) send(ctx context.Context, mt codec.MsgType, v interface{}) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	env, err := codec.Marshal(&swapEnvelope{Uuid: m.uuid, Payload: payload})
	if err != nil {
		return err
	}

	// Transient publish failures retry a few times before surfacing.
	for i := 0; ; i++ {
		err = m.bus.Publish(ctx, m.topic(), mt, env)
		if err == nil || i >= 2 {
			break
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return transientErr("send_failed", err)
	}
	return nil
}

// recv waits for the next counterparty message of the wanted type,
// dropping anything from other signers. ErrRecvTimeout past deadline.
func (m *machine) recv(ctx context.Context, want codec.MsgType, deadline time.Time, out interface{}) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrRecvTimeout
		case in := <-m.inbox:
			if in.mt != want {
				continue
			}
			if !bytes.Equal(in.signer, m.otherPubkey) {
				logger.Debugf("swap %s: drop %d from foreign signer", m.uuid, in.mt)
				continue
			}
			return codec.Unmarshal(in.data, out)
		}
	}
}

// sendAndRecv rebroadcasts a message on an interval until the expected
// reply arrives or the deadline passes.
func (m *machine) sendAndRecv(ctx context.Context, sendMt codec.MsgType, sendV interface{}, want codec.MsgType, deadline time.Time, out interface{}) error {
	if err := m.send(ctx, sendMt, sendV); err != nil {
		return err
	}

	tick := time.NewTicker(retransmitInterval)
	defer tick.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrRecvTimeout
		case <-tick.C:
			if err := m.send(ctx, sendMt, sendV); err != nil {
				logger.Debugf("swap %s: retransmit: %s", m.uuid, err)
			}
		case in := <-m.inbox:
			if in.mt != want {
				continue
			}
			if !bytes.Equal(in.signer, m.otherPubkey) {
				continue
			}
			return codec.Unmarshal(in.data, out)
		}
	}
}

// persist appends one event; failure to persist is a hard stop for the
// machine.
func (m *machine) persist(t EventType, body interface{}) error {
	ev, err := newEvent(uint64(time.Now().UnixMilli()), t, body)
	if err != nil {
		return err
	}
	if err := m.st.StoreEvent(m.uuid, ev); err != nil {
		return resourceErr("event_store", err)
	}
	logger.Infow("swap event", "uuid", m.uuid, "event", t.String())
	return nil
}

// sleepUntil blocks until the wall-clock moment or cancellation.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// validateStartedAt enforces the clock-skew bound, accepting the exact
// boundary.
func validateStartedAt(mine, theirs uint64, max time.Duration) error {
	diff := int64(mine) - int64(theirs)
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(max/time.Second) {
		return validationErr("started_at_diff", errors.Errorf("started_at diff %ds exceeds %s", diff, max))
	}
	return nil
}

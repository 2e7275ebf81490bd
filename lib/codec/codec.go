package codec

import (
	"bytes"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/atomswap/go-atomdex/lib/crypto"
)

var (
	ErrBadEnvelope = errors.New("envelope does not verify")
	ErrNoKey       = errors.New("signing key is not set")
)

// em/dm are the single stable encoding every protocol payload uses. Core
// deterministic mode keeps the bytes reproducible so signatures verify on
// any implementation.
var (
	em cbor.EncMode
	dm cbor.DecMode
)

func init() {
	var err error
	em, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dm, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the protocol's deterministic encoding.
func Marshal(v interface{}) ([]byte, error) {
	return em.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return dm.Unmarshal(data, v)
}

// MsgType tags a payload variant; values are stable wire constants owned
// by the service that registers them.
type MsgType uint16

// Message is the tagged union every gossip and direct payload reduces to.
type Message struct {
	_    struct{} `cbor:",toarray"`
	Type MsgType
	Data []byte
}

// Envelope frames a signed message: the sender signs blake3(payload) with
// its long-term key. The pubkey field is informational; Open recovers the
// signer from the signature itself and rejects a mismatch.
type Envelope struct {
	_       struct{} `cbor:",toarray"`
	Payload []byte
	Sig     []byte
	Pubkey  []byte
}

// Seal marshals msg, signs it, and returns the encoded envelope.
func Seal(msg *Message, sk crypto.PrivKey) ([]byte, error) {
	if sk == nil {
		return nil, ErrNoKey
	}

	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}

	sig, err := sk.Sign(payload)
	if err != nil {
		return nil, err
	}

	pub, err := sk.GetPublic().CompressedByte()
	if err != nil {
		return nil, err
	}

	return Marshal(&Envelope{Payload: payload, Sig: sig, Pubkey: pub})
}

// Open verifies an encoded envelope and returns the message plus the
// recovered signer pubkey (compressed).
func Open(data []byte) (*Message, []byte, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, nil, err
	}

	signer, err := crypto.SecpRecover(env.Payload, env.Sig)
	if err != nil {
		return nil, nil, ErrBadEnvelope
	}
	if len(env.Pubkey) > 0 && !bytes.Equal(signer, env.Pubkey) {
		return nil, nil, ErrBadEnvelope
	}

	var msg Message
	if err := Unmarshal(env.Payload, &msg); err != nil {
		return nil, nil, err
	}

	return &msg, signer, nil
}

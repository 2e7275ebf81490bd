package types

import (
	"encoding/hex"
	"errors"
	"hash"

	"github.com/mr-tron/base58/base58"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

const (
	MsgIDHashCode = 0x4c
	MsgIDHashLen  = 20
)

var ErrMsgCode = errors.New("illegal msg code")

func init() {
	mh.Register(MsgIDHashCode, func() hash.Hash { return blake3.New() })
}

// MsgID is the content address of a gossip payload; the replay-dedup
// window is keyed by it.
type MsgID struct{ str string }

var MsgIDUndef = MsgID{}

func NewMsgID(data []byte) MsgID {
	res, err := mh.Sum(data, MsgIDHashCode, MsgIDHashLen)
	if err != nil {
		return MsgIDUndef
	}
	return MsgID{string(res)}
}

func (m MsgID) Defined() bool {
	return m.str != ""
}

func (m MsgID) Bytes() []byte {
	return []byte(m.str)
}

func (m MsgID) String() string {
	return base58.Encode(m.Bytes())
}

func (m MsgID) Hex() string {
	return hex.EncodeToString(m.Bytes())
}

func MsgIDFromBytes(b []byte) (MsgID, error) {
	dh, err := mh.Decode(b)
	if err != nil {
		return MsgIDUndef, err
	}
	if dh.Code != MsgIDHashCode {
		return MsgIDUndef, ErrMsgCode
	}
	return MsgID{string(b)}, nil
}

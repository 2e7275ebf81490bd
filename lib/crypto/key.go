package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"
)

type KeyType = byte

const (
	// Secp256k1 is the only key type the protocol identity uses.
	Secp256k1 KeyType = iota + 1
)

var (
	// ErrBadKeyType is returned when a key is not supported
	ErrBadKeyType    = errors.New("invalid or unsupported key type")
	ErrBadSign       = errors.New("invalid signature")
	ErrBadPrivateKey = errors.New("invalid private key")
	ErrBadPublicKey  = errors.New("invalid public key")
)

// Key represents a crypto key that can be compared to another key
type Key interface {
	// Equals checks whether two keys are the same
	Equals(Key) bool

	// Raw returns the bytes of the key
	Raw() ([]byte, error)

	// Type returns the key type
	Type() KeyType
}

// PrivKey represents a private key that can be used to generate a public
// key and sign data
type PrivKey interface {
	Key

	// Sign the given bytes cryptographically
	Sign([]byte) ([]byte, error)

	// GetPublic returns a public key paired with this private key
	GetPublic() PubKey
}

// PubKey is a public key that can be used to verify data signed with the
// corresponding private key
type PubKey interface {
	Key

	// CompressedByte returns the 33-byte compressed encoding
	CompressedByte() ([]byte, error)

	// Verify that 'sig' is the signed hash of 'data'
	Verify(data []byte, sig []byte) (bool, error)
}

// GenerateKeyFromSeed generates a new key from the given reader.
func GenerateKeyFromSeed(typ KeyType, seed io.Reader) (PrivKey, PubKey, error) {
	switch typ {
	case Secp256k1:
		return SecpGenerateKeyFromSeed(seed)
	default:
		return nil, nil, ErrBadKeyType
	}
}

// GenerateKey generates a new private and public key pair
func GenerateKey(typ KeyType) (PrivKey, PubKey, error) {
	return GenerateKeyFromSeed(typ, rand.Reader)
}

// Serialize prefixes the raw key with its type byte.
func Serialize(k Key) ([]byte, error) {
	keyByte, err := k.Raw()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 1+len(keyByte))
	buf[0] = k.Type()
	copy(buf[1:], keyByte)
	return buf, nil
}

// Deserialize parses a type-prefixed key.
func Deserialize(data []byte) (PrivKey, PubKey, error) {
	if len(data) <= 1 {
		return nil, nil, ErrBadKeyType
	}

	switch data[0] {
	case Secp256k1:
		return SecpKeyFromBytes(data[1:])
	default:
		return nil, nil, ErrBadKeyType
	}
}

func cmp(k1, k2 Key) bool {
	if k1.Type() != k2.Type() {
		return false
	}

	a, err := k1.Raw()
	if err != nil {
		return false
	}
	b, err := k2.Raw()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

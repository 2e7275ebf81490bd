package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"io"

	"github.com/btcsuite/btcd/btcec"
	"github.com/zeebo/blake3"
)

const (
	SecpSecretKeySize           = 32
	SecpPublicKeySize           = 65
	SecpCompressedPublicKeySize = 33
	// SecpSignatureSize is the compact recoverable signature length.
	SecpSignatureSize = 65
)

// Secp256k1PrivateKey is an Secp256k1 private key
type Secp256k1PrivateKey btcec.PrivateKey

// Secp256k1PublicKey is an Secp256k1 public key
type Secp256k1PublicKey btcec.PublicKey

// SecpGenerateKeyFromSeed generates a new key from the given reader.
func SecpGenerateKeyFromSeed(seed io.Reader) (PrivKey, PubKey, error) {
	key, err := ecdsa.GenerateKey(btcec.S256(), seed)
	if err != nil {
		return nil, nil, err
	}

	k := (*Secp256k1PrivateKey)(key)
	return k, k.GetPublic(), nil
}

// SecpGenerateKey generates a new Secp256k1 private and public key pair
func SecpGenerateKey() (PrivKey, PubKey, error) {
	return SecpGenerateKeyFromSeed(rand.Reader)
}

// SecpKeyFromBytes parses a secret key or a public key in either encoding.
func SecpKeyFromBytes(data []byte) (PrivKey, PubKey, error) {
	switch len(data) {
	case SecpSecretKeySize:
		key, _ := btcec.PrivKeyFromBytes(btcec.S256(), data)
		k := (*Secp256k1PrivateKey)(key)
		return k, k.GetPublic(), nil
	case SecpPublicKeySize, SecpCompressedPublicKeySize:
		pubKey, err := btcec.ParsePubKey(data, btcec.S256())
		if err != nil {
			return nil, nil, err
		}

		k := (*Secp256k1PublicKey)(pubKey)
		return nil, k, nil
	default:
		return nil, nil, ErrBadKeyType
	}
}

// SecpRecover extracts the compressed public key that produced sig over
// data. The signature is the identity: a tampered pubkey field can never
// pass this check.
func SecpRecover(data, sig []byte) ([]byte, error) {
	if len(sig) != SecpSignatureSize {
		return nil, ErrBadSign
	}

	h := blake3.Sum256(data)
	pub, _, err := btcec.RecoverCompact(btcec.S256(), sig, h[:])
	if err != nil {
		return nil, err
	}

	return pub.SerializeCompressed(), nil
}

// Equals compares two private keys
func (k *Secp256k1PrivateKey) Equals(o Key) bool {
	sk, ok := o.(*Secp256k1PrivateKey)
	if !ok {
		return cmp(k, o)
	}

	return k.GetPublic().Equals(sk.GetPublic())
}

// Type returns the private key type
func (k *Secp256k1PrivateKey) Type() KeyType {
	return Secp256k1
}

// Raw returns the bytes of the key
func (k *Secp256k1PrivateKey) Raw() ([]byte, error) {
	return (*btcec.PrivateKey)(k).Serialize(), nil
}

// Sign produces a compact recoverable signature over blake3(data).
func (k *Secp256k1PrivateKey) Sign(data []byte) ([]byte, error) {
	h := blake3.Sum256(data)
	return btcec.SignCompact(btcec.S256(), (*btcec.PrivateKey)(k), h[:], true)
}

// GetPublic returns a public key
func (k *Secp256k1PrivateKey) GetPublic() PubKey {
	return (*Secp256k1PublicKey)((*btcec.PrivateKey)(k).PubKey())
}

// Equals compares two public keys
func (k *Secp256k1PublicKey) Equals(o Key) bool {
	sk, ok := o.(*Secp256k1PublicKey)
	if !ok {
		return cmp(k, o)
	}

	return (*btcec.PublicKey)(k).IsEqual((*btcec.PublicKey)(sk))
}

// Type returns the public key type
func (k *Secp256k1PublicKey) Type() KeyType {
	return Secp256k1
}

// Raw returns the bytes of the key
func (k *Secp256k1PublicKey) Raw() ([]byte, error) {
	return (*btcec.PublicKey)(k).SerializeUncompressed(), nil
}

// CompressedByte returns the 33-byte wire encoding
func (k *Secp256k1PublicKey) CompressedByte() ([]byte, error) {
	return (*btcec.PublicKey)(k).SerializeCompressed(), nil
}

// Verify compares a signature against the input data
func (k *Secp256k1PublicKey) Verify(data, signature []byte) (bool, error) {
	rePub, err := SecpRecover(data, signature)
	if err != nil {
		return false, err
	}

	pubBytes := (*btcec.PublicKey)(k).SerializeCompressed()

	return bytes.Equal(pubBytes, rePub), nil
}

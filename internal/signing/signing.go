// Package signing provides the role signing keys of the billing protocol.
//
// Keys are EdDSA keys on the twisted Edwards curve embedded in BLS12-377, hashed with
// BLAKE2b-256. Signed messages use the combined form signature || message, so a
// receiver recovers the message only if the signature verifies.
package signing

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/twistededwards/eddsa"
	"golang.org/x/crypto/blake2b"
)

const (
	// SignatureSize is the prefix that Sign adds to every message.
	SignatureSize = 64
	// PublicKeySize is the length of an encoded public key.
	PublicKeySize = 32
)

var (
	ErrForged     = errors.New("signing: signature verification failed")
	ErrInvalidKey = errors.New("signing: invalid key")
)

func newHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// PrivateKey signs messages for one role.
type PrivateKey struct {
	k *eddsa.PrivateKey
}

// PublicKey verifies messages of one role.
type PublicKey struct {
	k eddsa.PublicKey
}

// GenerateKey creates a new key pair from random. A nil random uses crypto/rand.
func GenerateKey(random io.Reader) (*PrivateKey, error) {
	if random == nil {
		random = rand.Reader
	}
	k, err := eddsa.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return &PrivateKey{k: k}, nil
}

// Public returns the verification key matching sk.
func (sk *PrivateKey) Public() *PublicKey {
	return &PublicKey{k: sk.k.PublicKey}
}

// Sign returns signature || msg.
func (sk *PrivateKey) Sign(msg []byte) ([]byte, error) {
	sig, err := sk.k.Sign(msg, newHash())
	if err != nil {
		return nil, fmt.Errorf("signing: sign: %w", err)
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("signing: unexpected signature length %d", len(sig))
	}
	out := make([]byte, 0, SignatureSize+len(msg))
	out = append(out, sig...)
	return append(out, msg...), nil
}

// Bytes returns the encoded private key.
func (sk *PrivateKey) Bytes() []byte { return sk.k.Bytes() }

// ParsePrivateKey decodes the output of PrivateKey.Bytes.
func ParsePrivateKey(b []byte) (*PrivateKey, error) {
	k := new(eddsa.PrivateKey)
	n, err := k.SetBytes(b)
	if err != nil || n != len(b) {
		return nil, fmt.Errorf("%w: private key", ErrInvalidKey)
	}
	return &PrivateKey{k: k}, nil
}

// Open verifies signed and returns the message it carries.
func (pk *PublicKey) Open(signed []byte) ([]byte, error) {
	if len(signed) < SignatureSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than a signature", ErrForged, len(signed))
	}
	sig, msg := signed[:SignatureSize], signed[SignatureSize:]
	ok, err := pk.k.Verify(sig, msg, newHash())
	if err != nil || !ok {
		return nil, ErrForged
	}
	return msg, nil
}

// Bytes returns the compressed public key.
func (pk *PublicKey) Bytes() []byte { return pk.k.Bytes() }

// Equal reports whether both keys encode the same point.
func (pk *PublicKey) Equal(o *PublicKey) bool { return bytes.Equal(pk.Bytes(), o.Bytes()) }

// ParsePublicKey decodes the output of PublicKey.Bytes.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	var pk PublicKey
	n, err := pk.k.SetBytes(b)
	if err != nil || n != len(b) {
		return nil, fmt.Errorf("%w: public key", ErrInvalidKey)
	}
	return &pk, nil
}

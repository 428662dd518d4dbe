package crypto

import (
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/errors"
	"golang.org/x/crypto/ed25519"
)

const (
	// PublicKeySize is the length of an ed25519 public key.
	PublicKeySize = ed25519.PublicKeySize
	// PrivateKeySize is the length of an ed25519 private key.
	PrivateKeySize = ed25519.PrivateKeySize
	// SignatureSize is the length of an ed25519 signature.
	SignatureSize = ed25519.SignatureSize
	// SeedSize is the length of a private key seed.
	SeedSize = ed25519.SeedSize
)

// Signer signs channel states. Implementations need not expose the key
// material.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() PublicKey
}

// PublicKey is a raw ed25519 public key.
type PublicKey []byte

// PrivateKey is a raw ed25519 private key.
type PrivateKey []byte

var _ Signer = PrivateKey(nil)

// Validate returns ErrInvalidKey if the key is not a well formed ed25519
// public key.
func (p PublicKey) Validate() error {
	if len(p) != PublicKeySize {
		return errors.ErrInvalidKey.Newf("public key length %d", len(p))
	}
	return nil
}

// Verify reports whether sig is a valid signature of message by this key.
//
// An error is returned when the verification cannot be evaluated: the key is
// malformed (ErrInvalidKey) or the signature is not a well formed ed25519
// signature (ErrInvalidSignature). A false result without an error means the
// signature was evaluated and does not match.
func (p PublicKey) Verify(message, sig []byte) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	if len(sig) != SignatureSize {
		return false, errors.ErrInvalidSignature.Newf("signature length %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(p), message, sig), nil
}

// Address returns the party address derived from this key.
func (p PublicKey) Address() paychan.Address {
	if len(p) == 0 {
		return nil
	}
	return paychan.NewAddress(p)
}

func (p PublicKey) Equals(o PublicKey) bool {
	return string(p) == string(o)
}

// Validate returns ErrInvalidKey if the key is not a well formed ed25519
// private key.
func (p PrivateKey) Validate() error {
	if len(p) != PrivateKeySize {
		return errors.ErrInvalidKey.Newf("private key length %d", len(p))
	}
	return nil
}

func (p PrivateKey) Sign(message []byte) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return ed25519.Sign(ed25519.PrivateKey(p), message), nil
}

// PublicKey is nil for a malformed private key.
func (p PrivateKey) PublicKey() PublicKey {
	if p.Validate() != nil {
		return nil
	}
	pub := ed25519.PrivateKey(p).Public().(ed25519.PublicKey)
	return PublicKey(pub)
}

// GenerateKey reads a new key from crypto/rand.
func GenerateKey() PrivateKey {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return PrivateKey(priv)
}

// KeyFromSeed derives a key from a SeedSize byte seed. It panics on any
// other seed length.
func KeyFromSeed(seed []byte) PrivateKey {
	return PrivateKey(ed25519.NewKeyFromSeed(seed))
}

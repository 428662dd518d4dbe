/*
Package paychantest provides fixtures shared by the tests of all paychan
packages.
*/
package paychantest

import (
	"crypto/sha256"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/crypto"
)

// NewKey returns a fresh random signer.
func NewKey() crypto.PrivateKey {
	return crypto.GenerateKey()
}

// SeedKey returns a deterministic key derived from name.
func SeedKey(name string) crypto.PrivateKey {
	seed := sha256.Sum256([]byte(name))
	return crypto.KeyFromSeed(seed[:])
}

// Parties returns the deterministic keys of party A and party B.
func Parties() (a, b crypto.PrivateKey) {
	return SeedKey("party-a"), SeedKey("party-b")
}

// NewChannel returns a freshly funded channel between a and b.
func NewChannel(id string, a, b crypto.Signer, depositA, depositB int64) *channel.Channel {
	ch, err := channel.New(id, a.PublicKey(), b.PublicKey(), depositA, depositB)
	if err != nil {
		panic(err)
	}
	return ch
}

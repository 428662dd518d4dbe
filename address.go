package paychan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/iov-one/paychan/crypto/bech32"
	"github.com/iov-one/paychan/errors"
)

const (
	// AddressLength is the length of all party addresses.
	AddressLength = 20

	// AddressPrefix is the human readable part of bech32 encoded addresses.
	AddressPrefix = "pch"
)

// Address identifies a party. It is a collision-free, one-way digest of the
// party's public key and is fixed for the lifetime of a channel.
type Address []byte

// NewAddress is the truncated sha256 of data, usually a public key.
func NewAddress(data []byte) Address {
	if data == nil {
		return nil
	}
	h := sha256.Sum256(data)
	return h[:AddressLength]
}

// ParseAddress decodes a bech32 or hex representation of an address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := a.deserialize(s); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a Address) Equals(b Address) bool {
	return bytes.Equal(a, b)
}

// Key is usable as a map key.
func (a Address) Key() string {
	return string(a)
}

// String is the bech32 form, hex if that fails.
func (a Address) String() string {
	if len(a) == 0 {
		return "(nil)"
	}
	raw, err := bech32.Encode(AddressPrefix, a)
	if err != nil {
		return strings.ToUpper(hex.EncodeToString(a))
	}
	return string(raw)
}

// Validate checks the length only.
func (a Address) Validate() error {
	if len(a) != AddressLength {
		return errors.ErrInvalidInput.Newf("address: %X", []byte(a))
	}
	return nil
}

// MarshalJSON writes the bech32 form rather than base64.
func (a Address) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(raw []byte) error {
	var enc string
	if err := json.Unmarshal(raw, &enc); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "address json: %s", err)
	}
	return a.deserialize(enc)
}

func (a *Address) deserialize(enc string) error {
	if enc == "" {
		*a = nil
		return nil
	}

	if strings.HasPrefix(enc, AddressPrefix+"1") {
		payload, err := bech32.DecodeWithPrefix(AddressPrefix, enc)
		if err != nil {
			return err
		}
		*a = payload
		return nil
	}
	raw, err := hex.DecodeString(enc)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "address %q is neither bech32 nor hex", enc)
	}
	*a = raw
	return nil
}

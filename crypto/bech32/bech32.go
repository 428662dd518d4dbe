// Package bech32 converts party addresses to and from their human readable
// bech32 form.
package bech32

import (
	"github.com/btcsuite/btcutil/bech32"
	"github.com/iov-one/paychan/errors"
)

// Decode returns the human readable part and the 8 bit payload of raw.
func Decode(raw string) (string, []byte, error) {
	hrp, payload, err := bech32.Decode(raw)
	if err != nil {
		return "", nil, errors.Wrapf(errors.ErrInvalidInput, "bech32 decode: %s", err)
	}
	payload, err = bech32.ConvertBits(payload, 5, 8, false)
	if err != nil {
		return "", nil, errors.Wrapf(errors.ErrInvalidInput, "convert bits: %s", err)
	}
	return hrp, payload, nil
}

// Encode regroups payload into 5 bit words and encodes it under hrp.
func Encode(hrp string, payload []byte) ([]byte, error) {
	payload, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return nil, errors.Wrap(err, "convert bits")
	}
	raw, err := bech32.Encode(hrp, payload)
	if err != nil {
		return nil, errors.Wrap(err, "bech32 encode")
	}
	return []byte(raw), nil
}

// DecodeWithPrefix fails unless raw was encoded under hrp.
func DecodeWithPrefix(hrp, raw string) ([]byte, error) {
	got, payload, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if got != hrp {
		return nil, errors.ErrInvalidInput.Newf("bech32 prefix %q, want %q", got, hrp)
	}
	return payload, nil
}

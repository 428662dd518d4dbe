/*
Package codec turns channel states into the canonical byte sequence both
parties sign.

The layout is fixed:

	version (4 bytes) | len(channel_id) (1 byte) | channel_id |
	balance_a (int64 BE) | balance_b (int64 BE) | nonce (uint64 BE)

The channel id is length prefixed so the encoding is injective over
(channel_id, balance_a, balance_b, nonce). Every message kind that gets signed
uses its own version tag, so a signature over one kind can never be replayed
as another.
*/
package codec

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
)

var (
	stateVersion     = []byte{'p', 'c', 's', 1}
	rejectionVersion = []byte{'p', 'c', 'r', 2}
	abandonVersion   = []byte{'p', 'c', 'x', 1}
)

// Encode returns the canonical encoding of a state. A channel id that does
// not fit its length prefix is refused with ErrInvalidInput.
func Encode(s *channel.State) ([]byte, error) {
	if s == nil {
		return nil, errors.ErrInvalidInput.New("missing state")
	}
	bz := make([]byte, 0, len(stateVersion)+1+len(s.ChannelID)+24)
	bz = append(bz, stateVersion...)
	bz, err := appendID(bz, s.ChannelID)
	if err != nil {
		return nil, err
	}
	bz = appendUint64(bz, uint64(s.BalanceA))
	bz = appendUint64(bz, uint64(s.BalanceB))
	bz = appendUint64(bz, s.Nonce)
	return bz, nil
}

// StateHash identifies a state version. Two states with the same hash are
// the same state.
func StateHash(s *channel.State) ([]byte, error) {
	bz, err := Encode(s)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(bz)
	return h[:], nil
}

// EncodeRejection returns the encoding a rejector signs. The hash of the
// refused state is length prefixed, it may be empty.
func EncodeRejection(r *channel.Rejection) ([]byte, error) {
	if r == nil {
		return nil, errors.ErrInvalidInput.New("missing rejection")
	}
	if len(r.StateHash) > 255 {
		return nil, errors.ErrInvalidInput.New("state hash too long")
	}
	bz := make([]byte, 0, len(rejectionVersion)+1+len(r.ChannelID)+14+len(r.StateHash)+len(r.Reason))
	bz = append(bz, rejectionVersion...)
	bz, err := appendID(bz, r.ChannelID)
	if err != nil {
		return nil, err
	}
	bz = appendUint64(bz, r.Nonce)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], r.Code)
	bz = append(bz, c[:]...)
	bz = append(bz, byte(len(r.StateHash)))
	bz = append(bz, r.StateHash...)
	// The reason is the only variable length tail, no prefix needed.
	bz = append(bz, r.Reason...)
	return bz, nil
}

// EncodeAbandon returns the encoding a party signs to consent to abandoning
// a channel at the funding state.
func EncodeAbandon(channelID string) ([]byte, error) {
	bz := make([]byte, 0, len(abandonVersion)+1+len(channelID))
	bz = append(bz, abandonVersion...)
	return appendID(bz, channelID)
}

// Sign returns the signature of msg. msg is prehashed before signing.
func Sign(s crypto.Signer, msg []byte) ([]byte, error) {
	if s == nil {
		return nil, errors.ErrInvalidKey.New("no signer")
	}
	return s.Sign(prehash(msg))
}

// Verify reports whether sig is a signature of msg by pub. False without an
// error means the signature was evaluated and does not match. ErrInvalidKey
// and ErrInvalidSignature are returned when the signature cannot be
// evaluated at all.
func Verify(pub crypto.PublicKey, msg, sig []byte) (bool, error) {
	return pub.Verify(prehash(msg), sig)
}

// SignState signs the canonical encoding of a state.
func SignState(s crypto.Signer, st *channel.State) ([]byte, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	bz, err := Encode(st)
	if err != nil {
		return nil, err
	}
	return Sign(s, bz)
}

// VerifyState returns nil only if sig is a valid signature of the state by
// pub. It matches channel.Verifier.
func VerifyState(pub crypto.PublicKey, st *channel.State, sig []byte) error {
	if err := st.Validate(); err != nil {
		return err
	}
	bz, err := Encode(st)
	if err != nil {
		return err
	}
	return mustVerify(pub, bz, sig)
}

// VerifyRejection checks the rejector signature of r against pub.
func VerifyRejection(pub crypto.PublicKey, r *channel.Rejection) error {
	bz, err := EncodeRejection(r)
	if err != nil {
		return err
	}
	return mustVerify(pub, bz, r.Signature)
}

// SignRejection fills in the signature of r.
func SignRejection(s crypto.Signer, r *channel.Rejection) error {
	bz, err := EncodeRejection(r)
	if err != nil {
		return err
	}
	sig, err := Sign(s, bz)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

func mustVerify(pub crypto.PublicKey, msg, sig []byte) error {
	ok, err := Verify(pub, msg, sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrInvalidSignature.New("signature does not match")
	}
	return nil
}

func prehash(msg []byte) []byte {
	h := sha512.Sum512(msg)
	return h[:]
}

func appendID(bz []byte, id string) ([]byte, error) {
	if err := channel.ValidateID(id); err != nil {
		return nil, err
	}
	bz = append(bz, byte(len(id)))
	return append(bz, id...), nil
}

func appendUint64(bz []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(bz, b[:]...)
}

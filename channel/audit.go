package channel

import (
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
)

// Verifier checks that sig is a signature of state by key.
type Verifier func(key crypto.PublicKey, state *State, sig []byte) error

// Audit checks a channel and its full history against the invariants of the
// protocol: nonces run 0, 1, 2... without gaps or repeats, every state
// conserves the total capital, every state after funding carries both
// signatures and the last entry is the canonical state. Signatures are
// verified only when verify is not nil.
//
// Any violation is reported as ErrCorrupted.
func Audit(ch *Channel, history []*SignedState, verify Verifier) error {
	if err := ch.Validate(); err != nil {
		return errors.Wrap(errors.ErrCorrupted, err.Error())
	}
	if len(history) == 0 {
		return errors.ErrCorrupted.New("empty history")
	}
	for i, h := range history {
		if err := h.Validate(); err != nil {
			return errors.Wrapf(errors.ErrCorrupted, "entry %d: %s", i, err)
		}
		st := h.State
		if st.ChannelID != ch.ID {
			return errors.ErrCorrupted.Newf("entry %d belongs to %q", i, st.ChannelID)
		}
		if st.Nonce != uint64(i) {
			return errors.ErrCorrupted.Newf("entry %d has nonce %d", i, st.Nonce)
		}
		if err := st.Conserves(ch.TotalCapital); err != nil {
			return errors.Wrapf(errors.ErrCorrupted, "nonce %d: %s", st.Nonce, err)
		}
		if st.Nonce == 0 || verify == nil {
			continue
		}
		for _, r := range []Role{RoleA, RoleB} {
			if err := verify(ch.Key(r), st, h.Sig(r)); err != nil {
				return errors.Wrapf(errors.ErrCorrupted, "nonce %d party %s: %s", st.Nonce, r, err)
			}
		}
	}
	if last := history[len(history)-1]; !last.SameVersion(ch.Canonical) {
		return errors.ErrCorrupted.Newf("canonical nonce %d, history ends at %d", ch.Nonce(), last.State.Nonce)
	}
	return nil
}

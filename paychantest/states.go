package paychantest

import (
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/crypto"
)

// CoSign returns the state signed by both parties.
func CoSign(st *channel.State, a, b crypto.Signer) *channel.SignedState {
	sigA, err := codec.SignState(a, st)
	if err != nil {
		panic(err)
	}
	sigB, err := codec.SignState(b, st)
	if err != nil {
		panic(err)
	}
	return &channel.SignedState{State: st, SigA: sigA, SigB: sigB}
}

// Advance returns the co-signed successor of the canonical state of ch
// after moving amount in the given direction.
func Advance(ch *channel.Channel, amount int64, dir channel.Direction, a, b crypto.Signer) *channel.SignedState {
	next, err := ch.Canonical.State.Transfer(amount, dir)
	if err != nil {
		panic(err)
	}
	return CoSign(next, a, b)
}

// Propose returns a proposal for st signed by the proposer.
func Propose(st *channel.State, proposer channel.Role, key crypto.Signer) *channel.Proposal {
	sig, err := codec.SignState(key, st)
	if err != nil {
		panic(err)
	}
	return &channel.Proposal{
		ChannelID:   st.ChannelID,
		State:       st,
		Proposer:    proposer,
		ProposerSig: sig,
	}
}

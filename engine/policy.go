package engine

import (
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
)

// Policy decides whether a valid incoming proposal is accepted. A non nil
// error rejects the proposal and is sent to the proposer.
//
// localPending is true when the local party has its own proposal in flight
// for the same channel.
type Policy func(ch *channel.Channel, p *channel.Proposal, localPending bool) error

// AlwaysAccept accepts every valid proposal. Concurrent proposals of both
// parties are then decided by the Channel Store.
func AlwaysAccept(*channel.Channel, *channel.Proposal, bool) error {
	return nil
}

// RejectIfPending refuses proposals while a local proposal is in flight.
func RejectIfPending(ch *channel.Channel, p *channel.Proposal, localPending bool) error {
	if localPending {
		return errors.ErrProposalInFlight.Newf("local proposal pending on %q", ch.ID)
	}
	return nil
}

// OnlyIncoming accepts only proposals that do not lower the balance of the
// accepting party.
func OnlyIncoming(ch *channel.Channel, p *channel.Proposal, _ bool) error {
	acceptor := p.Proposer.Other()
	if p.State.Balance(acceptor) < ch.Canonical.State.Balance(acceptor) {
		return errors.ErrUnauthorized.New("proposal pays out of the local balance")
	}
	return nil
}

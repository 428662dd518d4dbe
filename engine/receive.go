package engine

import (
	"bytes"
	"context"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
)

// checkProposal runs the checks every proposal must pass before it is
// co-signed, in the order the errors are reported.
func checkProposal(ch *channel.Channel, p *channel.Proposal) error {
	if ch.Phase != channel.PhaseOpen {
		return errors.ErrChannelClosed.Newf("channel %q is %s", ch.ID, ch.Phase)
	}
	if want := ch.Nonce() + 1; p.State.Nonce != want {
		return errors.ErrStaleNonce.Newf("want nonce %d, got %d", want, p.State.Nonce)
	}
	if err := codec.VerifyState(ch.Key(p.Proposer), p.State, p.ProposerSig); err != nil {
		return errors.Wrap(err, "proposer")
	}
	return p.State.Conserves(ch.TotalCapital)
}

// ReceiveProposal checks a proposal of the counterparty and, if the policy
// agrees, accepts it. A proposal failing any check or refused by the policy
// is answered with a signed rejection and the reason is returned.
func (e *Engine) ReceiveProposal(ctx context.Context, p *channel.Proposal) (*channel.Acceptance, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	lc := e.local(p.ChannelID)
	lc.mu.Lock()
	acc, out, err := e.receiveProposalLocked(ctx, lc, p)
	lc.mu.Unlock()

	e.sendAll(ctx, out)
	return acc, err
}

func (e *Engine) receiveProposalLocked(ctx context.Context, lc *local, p *channel.Proposal) (*channel.Acceptance, []*relay.Envelope, error) {
	if err := lc.check(p.ChannelID); err != nil {
		return nil, nil, err
	}
	ch, role, err := e.member(ctx, p.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if p.Proposer != role.Other() {
		return nil, nil, errors.ErrUnauthorized.Newf("proposal signed as %s", p.Proposer)
	}

	// A proposal we accepted before is delivered again. Answer it again,
	// the proposer may have missed the acceptance.
	if c := ch.Canonical; p.State.Nonce == ch.Nonce() && c.State.Equals(p.State) {
		if err := codec.VerifyState(ch.Key(p.Proposer), p.State, p.ProposerSig); err != nil {
			return nil, nil, errors.Wrap(err, "proposer")
		}
		acc := p.Accept(c.Sig(role))
		env, err := relay.NewEnvelope(ch.ID, relay.KindAcceptance, e.self, ch.Address(p.Proposer), acc)
		if err != nil {
			return nil, nil, err
		}
		return acc, []*relay.Envelope{env}, nil
	}

	if err := checkProposal(ch, p); err != nil {
		return nil, []*relay.Envelope{e.refuse(lc, ch, role, p, err)}, err
	}
	if err := e.cfg.policy(ch, p, lc.pending != nil); err != nil {
		return nil, []*relay.Envelope{e.refuse(lc, ch, role, p, err)}, err
	}
	return e.acceptLocked(ctx, lc, ch, role, p)
}

// Accept co-signs a proposal of the counterparty and commits it. It fails
// with ErrRaceLost when another state was committed at the proposal nonce
// first. On success the acceptance is sent to the proposer.
func (e *Engine) Accept(ctx context.Context, p *channel.Proposal) (*channel.Acceptance, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	lc := e.local(p.ChannelID)
	lc.mu.Lock()
	acc, out, err := e.accept(ctx, lc, p)
	lc.mu.Unlock()

	e.sendAll(ctx, out)
	return acc, err
}

func (e *Engine) accept(ctx context.Context, lc *local, p *channel.Proposal) (*channel.Acceptance, []*relay.Envelope, error) {
	if err := lc.check(p.ChannelID); err != nil {
		return nil, nil, err
	}
	ch, role, err := e.member(ctx, p.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if p.Proposer != role.Other() {
		return nil, nil, errors.ErrUnauthorized.Newf("proposal signed as %s", p.Proposer)
	}
	return e.acceptLocked(ctx, lc, ch, role, p)
}

func (e *Engine) acceptLocked(ctx context.Context, lc *local, ch *channel.Channel, role channel.Role, p *channel.Proposal) (*channel.Acceptance, []*relay.Envelope, error) {
	if err := checkProposal(ch, p); err != nil {
		return nil, []*relay.Envelope{e.refuse(lc, ch, role, p, err)}, err
	}
	if err := collision(lc, ch, role, p.State); err != nil {
		return nil, []*relay.Envelope{e.refuse(lc, ch, role, p, err)}, err
	}
	sig, err := codec.SignState(e.signer, p.State)
	if err != nil {
		return nil, nil, err
	}
	acc := p.Accept(sig)
	signed := acc.Signed()

	if _, err := e.commit(ctx, ch.ID, signed); err != nil {
		if errors.ErrRaceLost.Is(err) || errors.ErrChannelClosed.Is(err) {
			return nil, []*relay.Envelope{e.refuse(lc, ch, role, p, err)}, err
		}
		return nil, nil, err
	}
	e.logger.Info("accepted", "channel", ch.ID, "nonce", p.State.Nonce)

	// Our own proposal at this nonce, if any, lost.
	e.settleAtLocked(lc, signed)

	env, err := relay.NewEnvelope(ch.ID, relay.KindAcceptance, e.self, ch.Address(p.Proposer), acc)
	if err != nil {
		return acc, nil, err
	}
	return acc, []*relay.Envelope{env}, nil
}

// collision refuses to co-sign s when it competes with a state the local
// party stands behind at the same nonce.
func collision(lc *local, ch *channel.Channel, role channel.Role, s *channel.State) error {
	switch role {
	case channel.RoleA:
		if o := lc.openOffer(ch.Nonce()); o != nil && o.Nonce == s.Nonce && !o.Equals(s) {
			return errors.ErrRaceLost.Newf("nonce %d is offered with another state", s.Nonce)
		}
	case channel.RoleB:
		if lc.refusedBefore(s) {
			return errors.ErrRaceLost.Newf("state at nonce %d was refused before", s.Nonce)
		}
	}
	return nil
}

// ReceiveAcceptance commits the state co-signed by the counterparty. If the
// same state is canonical already this is a no-op.
func (e *Engine) ReceiveAcceptance(ctx context.Context, a *channel.Acceptance) error {
	if err := a.Validate(); err != nil {
		return err
	}
	lc := e.local(a.ChannelID)
	lc.mu.Lock()
	out, err := e.receiveAcceptanceLocked(ctx, lc, a)
	lc.mu.Unlock()

	e.sendAll(ctx, out)
	return err
}

func (e *Engine) receiveAcceptanceLocked(ctx context.Context, lc *local, a *channel.Acceptance) ([]*relay.Envelope, error) {
	if err := lc.check(a.ChannelID); err != nil {
		return nil, err
	}
	ch, role, err := e.member(ctx, a.ChannelID)
	if err != nil {
		return nil, err
	}
	if a.Proposer != role {
		return nil, errors.ErrUnauthorized.New("acceptance of a proposal we did not make")
	}
	signed := a.Signed()
	if err := verifySigned(ch, signed); err != nil {
		return nil, err
	}

	committed, err := e.commit(ctx, ch.ID, signed)
	if err != nil {
		if p := lc.pending; p != nil && p.Nonce() == signed.State.Nonce && errors.ErrRaceLost.Is(err) {
			e.settleLocked(lc, nil, err)
		}
		return nil, err
	}
	e.settleAtLocked(lc, signed)
	if !committed {
		return nil, nil
	}

	// Our store did not have the state yet, so the acceptor may use
	// another one. Tell it the handshake completed.
	env, err := relay.NewEnvelope(ch.ID, relay.KindCommitNotify, e.self, ch.Address(role.Other()),
		&channel.CommitNotice{ChannelID: ch.ID, Signed: signed})
	if err != nil {
		return nil, err
	}
	return []*relay.Envelope{env}, nil
}

// verifySigned checks both signatures of a state and its capital.
func verifySigned(ch *channel.Channel, s *channel.SignedState) error {
	if s.State.ChannelID != ch.ID {
		return errors.ErrInvalidInput.Newf("state of %q", s.State.ChannelID)
	}
	for _, r := range []channel.Role{channel.RoleA, channel.RoleB} {
		if err := codec.VerifyState(ch.Key(r), s.State, s.Sig(r)); err != nil {
			return errors.Wrapf(err, "party %s", r)
		}
	}
	return s.State.Conserves(ch.TotalCapital)
}

// ReceiveCommitNotice brings the local store up to a state the counterparty
// committed. Notices of states already canonical are no-ops. A different
// co-signed state at a nonce we already committed means the history forked
// and the channel is halted.
func (e *Engine) ReceiveCommitNotice(ctx context.Context, n *channel.CommitNotice) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.Signed.State.Nonce == 0 {
		return errors.ErrStaleNonce.New("funding state is not announced")
	}
	lc := e.local(n.ChannelID)
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if err := lc.check(n.ChannelID); err != nil {
		return err
	}
	ch, _, err := e.member(ctx, n.ChannelID)
	if err != nil {
		return err
	}
	if err := verifySigned(ch, n.Signed); err != nil {
		return err
	}

	nonce := n.Signed.State.Nonce
	switch {
	case nonce <= ch.Nonce():
		at, err := e.committedAt(ctx, ch.ID, nonce)
		if err != nil {
			return err
		}
		if at == nil || !at.SameVersion(n.Signed) {
			lc.halted = errors.ErrCorrupted.Newf("two co-signed states at nonce %d", nonce)
			e.settleLocked(lc, nil, lc.halted)
			e.logger.Error("channel halted", "channel", ch.ID, "err", lc.halted)
			return lc.halted
		}
		return nil
	case nonce == ch.Nonce()+1:
		if _, err := e.commit(ctx, ch.ID, n.Signed); err != nil {
			return err
		}
		e.settleAtLocked(lc, n.Signed)
		return nil
	default:
		return errors.ErrStaleNonce.Newf("notice of nonce %d, local nonce is %d", nonce, ch.Nonce())
	}
}

// ReceiveRejection completes the local proposal the counterparty refused and
// releases the offer it names. Rejections of proposals no longer in flight
// are ignored.
func (e *Engine) ReceiveRejection(ctx context.Context, r *channel.Rejection) error {
	if err := r.Validate(); err != nil {
		return err
	}
	lc := e.local(r.ChannelID)
	lc.mu.Lock()
	defer lc.mu.Unlock()

	ch, role, err := e.member(ctx, r.ChannelID)
	if err != nil {
		return err
	}
	if r.Rejector != role.Other() {
		return errors.ErrUnauthorized.Newf("rejection signed as %s", r.Rejector)
	}
	if err := codec.VerifyRejection(ch.Key(r.Rejector), r); err != nil {
		return err
	}
	if role == channel.RoleA {
		lc.releaseOffer(r)
	}
	p := lc.pending
	if p == nil || p.Nonce() != r.Nonce {
		return nil
	}
	if len(r.StateHash) != 0 {
		hash, err := codec.StateHash(p.proposal.State)
		if err != nil || !bytes.Equal(hash, r.StateHash) {
			return nil
		}
	}
	e.settleLocked(lc, nil, r.Err())
	return nil
}

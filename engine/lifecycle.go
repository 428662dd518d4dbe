package engine

import (
	"context"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
)

// Reconcile re-reads a channel from the Channel Store and completes the
// local proposal if the store already decided it. It is the recovery path
// after an uncertain delivery, a delivery-failed notice or a closed
// notice. Concurrent calls for the same channel share one store read.
func (e *Engine) Reconcile(ctx context.Context, id string) (*channel.Channel, error) {
	v, err, _ := e.flight.Do(id, func() (interface{}, error) {
		return e.reconcile(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*channel.Channel), nil
}

func (e *Engine) reconcile(ctx context.Context, id string) (*channel.Channel, error) {
	lc := e.local(id)
	lc.mu.Lock()
	defer lc.mu.Unlock()

	ch, err := e.store.Get(ctx, id)
	if errors.ErrNotFound.Is(err) {
		// Abandoned by the counterparty.
		e.settleLocked(lc, nil, errors.ErrChannelClosed.Newf("channel %q no longer exists", id))
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if ch.Phase != channel.PhaseOpen {
		e.settleLocked(lc, nil, errors.ErrChannelClosed.Newf("channel %q is %s", id, ch.Phase))
		return ch, nil
	}
	p := lc.pending
	if p == nil || p.Nonce() > ch.Nonce() {
		return ch, nil
	}
	at, err := e.committedAt(ctx, id, p.Nonce())
	if err != nil {
		return nil, err
	}
	if at != nil {
		e.settleAtLocked(lc, at)
	}
	return ch, nil
}

// Resume audits every channel of the local party, typically after a
// restart. A channel whose history violates an invariant is halted: it
// refuses all further protocol steps until reconciled by hand. Resume
// returns the ids of the halted channels.
func (e *Engine) Resume(ctx context.Context) ([]string, error) {
	chans, err := e.store.List(ctx, e.self)
	if err != nil {
		return nil, err
	}
	var halted []string
	for _, ch := range chans {
		history, err := e.store.History(ctx, ch.ID)
		if err != nil {
			return halted, err
		}
		err = channel.Audit(ch, history, codec.VerifyState)
		if err == nil {
			continue
		}
		lc := e.local(ch.ID)
		lc.mu.Lock()
		lc.halted = err
		e.settleLocked(lc, nil, err)
		lc.mu.Unlock()
		halted = append(halted, ch.ID)
		e.logger.Error("channel halted", "channel", ch.ID, "err", err)
	}
	return halted, nil
}

// SignAbandon returns the consent of the local party to abandon a channel
// before any capital moved.
func (e *Engine) SignAbandon(ctx context.Context, id string) ([]byte, error) {
	ch, _, err := e.member(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Nonce() != 0 {
		return nil, errors.ErrInvalidState.Newf("channel %q moved to nonce %d", id, ch.Nonce())
	}
	msg, err := codec.EncodeAbandon(id)
	if err != nil {
		return nil, err
	}
	return codec.Sign(e.signer, msg)
}

// Abandon deletes a channel that never left its funding state. consent is
// the counterparty signature produced by SignAbandon. Both parties are
// notified with a closed message.
func (e *Engine) Abandon(ctx context.Context, id string, consent []byte) error {
	lc := e.local(id)
	lc.mu.Lock()
	env, err := e.abandonLocked(ctx, lc, id, consent)
	lc.mu.Unlock()
	if err != nil {
		return err
	}
	e.sendAll(ctx, []*relay.Envelope{env})
	return nil
}

func (e *Engine) abandonLocked(ctx context.Context, lc *local, id string, consent []byte) (*relay.Envelope, error) {
	if err := lc.check(id); err != nil {
		return nil, err
	}
	if lc.pending != nil {
		return nil, errors.ErrProposalInFlight.New("cannot abandon with a proposal in flight")
	}
	ch, role, err := e.member(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Phase != channel.PhaseOpen {
		return nil, errors.ErrChannelClosed.Newf("channel %q is %s", id, ch.Phase)
	}
	if ch.Nonce() != 0 {
		return nil, errors.ErrInvalidState.Newf("channel %q moved to nonce %d", id, ch.Nonce())
	}
	msg, err := codec.EncodeAbandon(id)
	if err != nil {
		return nil, err
	}
	ok, err := codec.Verify(ch.Key(role.Other()), msg, consent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrInvalidSignature.New("abandon consent")
	}

	// Leaving Open stops concurrent commits. A commit that slipped in
	// before is detected by the second read.
	if err := e.store.SetPhase(ctx, id, channel.PhaseOpen, channel.PhaseClosing); err != nil {
		return nil, err
	}
	ch, err = e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Nonce() != 0 {
		if err := e.store.SetPhase(ctx, id, channel.PhaseClosing, channel.PhaseOpen); err != nil {
			return nil, err
		}
		return nil, errors.ErrInvalidState.Newf("channel %q moved to nonce %d", id, ch.Nonce())
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	e.logger.Info("channel abandoned", "channel", id)

	return relay.NewEnvelope(id, relay.KindClosed, e.self, ch.Address(role.Other()),
		&channel.Closed{ChannelID: id, Abandoned: true})
}

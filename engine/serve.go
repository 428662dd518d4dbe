package engine

import (
	"context"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
)

// Serve handles the envelopes of sub until ctx is done or the subscription
// ends. Envelopes are acknowledged once handled, whatever the outcome, so a
// bad message is not delivered forever. Envelopes that failed because the
// store was unreachable stay unacknowledged and come back with the next
// subscription.
func (e *Engine) Serve(ctx context.Context, sub relay.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Deliveries():
			if !ok {
				return errors.ErrUnavailable.New("subscription closed")
			}
			if !e.handleEnvelope(ctx, env) {
				continue
			}
			if err := sub.Ack(env.PayloadHash); err != nil {
				e.logger.Error("ack", "id", env.ID(), "err", err)
			}
		}
	}
}

// handleEnvelope dispatches env and reports whether it may be acknowledged.
func (e *Engine) handleEnvelope(ctx context.Context, env *relay.Envelope) (ack bool) {
	id := env.ID()
	if _, ok := e.seen.Get(id); ok {
		return true
	}
	if err := env.Validate(); err != nil {
		e.logger.Info("dropping envelope", "id", id, "err", err)
		return true
	}
	if !e.self.Equals(env.To) {
		e.logger.Info("dropping envelope for another party", "id", id)
		return true
	}

	err := e.Handle(ctx, env)
	switch {
	case err == nil:
	case errors.ErrUnavailable.Is(err), errors.ErrDatabase.Is(err):
		e.logger.Error("handle envelope", "channel", env.ChannelID, "kind", env.Kind, "err", err)
		return false
	case errors.IsValidation(err), errors.IsRetryable(err):
		e.logger.Info("envelope refused", "channel", env.ChannelID, "kind", env.Kind, "err", err)
	default:
		e.logger.Error("handle envelope", "channel", env.ChannelID, "kind", env.Kind, "err", err)
	}
	e.seen.Set(id, struct{}{}, 1)
	e.seen.Wait()
	return true
}

// Handle decodes env and runs the matching protocol step.
func (e *Engine) Handle(ctx context.Context, env *relay.Envelope) (err error) {
	defer errors.Recover(&err)

	switch env.Kind {
	case relay.KindProposal:
		var p channel.Proposal
		if err := env.Decode(&p); err != nil {
			return err
		}
		if err := sameChannel(env, p.ChannelID); err != nil {
			return err
		}
		_, err := e.ReceiveProposal(ctx, &p)
		return err
	case relay.KindAcceptance:
		var a channel.Acceptance
		if err := env.Decode(&a); err != nil {
			return err
		}
		if err := sameChannel(env, a.ChannelID); err != nil {
			return err
		}
		return e.ReceiveAcceptance(ctx, &a)
	case relay.KindCommitNotify:
		var n channel.CommitNotice
		if err := env.Decode(&n); err != nil {
			return err
		}
		if err := sameChannel(env, n.ChannelID); err != nil {
			return err
		}
		return e.ReceiveCommitNotice(ctx, &n)
	case relay.KindRejection:
		var r channel.Rejection
		if err := env.Decode(&r); err != nil {
			return err
		}
		if err := sameChannel(env, r.ChannelID); err != nil {
			return err
		}
		return e.ReceiveRejection(ctx, &r)
	case relay.KindClosed:
		var c channel.Closed
		if err := env.Decode(&c); err != nil {
			return err
		}
		_, err := e.Reconcile(ctx, env.ChannelID)
		if errors.ErrNotFound.Is(err) && c.Abandoned {
			return nil
		}
		return err
	case relay.KindDeliveryFailed:
		var f relay.DeliveryFailed
		if err := env.Decode(&f); err != nil {
			return err
		}
		// Never replay the lost message. The store holds the truth.
		e.logger.Info("delivery failed", "channel", env.ChannelID, "kind", f.Kind)
		_, err := e.Reconcile(ctx, env.ChannelID)
		return err
	}
	if h, ok := e.cfg.handlers[env.Kind]; ok {
		return h(ctx, env)
	}
	return errors.ErrInvalidInput.Newf("unknown envelope kind %q", string(env.Kind))
}

func sameChannel(env *relay.Envelope, id string) error {
	if env.ChannelID != id {
		return errors.ErrInvalidInput.Newf("envelope of %q carries a message of %q", env.ChannelID, id)
	}
	return nil
}

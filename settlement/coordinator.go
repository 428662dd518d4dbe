package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
	"github.com/tendermint/tendermint/libs/log"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRetries is how many times an unavailable layer is retried.
	DefaultRetries = 5
	// DefaultBackoff is the first wait between two attempts. It doubles
	// on every retry.
	DefaultBackoff = 500 * time.Millisecond
	// DefaultConcurrency bounds FinalizeAll.
	DefaultConcurrency = 4
)

// Option configures a Coordinator.
type Option func(*config)

type config struct {
	retries     int
	backoff     time.Duration
	concurrency int
	logger      log.Logger
}

// WithRetries sets how many times a failed submission is retried.
func WithRetries(n int) Option {
	return func(c *config) {
		c.retries = n
	}
}

// WithBackoff sets the first wait between two submissions.
func WithBackoff(d time.Duration) Option {
	return func(c *config) {
		c.backoff = d
	}
}

// WithConcurrency bounds the channels finalized at once by FinalizeAll.
func WithConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Coordinator acts on the settlement layer for one party.
type Coordinator struct {
	layer  Layer
	store  chanstore.Store
	sender relay.Sender
	key    crypto.PublicKey
	self   paychan.Address
	cfg    config
	logger log.Logger

	mu      sync.Mutex
	invites map[string]*Funding
}

// NewCoordinator returns a coordinator acting for the owner of key. sender
// may be nil, funding and closed notices are not sent then.
func NewCoordinator(layer Layer, store chanstore.Store, sender relay.Sender, key crypto.PublicKey, opts ...Option) (*Coordinator, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Wrap(err, "self")
	}
	cfg := config{
		retries:     DefaultRetries,
		backoff:     DefaultBackoff,
		concurrency: DefaultConcurrency,
		logger:      log.NewNopLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.retries < 0 || cfg.backoff <= 0 || cfg.concurrency <= 0 {
		return nil, errors.ErrInvalidInput.New("retries, backoff and concurrency")
	}
	return &Coordinator{
		layer:   layer,
		store:   store,
		sender:  sender,
		key:     key,
		self:    key.Address(),
		cfg:     cfg,
		logger:  cfg.logger.With("module", "settlement"),
		invites: make(map[string]*Funding),
	}, nil
}

// Fund escrows deposit for the local party as party a of a new channel and
// invites the counterparty through the relay. The counterparty has window
// to fund its side.
func (c *Coordinator) Fund(ctx context.Context, id string, counterparty crypto.PublicKey, deposit int64, window time.Duration) (*Funding, error) {
	if err := channel.ValidateID(id); err != nil {
		return nil, err
	}
	if err := counterparty.Validate(); err != nil {
		return nil, errors.Wrap(err, "counterparty")
	}
	if counterparty.Equals(c.key) {
		return nil, errors.ErrInvalidInput.New("a channel needs two distinct parties")
	}
	if err := c.layer.Fund(ctx, id, c.key, counterparty, deposit, window); err != nil {
		return nil, err
	}
	f, err := c.layer.Funding(ctx, id)
	if err != nil {
		return nil, err
	}
	c.logger.Info("channel funded", "channel", id, "deposit", deposit, "counterparty", counterparty.Address())
	c.announce(ctx, id, relay.KindFunded, counterparty.Address(), f)
	return f, nil
}

// CounterpartyFund escrows deposit for the local party as party b and
// confirms the channel. Party a learns it through the relay and confirms
// on its side. Calling it again once funded only confirms.
func (c *Coordinator) CounterpartyFund(ctx context.Context, id string, deposit int64) (*channel.Channel, error) {
	f, err := c.layer.Funding(ctx, id)
	if err != nil {
		return nil, err
	}
	if !crypto.PublicKey(f.KeyB).Equals(c.key) {
		return nil, errors.ErrUnauthorized.Newf("%s is not party b of channel %q", c.self, id)
	}
	if !f.CounterpartyFunded || f.DepositB != deposit {
		if err := c.layer.CounterpartyFund(ctx, id, c.key, deposit); err != nil {
			return nil, err
		}
		if f, err = c.layer.Funding(ctx, id); err != nil {
			return nil, err
		}
	}
	ch, err := c.ConfirmFunding(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.invites, id)
	c.mu.Unlock()
	c.announce(ctx, id, relay.KindFundingAccepted, ch.Address(channel.RoleA), f)
	return ch, nil
}

// Handle runs the funding handshake envelopes. The payload is a hint only,
// the funding record is always read from the settlement layer.
func (c *Coordinator) Handle(ctx context.Context, env *relay.Envelope) error {
	var hint Funding
	if err := env.Decode(&hint); err != nil {
		return err
	}
	if hint.ChannelID != env.ChannelID {
		return errors.ErrInvalidInput.Newf("envelope of %q carries the funding of %q", env.ChannelID, hint.ChannelID)
	}
	id := env.ChannelID

	switch env.Kind {
	case relay.KindFunded:
		f, err := c.layer.Funding(ctx, id)
		if err != nil {
			return err
		}
		if !crypto.PublicKey(f.KeyB).Equals(c.key) {
			return errors.ErrUnauthorized.Newf("%s is not party b of channel %q", c.self, id)
		}
		if f.CounterpartyFunded {
			return nil
		}
		c.mu.Lock()
		c.invites[id] = f
		c.mu.Unlock()
		c.logger.Info("channel invitation", "channel", id,
			"from", crypto.PublicKey(f.KeyA).Address(), "deposit", f.DepositA)
		return nil
	case relay.KindFundingAccepted:
		_, err := c.ConfirmFunding(ctx, id)
		return err
	}
	return errors.ErrInvalidInput.Newf("unknown envelope kind %q", string(env.Kind))
}

// Invitations lists the channels funded for the local party that still
// wait for its deposit at now, ordered by id.
func (c *Coordinator) Invitations(now time.Time) []*Funding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Funding, 0, len(c.invites))
	for id, f := range c.invites {
		if f.Expired(now) {
			delete(c.invites, id)
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// announce sends a funding notice. The handshake also completes without
// it, each party may confirm by hand.
func (c *Coordinator) announce(ctx context.Context, id string, kind relay.Kind, to paychan.Address, f *Funding) {
	if c.sender == nil {
		return
	}
	env, err := relay.NewEnvelope(id, kind, c.self, to, f)
	if err == nil {
		err = c.sender.Send(ctx, env)
	}
	if err != nil {
		c.logger.Error("funding notice", "channel", id, "kind", kind, "to", to, "err", err)
	}
}

// ConfirmFunding creates the channel in the Channel Store once both
// deposits are escrowed. The canonical state is the funding split at nonce
// zero. Confirming an existing channel returns it unchanged.
func (c *Coordinator) ConfirmFunding(ctx context.Context, id string) (*channel.Channel, error) {
	ch, err := c.store.Get(ctx, id)
	switch {
	case err == nil:
		return ch, c.checkMember(ch)
	case !errors.ErrNotFound.Is(err):
		return nil, err
	}

	f, err := c.layer.Funding(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, errors.Wrap(err, "funding reported by the settlement layer")
	}
	if f.ChannelID != id {
		return nil, errors.ErrInvalidInput.Newf("funding of %q reported for %q", f.ChannelID, id)
	}
	if !f.CounterpartyFunded {
		return nil, errors.ErrInvalidState.Newf("channel %q waits for the counterparty deposit", id)
	}
	ch, err = channel.New(id, f.KeyA, f.KeyB, f.DepositA, f.DepositB)
	if err != nil {
		return nil, err
	}
	if err := c.checkMember(ch); err != nil {
		return nil, err
	}
	switch err := c.store.Create(ctx, ch); {
	case err == nil:
		c.logger.Info("funding confirmed", "channel", id, "capital", ch.TotalCapital)
	case errors.ErrDuplicate.Is(err):
		// The counterparty confirmed first.
	default:
		return nil, err
	}
	return c.store.Get(ctx, id)
}

func (c *Coordinator) checkMember(ch *channel.Channel) error {
	if !ch.IsMember(c.self) {
		return errors.ErrUnauthorized.Newf("%s is not a member of channel %q", c.self, ch.ID)
	}
	return nil
}

// Finalize submits the canonical state of a channel to the settlement
// layer and closes it. The channel leaves Open first so no proposal can
// commit while the submission runs. If the layer cannot be reached the
// channel goes back to Open.
//
// Finalizing a closed channel returns the state it settled at, which may be
// newer than its canonical state when the counterparty settled first.
func (c *Coordinator) Finalize(ctx context.Context, id string) (*channel.SignedState, error) {
	ch, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.checkMember(ch); err != nil {
		return nil, err
	}
	switch ch.Phase {
	case channel.PhaseClosed:
		if ch.Settled != nil {
			return ch.Settled, nil
		}
		return ch.Canonical, nil
	case channel.PhaseOpen:
		// A conflict means someone else moved the channel to Closing.
		err := c.store.SetPhase(ctx, id, channel.PhaseOpen, channel.PhaseClosing)
		if err != nil && !errors.ErrConflict.Is(err) {
			return nil, err
		}
	}

	final, err := c.submit(ctx, id)
	if err != nil {
		if rerr := c.store.SetPhase(ctx, id, channel.PhaseClosing, channel.PhaseOpen); rerr != nil && !errors.ErrConflict.Is(rerr) {
			c.logger.Error("reopen channel", "channel", id, "err", rerr)
		}
		return nil, err
	}
	if err := c.close(ctx, id, final); err != nil {
		return nil, err
	}
	c.logger.Info("channel settled", "channel", id, "nonce", final.State.Nonce,
		"balance_a", final.State.BalanceA, "balance_b", final.State.BalanceB)
	c.notify(ctx, ch, final.State.Nonce)
	return final, nil
}

// submit sends the canonical state until the layer records it or a state
// at least as recent.
func (c *Coordinator) submit(ctx context.Context, id string) (*channel.SignedState, error) {
	var final *channel.SignedState
	op := func() error {
		ch, err := c.store.Get(ctx, id)
		if err != nil {
			return retryable(err)
		}
		current := ch.Canonical
		err = c.layer.Finalize(ctx, current)
		switch {
		case err == nil:
			final = current
			return nil
		case errors.ErrSettlementRejected.Is(err):
			// Either party may have settled already.
			rec, rerr := c.layer.Recorded(ctx, id)
			if rerr != nil {
				return retryable(rerr)
			}
			if rec.State.Nonce < current.State.Nonce {
				c.logger.Info("settlement rejected", "channel", id, "nonce", current.State.Nonce, "err", err)
				return err
			}
			if err := verifyRecorded(ch, rec); err != nil {
				return backoff.Permanent(err)
			}
			if rec.State.Nonce == current.State.Nonce && !rec.SameVersion(current) {
				return backoff.Permanent(errors.ErrCorrupted.Newf("settlement recorded another state at nonce %d", rec.State.Nonce))
			}
			final = rec
			return nil
		default:
			return retryable(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.backoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.retries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Info("settlement retry", "channel", id, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return final, nil
}

// retryable marks everything but transient failures as permanent.
func retryable(err error) error {
	if errors.ErrUnavailable.Is(err) || errors.ErrSettlementRejected.Is(err) {
		return err
	}
	return backoff.Permanent(err)
}

// verifyRecorded checks a state reported by the settlement layer before it
// is recorded as the settled state of the channel.
func verifyRecorded(ch *channel.Channel, s *channel.SignedState) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.State.ChannelID != ch.ID {
		return errors.ErrInvalidInput.Newf("recorded state of %q", s.State.ChannelID)
	}
	if err := s.State.Conserves(ch.TotalCapital); err != nil {
		return err
	}
	if s.State.Nonce == 0 {
		return nil
	}
	for _, r := range []channel.Role{channel.RoleA, channel.RoleB} {
		if err := codec.VerifyState(ch.Key(r), s.State, s.Sig(r)); err != nil {
			return errors.Wrapf(err, "recorded state, party %s", r)
		}
	}
	return nil
}

// close records final on the channel and moves it to Closed from whatever
// phase another finalize left it in.
func (c *Coordinator) close(ctx context.Context, id string, final *channel.SignedState) error {
	if err := c.store.Settle(ctx, id, final); err != nil {
		return err
	}
	ch, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ch.Nonce() < final.State.Nonce {
		c.logger.Info("settled ahead of the local history", "channel", id,
			"local_nonce", ch.Nonce(), "settled_nonce", final.State.Nonce)
	}
	return nil
}

// notify tells both parties the channel closed. Their engines settle any
// proposal still in flight.
func (c *Coordinator) notify(ctx context.Context, ch *channel.Channel, nonce uint64) {
	if c.sender == nil {
		return
	}
	msg := &channel.Closed{ChannelID: ch.ID, Nonce: nonce}
	for _, r := range []channel.Role{channel.RoleA, channel.RoleB} {
		env, err := relay.NewEnvelope(ch.ID, relay.KindClosed, c.self, ch.Address(r), msg)
		if err == nil {
			err = c.sender.Send(ctx, env)
		}
		if err != nil {
			c.logger.Error("closed notice", "channel", ch.ID, "to", ch.Address(r), "err", err)
		}
	}
}

// FinalizeAll finalizes every open channel of the local party. It stops at
// the first failure and returns it.
func (c *Coordinator) FinalizeAll(ctx context.Context) ([]*channel.SignedState, error) {
	chans, err := c.store.List(ctx, c.self)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ch := range chans {
		if ch.Phase != channel.PhaseClosed {
			ids = append(ids, ch.ID)
		}
	}

	finals := make([]*channel.SignedState, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			s, err := c.Finalize(gctx, id)
			if err != nil {
				return errors.Wrapf(err, "channel %q", id)
			}
			finals[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return finals, nil
}

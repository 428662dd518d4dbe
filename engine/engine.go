/*
Package engine runs the update protocol of a payment channel for one party.

A state change is a two message handshake. The proposer signs the next state
and sends it as a Proposal. The counterparty checks it, co-signs it and
commits it to the Channel Store with CompareAndCommit, then answers with an
Acceptance. The proposer verifies the co-signature and commits the same
state, which is a no-op if both parties share the store.

The Channel Store decides every race it sees. When both parties propose
against the same nonce, the first proposal committed wins and the other one
fails with ErrRaceLost. The loser must derive a new proposal from the fresh
canonical state. Proposals are never merged or reordered.

Each party may also run its own store. Two stores cannot order a collision,
so party A's proposal wins it: while A has an open offer at a nonce it
co-signs no other state there. The offer stays open until the nonce is
committed or party B returns a signed rejection of exactly that state. Party
B in turn never co-signs a state it rejected at a nonce it proposed for
itself. A never signs two states at one nonce that B could both complete,
so the two stores cannot fork. Offers and refusals live in memory only.

Each party keeps at most one local proposal in flight per channel. Propose
returns a Pending handle immediately and the outcome arrives asynchronously
through the relay, or as ErrTimeout when nothing arrives in time.
*/
package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
	"github.com/tendermint/tendermint/libs/log"
	"golang.org/x/sync/singleflight"
)

// Engine runs the protocol for the party owning signer.
type Engine struct {
	signer  crypto.Signer
	self    paychan.Address
	store   chanstore.Store
	sender  relay.Sender
	cfg     config
	logger  log.Logger
	metrics *metrics
	seen    *ristretto.Cache[string, struct{}]
	flight  singleflight.Group

	mu       sync.Mutex
	channels map[string]*local
}

// local is the party-local view of one channel. Its mutex serializes
// protocol steps on the channel. Different channels never contend.
type local struct {
	mu      sync.Mutex
	pending *Pending
	halted  error

	// offer is the last state party A signed as proposer.
	offer *channel.State
	// proposed is the last nonce party B signed a proposal for, refused
	// maps the hash of each state B rejected to its nonce.
	proposed uint64
	refused  map[string]uint64
}

// New returns an engine acting for the owner of signer.
func New(signer crypto.Signer, store chanstore.Store, sender relay.Sender, opts ...Option) (*Engine, error) {
	if signer == nil {
		return nil, errors.ErrInvalidKey.New("no signer")
	}
	if err := signer.PublicKey().Validate(); err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, fn := range opts {
		fn(&cfg)
	}
	if cfg.timeout <= 0 {
		return nil, errors.ErrInvalidInput.New("proposal timeout must be positive")
	}
	m, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, err
	}
	seen, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        cfg.seenSize * 10,
		MaxCost:            cfg.seenSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	self := signer.PublicKey().Address()
	return &Engine{
		signer:   signer,
		self:     self,
		store:    store,
		sender:   sender,
		cfg:      cfg,
		logger:   cfg.logger.With("module", "engine", "party", self.String()),
		metrics:  m,
		seen:     seen,
		channels: make(map[string]*local),
	}, nil
}

// Address returns the address of the party this engine acts for.
func (e *Engine) Address() paychan.Address {
	return e.self
}

func (e *Engine) local(id string) *local {
	e.mu.Lock()
	defer e.mu.Unlock()
	lc, ok := e.channels[id]
	if !ok {
		lc = &local{}
		e.channels[id] = lc
	}
	return lc
}

// member loads a channel the local party belongs to.
func (e *Engine) member(ctx context.Context, id string) (*channel.Channel, channel.Role, error) {
	ch, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, channel.RoleNone, err
	}
	role := ch.RoleOf(e.signer.PublicKey())
	if role == channel.RoleNone {
		return nil, channel.RoleNone, errors.ErrUnauthorized.Newf("not a party of %q", id)
	}
	return ch, role, nil
}

func (lc *local) check(id string) error {
	if lc.halted != nil {
		return errors.Wrapf(lc.halted, "channel %q halted", id)
	}
	return nil
}

// openOffer returns the offer of party A, unless canonical decided its
// nonce already.
func (lc *local) openOffer(canonical uint64) *channel.State {
	if lc.offer != nil && lc.offer.Nonce <= canonical {
		lc.offer = nil
	}
	return lc.offer
}

// releaseOffer drops the offer refused by r.
func (lc *local) releaseOffer(r *channel.Rejection) {
	if lc.offer == nil || lc.offer.Nonce != r.Nonce || len(r.StateHash) == 0 {
		return
	}
	hash, err := codec.StateHash(lc.offer)
	if err == nil && bytes.Equal(hash, r.StateHash) {
		lc.offer = nil
	}
}

// remember records a state party B rejected, forgetting states at nonces
// the channel left behind.
func (lc *local) remember(canonical uint64, s *channel.State, hash []byte) {
	for k, n := range lc.refused {
		if n <= canonical {
			delete(lc.refused, k)
		}
	}
	if s.Nonce <= canonical {
		return
	}
	if lc.refused == nil {
		lc.refused = make(map[string]uint64)
	}
	lc.refused[hex.EncodeToString(hash)] = s.Nonce
}

// refusedBefore reports whether party B rejected s at a nonce it also
// proposed for. Party A may have co-signed that proposal since.
func (lc *local) refusedBefore(s *channel.State) bool {
	if lc.proposed != s.Nonce || len(lc.refused) == 0 {
		return false
	}
	hash, err := codec.StateHash(s)
	if err != nil {
		return false
	}
	n, ok := lc.refused[hex.EncodeToString(hash)]
	return ok && n == s.Nonce
}

// Propose moves amount in the given direction. It signs the successor of
// the canonical state and hands it to the relay in the background. Either
// party may propose in either direction.
func (e *Engine) Propose(ctx context.Context, id string, amount int64, dir channel.Direction) (*Pending, error) {
	lc := e.local(id)
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if err := lc.check(id); err != nil {
		return nil, err
	}
	if lc.pending != nil {
		return nil, errors.ErrProposalInFlight.Newf("nonce %d waits for an answer", lc.pending.Nonce())
	}
	ch, role, err := e.member(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Phase != channel.PhaseOpen {
		return nil, errors.ErrChannelClosed.Newf("channel %q is %s", id, ch.Phase)
	}
	next, err := ch.Canonical.State.Transfer(amount, dir)
	if err != nil {
		return nil, err
	}
	if role == channel.RoleA {
		if o := lc.openOffer(ch.Nonce()); o != nil && !o.Equals(next) {
			return nil, errors.ErrProposalInFlight.Newf("nonce %d is offered with another state", o.Nonce)
		}
	}
	sig, err := codec.SignState(e.signer, next)
	if err != nil {
		return nil, err
	}
	prop := &channel.Proposal{
		ChannelID:   id,
		State:       next,
		Proposer:    role,
		ProposerSig: sig,
	}
	env, err := relay.NewEnvelope(id, relay.KindProposal, e.self, ch.Address(role.Other()), prop)
	if err != nil {
		return nil, err
	}

	p := newPending(e, prop)
	p.mu.Lock()
	p.timer = time.AfterFunc(e.cfg.timeout, func() { e.expire(p) })
	p.mu.Unlock()
	lc.pending = p
	if role == channel.RoleA {
		lc.offer = next
	} else {
		lc.proposed = next.Nonce
	}
	e.metrics.pending.Inc()
	e.logger.Debug("proposing", "channel", id, "nonce", next.Nonce, "amount", amount, "direction", dir)

	go e.dispatch(context.WithoutCancel(ctx), p, env)
	return p, nil
}

// dispatch hands a proposal to the relay unless it was canceled first.
func (e *Engine) dispatch(ctx context.Context, p *Pending, env *relay.Envelope) {
	if !p.markSent() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	err := e.sender.Send(ctx, env)
	switch {
	case err == nil:
	case errors.ErrDeliveryUncertain.Is(err):
		// The proposal may still arrive. Only the store can tell whether
		// it was committed already, the timeout handles the rest.
		e.logger.Info("proposal delivery uncertain", "channel", env.ChannelID, "nonce", p.Nonce(), "err", err)
		if _, err := e.Reconcile(ctx, env.ChannelID); err != nil {
			e.logger.Error("reconcile", "channel", env.ChannelID, "err", err)
		}
	default:
		e.finish(p, nil, errors.Wrap(err, "send proposal"))
	}
}

// expire completes a proposal nobody answered, unless the store shows it
// was committed meanwhile.
func (e *Engine) expire(p *Pending) {
	id := p.proposal.ChannelID
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.timeout)
	defer cancel()
	if _, err := e.Reconcile(ctx, id); err != nil {
		e.logger.Error("reconcile expired proposal", "channel", id, "err", err)
	}
	e.finish(p, nil, errors.ErrTimeout.Newf("nonce %d not answered within %s", p.Nonce(), e.cfg.timeout))
}

// finish completes p. The channel lock must not be held.
func (e *Engine) finish(p *Pending, result *channel.SignedState, err error) {
	lc := e.local(p.proposal.ChannelID)
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.pending == p {
		lc.pending = nil
	}
	p.complete(result, err)
}

// settleLocked completes the local proposal of lc, if any. The channel lock
// must be held.
func (e *Engine) settleLocked(lc *local, result *channel.SignedState, err error) {
	p := lc.pending
	if p == nil {
		return
	}
	lc.pending = nil
	p.complete(result, err)
}

// settleAtLocked completes the local proposal competing for the nonce of
// committed. It wins if it proposed the very same state.
func (e *Engine) settleAtLocked(lc *local, committed *channel.SignedState) {
	p := lc.pending
	if p == nil || p.Nonce() > committed.State.Nonce {
		return
	}
	if p.Nonce() == committed.State.Nonce && p.proposal.State.Equals(committed.State) {
		e.settleLocked(lc, committed, nil)
		return
	}
	e.settleLocked(lc, nil, errors.ErrRaceLost.Newf("nonce %d committed with another state", p.Nonce()))
}

// observe records the outcome of a proposal. It runs before the proposal
// reports completion.
func (e *Engine) observe(p *Pending, err error) {
	e.metrics.pending.Dec()
	e.metrics.proposals.WithLabelValues(outcome(err)).Inc()
	if errors.ErrRaceLost.Is(err) {
		e.metrics.racesLost.Inc()
	}
	if err != nil {
		e.logger.Info("proposal failed", "channel", p.proposal.ChannelID, "nonce", p.Nonce(), "err", err)
	} else {
		e.logger.Info("proposal committed", "channel", p.proposal.ChannelID, "nonce", p.Nonce())
	}
}

// commit makes s canonical through CompareAndCommit. It reports false
// without an error if the very same state is canonical already. Any other
// state holding the nonce yields ErrRaceLost.
func (e *Engine) commit(ctx context.Context, id string, s *channel.SignedState) (bool, error) {
	nonce := s.State.Nonce
	res, err := e.store.CompareAndCommit(ctx, id, nonce-1, s)
	if err != nil && !errors.ErrChannelClosed.Is(err) {
		return false, err
	}
	if err == nil && res == chanstore.Committed {
		e.metrics.commits.Inc()
		return true, nil
	}
	at, herr := e.committedAt(ctx, id, nonce)
	if herr != nil {
		return false, herr
	}
	if at != nil && at.SameVersion(s) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return false, errors.ErrRaceLost.Newf("nonce %d already committed", nonce)
}

// committedAt returns the history entry at nonce, or nil if the channel
// did not reach it yet.
func (e *Engine) committedAt(ctx context.Context, id string, nonce uint64) (*channel.SignedState, error) {
	history, err := e.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if nonce < uint64(len(history)) && history[nonce].State.Nonce == nonce {
		return history[nonce], nil
	}
	for _, h := range history {
		if h.State.Nonce == nonce {
			return h, nil
		}
	}
	return nil, nil
}

// Phase returns the lifecycle phase of a channel as seen by this party.
func (e *Engine) Phase(ctx context.Context, id string) (channel.Phase, error) {
	lc := e.local(id)
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.halted != nil {
		return channel.PhaseHalted, nil
	}
	ch, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if ch.Phase != channel.PhaseOpen {
		return ch.Phase, nil
	}
	if lc.pending != nil {
		return channel.PhaseProposalPending, nil
	}
	return channel.PhaseOpen, nil
}

// Pending returns the local proposal in flight for a channel, if any.
func (e *Engine) Pending(id string) *Pending {
	lc := e.local(id)
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.pending
}

// Close fails every proposal in flight and releases the engine resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	all := make([]*local, 0, len(e.channels))
	for _, lc := range e.channels {
		all = append(all, lc)
	}
	e.mu.Unlock()

	for _, lc := range all {
		lc.mu.Lock()
		e.settleLocked(lc, nil, errors.ErrUnavailable.New("engine closed"))
		lc.mu.Unlock()
	}
	e.seen.Close()
	return nil
}

func (e *Engine) sendAll(ctx context.Context, envs []*relay.Envelope) {
	for _, env := range envs {
		if env == nil {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
		err := e.sender.Send(sctx, env)
		cancel()
		if err != nil {
			// The counterparty converges through the store on its next
			// reconciliation.
			e.logger.Error("send", "channel", env.ChannelID, "kind", env.Kind, "err", err)
		}
	}
}

// refuse builds a signed rejection of p for the counterparty.
func (e *Engine) refuse(lc *local, ch *channel.Channel, role channel.Role, p *channel.Proposal, cause error) *relay.Envelope {
	hash, err := codec.StateHash(p.State)
	if err != nil {
		hash = nil
	}
	if hash != nil && role == channel.RoleB {
		lc.remember(ch.Nonce(), p.State, hash)
	}
	reason := cause.Error()
	if len(reason) > channel.MaxReasonLength {
		reason = reason[:channel.MaxReasonLength]
	}
	r := &channel.Rejection{
		ChannelID: ch.ID,
		Nonce:     p.State.Nonce,
		Code:      errors.Code(cause),
		Reason:    reason,
		Rejector:  role,
		StateHash: hash,
	}
	if err := codec.SignRejection(e.signer, r); err != nil {
		e.logger.Error("sign rejection", "channel", ch.ID, "err", err)
		return nil
	}
	env, err := relay.NewEnvelope(ch.ID, relay.KindRejection, e.self, ch.Address(role.Other()), r)
	if err != nil {
		e.logger.Error("rejection envelope", "channel", ch.ID, "err", err)
		return nil
	}
	return env
}

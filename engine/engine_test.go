package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest"
	"github.com/iov-one/paychan/paychantest/assert"
	"github.com/iov-one/paychan/relay"
	"github.com/iov-one/paychan/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const chID = "ch-1"

// pair runs two engines sharing one Channel Store and one relay hub.
type pair struct {
	keyA, keyB crypto.PrivateKey
	store      chanstore.Store
	hub        *relay.Hub
	a, b       *Engine
}

func newPair(t *testing.T, depositA, depositB int64, optsA, optsB []Option) *pair {
	t.Helper()
	keyA, keyB := paychantest.Parties()
	s := chanstore.NewKVStore(store.MemStore())
	hub, err := relay.NewHub()
	assert.Nil(t, err)

	ctx := context.Background()
	assert.Nil(t, s.Create(ctx, paychantest.NewChannel(chID, keyA, keyB, depositA, depositB)))

	engA, err := New(keyA, s, hub, optsA...)
	assert.Nil(t, err)
	engB, err := New(keyB, s, hub, optsB...)
	assert.Nil(t, err)

	t.Cleanup(func() {
		engA.Close()
		engB.Close()
		hub.Close()
	})
	return &pair{keyA: keyA, keyB: keyB, store: s, hub: hub, a: engA, b: engB}
}

// serve pumps the relay deliveries of e until the test ends.
func (p *pair) serve(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := p.hub.Subscribe(ctx, e.Address())
	assert.Nil(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(ctx, sub)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sub.Close()
	})
}

func (p *pair) canonical(t *testing.T) *channel.State {
	t.Helper()
	ch, err := p.store.Get(context.Background(), chID)
	assert.Nil(t, err)
	return ch.Canonical.State
}

func wait(t *testing.T, pending *Pending) (*channel.SignedState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return pending.Wait(ctx)
}

func state(a, b int64, nonce uint64) *channel.State {
	return &channel.State{ChannelID: chID, BalanceA: a, BalanceB: b, Nonce: nonce}
}

func TestProposeAndAccept(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	p.serve(t, p.a)
	p.serve(t, p.b)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 3, channel.AToB)
	assert.Nil(t, err)
	signed, err := wait(t, pending)
	assert.Nil(t, err)
	assert.Equal(t, state(7, 3, 1), signed.State)
	assert.Equal(t, state(7, 3, 1), p.canonical(t))

	phase, err := p.a.Phase(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, channel.PhaseOpen, phase)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.a.metrics.proposals.WithLabelValues(resultCommitted)))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.a.metrics.pending))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.b.metrics.commits))

	history, err := p.store.History(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(history))
	assert.Nil(t, channel.Audit(mustGet(t, p.store), history, codec.VerifyState))
}

func TestConcurrentProposalsSingleWinner(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	p.serve(t, p.a)
	p.serve(t, p.b)
	ctx := context.Background()

	first, err := p.a.Propose(ctx, chID, 3, channel.AToB)
	assert.Nil(t, err)
	_, err = wait(t, first)
	assert.Nil(t, err)

	// Both parties propose against nonce 1 at the same time.
	var (
		wg       sync.WaitGroup
		pa, pb   *Pending
		errA, eB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pa, errA = p.a.Propose(ctx, chID, 1, channel.AToB)
	}()
	go func() {
		defer wg.Done()
		pb, eB = p.b.Propose(ctx, chID, 7, channel.AToB)
	}()
	wg.Wait()
	assert.Nil(t, errA)
	assert.Nil(t, eB)

	_, resA := wait(t, pa)
	_, resB := wait(t, pb)

	final := p.canonical(t)
	switch {
	case resA == nil:
		if !errors.ErrRaceLost.Is(resB) {
			t.Fatalf("loser must see race lost, got %+v", resB)
		}
		assert.Equal(t, state(6, 4, 2), final)
	case resB == nil:
		if !errors.ErrRaceLost.Is(resA) {
			t.Fatalf("loser must see race lost, got %+v", resA)
		}
		assert.Equal(t, state(0, 10, 2), final)
	default:
		t.Fatalf("one proposal must win: %v / %v", resA, resB)
	}

	// The loser re-derives its proposal from the winning state, which no
	// longer covers it.
	loser, amount := p.b, int64(7)
	if resA != nil {
		loser, amount = p.a, 1
	}
	_, err = loser.Propose(ctx, chID, amount, channel.AToB)
	assert.IsErr(t, errors.ErrInsufficientBalance, err)

	history, err := p.store.History(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, 3, len(history))
	assert.Nil(t, channel.Audit(mustGet(t, p.store), history, codec.VerifyState))
	assert.Equal(t, float64(1), testutil.ToFloat64(loser.metrics.racesLost))
}

func TestRaceLoserRetriesAtNewNonce(t *testing.T) {
	p := newPair(t, 10, 10, nil, nil)
	p.serve(t, p.a)
	p.serve(t, p.b)
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		pa, err := p.a.Propose(ctx, chID, 1, channel.AToB)
		assert.Nil(t, err)
		pb, err := p.b.Propose(ctx, chID, 2, channel.BToA)
		assert.Nil(t, err)

		for _, pend := range []*Pending{pa, pb} {
			for {
				_, err := wait(t, pend)
				if err == nil {
					break
				}
				if !errors.ErrRaceLost.Is(err) {
					t.Fatalf("round %d: unexpected %+v", round, err)
				}
				e, amount, dir := p.a, int64(1), channel.AToB
				if pend.Proposal().Proposer == channel.RoleB {
					e, amount, dir = p.b, 2, channel.BToA
				}
				pend, err = e.Propose(ctx, chID, amount, dir)
				assert.Nil(t, err)
			}
		}
	}

	// Every payment landed exactly once, in a single linear history.
	assert.Equal(t, state(15, 5, 10), p.canonical(t))
	history, err := p.store.History(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, 11, len(history))
	assert.Nil(t, channel.Audit(mustGet(t, p.store), history, codec.VerifyState))
}

// split runs two engines with a Channel Store each. Nothing serves the
// relay, the tests deliver every message by hand.
type split struct {
	keyA, keyB crypto.PrivateKey
	sa, sb     chanstore.Store
	hub        *relay.Hub
	a, b       *Engine
}

func newSplit(t *testing.T, optsA, optsB []Option) *split {
	t.Helper()
	keyA, keyB := paychantest.Parties()
	hub, err := relay.NewHub()
	assert.Nil(t, err)

	ctx := context.Background()
	sa := chanstore.NewKVStore(store.MemStore())
	sb := chanstore.NewKVStore(store.MemStore())
	assert.Nil(t, sa.Create(ctx, paychantest.NewChannel(chID, keyA, keyB, 10, 10)))
	assert.Nil(t, sb.Create(ctx, paychantest.NewChannel(chID, keyA, keyB, 10, 10)))

	engA, err := New(keyA, sa, hub, optsA...)
	assert.Nil(t, err)
	engB, err := New(keyB, sb, hub, optsB...)
	assert.Nil(t, err)
	t.Cleanup(func() {
		engA.Close()
		engB.Close()
		hub.Close()
	})
	return &split{keyA: keyA, keyB: keyB, sa: sa, sb: sb, hub: hub, a: engA, b: engB}
}

// next returns the first queued envelope of kind for e.
func (s *split) next(t *testing.T, e *Engine, kind relay.Kind) *relay.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := s.hub.Subscribe(ctx, e.Address())
	assert.Nil(t, err)
	defer sub.Close()
	for {
		select {
		case env := <-sub.Deliveries():
			if env.Kind == kind {
				return env
			}
		case <-ctx.Done():
			t.Fatalf("no %s envelope for %s", kind, e.Address())
			return nil
		}
	}
}

func TestCrossedProposalsSeparateStores(t *testing.T) {
	cases := map[string]struct {
		proposalOfAFirst bool
	}{
		"proposal of A delivered first": {proposalOfAFirst: true},
		"proposal of B delivered first": {proposalOfAFirst: false},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			s := newSplit(t, nil, nil)
			ctx := context.Background()

			pa, err := s.a.Propose(ctx, chID, 1, channel.AToB)
			assert.Nil(t, err)
			pb, err := s.b.Propose(ctx, chID, 2, channel.BToA)
			assert.Nil(t, err)

			var acc *channel.Acceptance
			deliverA := func() {
				acc, err = s.b.ReceiveProposal(ctx, pa.Proposal())
				assert.Nil(t, err)
			}
			deliverB := func() {
				_, err := s.a.ReceiveProposal(ctx, pb.Proposal())
				assert.IsErr(t, errors.ErrRaceLost, err)
			}
			if tc.proposalOfAFirst {
				deliverA()
				deliverB()
			} else {
				deliverB()
				deliverA()
			}

			// A committed nothing of B, it waits for its own acceptance.
			assert.Equal(t, state(10, 10, 0), mustGet(t, s.sa).Canonical.State)
			assert.Equal(t, state(9, 11, 1), mustGet(t, s.sb).Canonical.State)
			assert.Nil(t, s.a.ReceiveAcceptance(ctx, acc))

			for name, st := range map[string]chanstore.Store{"a": s.sa, "b": s.sb} {
				history, err := st.History(ctx, chID)
				assert.Nil(t, err)
				assert.Equal(t, 2, len(history))
				assert.Equal(t, state(9, 11, 1), history[1].State)
				if err := channel.Audit(mustGet(t, st), history, codec.VerifyState); err != nil {
					t.Fatalf("store %s: %+v", name, err)
				}
			}

			signed, err := wait(t, pa)
			assert.Nil(t, err)
			assert.Equal(t, state(9, 11, 1), signed.State)
			_, err = wait(t, pb)
			assert.IsErr(t, errors.ErrRaceLost, err)
		})
	}
}

func TestOfferReleasedBySignedRejection(t *testing.T) {
	s := newSplit(t, []Option{WithProposalTimeout(50 * time.Millisecond)}, []Option{WithPolicy(RejectIfPending)})
	ctx := context.Background()

	pa, err := s.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
	_, err = wait(t, pa)
	assert.IsErr(t, errors.ErrTimeout, err)

	// The unanswered state may still reach B. A offers it again, but no
	// other state at the same nonce.
	_, err = s.a.Propose(ctx, chID, 2, channel.AToB)
	assert.IsErr(t, errors.ErrProposalInFlight, err)
	again, err := s.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
	_, err = wait(t, again)
	assert.IsErr(t, errors.ErrTimeout, err)

	pb, err := s.b.Propose(ctx, chID, 2, channel.BToA)
	assert.Nil(t, err)
	_, err = s.a.ReceiveProposal(ctx, pb.Proposal())
	assert.IsErr(t, errors.ErrRaceLost, err)

	// B refuses the offer while its own proposal is in flight.
	_, err = s.b.ReceiveProposal(ctx, pa.Proposal())
	assert.IsErr(t, errors.ErrProposalInFlight, err)
	assert.Nil(t, s.a.Handle(ctx, s.next(t, s.a, relay.KindRejection)))

	// The offer is released, B's proposal goes through on retry.
	acc, err := s.a.ReceiveProposal(ctx, pb.Proposal())
	assert.Nil(t, err)
	assert.Equal(t, state(12, 8, 1), mustGet(t, s.sa).Canonical.State)

	// A refused state is never co-signed by B afterwards.
	_, err = s.b.Accept(ctx, pa.Proposal())
	assert.IsErr(t, errors.ErrRaceLost, err)
	assert.Equal(t, state(10, 10, 0), mustGet(t, s.sb).Canonical.State)

	assert.Nil(t, s.b.ReceiveAcceptance(ctx, acc))
	assert.Equal(t, state(12, 8, 1), mustGet(t, s.sb).Canonical.State)
	signed, err := wait(t, pb)
	assert.Nil(t, err)
	assert.Equal(t, state(12, 8, 1), signed.State)
}

func TestRejectionOfAnotherStateKeepsOffer(t *testing.T) {
	s := newSplit(t, nil, nil)
	ctx := context.Background()

	pa, err := s.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)

	// A rejection signed by B, but naming a state A never offered.
	hash, err := codec.StateHash(state(8, 12, 1))
	assert.Nil(t, err)
	r := &channel.Rejection{
		ChannelID: chID,
		Nonce:     1,
		Code:      errors.Code(errors.ErrUnauthorized),
		Rejector:  channel.RoleB,
		StateHash: hash,
	}
	assert.Nil(t, codec.SignRejection(s.keyB, r))
	assert.Nil(t, s.a.ReceiveRejection(ctx, r))

	select {
	case <-pa.Done():
		t.Fatal("rejection of another state completed the proposal")
	default:
	}
	pb, err := s.b.Propose(ctx, chID, 2, channel.BToA)
	assert.Nil(t, err)
	_, err = s.a.ReceiveProposal(ctx, pb.Proposal())
	assert.IsErr(t, errors.ErrRaceLost, err)
	assert.Equal(t, state(10, 10, 0), mustGet(t, s.sa).Canonical.State)
}

func TestReceiveProposalChecks(t *testing.T) {
	keyA, keyB := paychantest.Parties()
	stranger := paychantest.SeedKey("stranger")

	cases := map[string]struct {
		proposal func(ch *channel.Channel) *channel.Proposal
		wantErr  *errors.Error
	}{
		"valid": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(6, 4, 1), channel.RoleA, keyA)
			},
		},
		"nonce too far ahead": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(6, 4, 2), channel.RoleA, keyA)
			},
			wantErr: errors.ErrStaleNonce,
		},
		"nonce zero": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(6, 4, 0), channel.RoleA, keyA)
			},
			wantErr: errors.ErrStaleNonce,
		},
		"signed by a stranger": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(6, 4, 1), channel.RoleA, stranger)
			},
			wantErr: errors.ErrInvalidSignature,
		},
		"signature of another state": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				p := paychantest.Propose(state(6, 4, 1), channel.RoleA, keyA)
				p.State = state(5, 5, 1)
				return p
			},
			wantErr: errors.ErrInvalidSignature,
		},
		"capital created": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(10, 4, 1), channel.RoleA, keyA)
			},
			wantErr: errors.ErrCapitalViolation,
		},
		"negative balance": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				st := state(-1, 11, 1)
				msg, err := codec.Encode(st)
				if err != nil {
					panic(err)
				}
				sig, err := codec.Sign(keyA, msg)
				if err != nil {
					panic(err)
				}
				return &channel.Proposal{ChannelID: chID, State: st, Proposer: channel.RoleA, ProposerSig: sig}
			},
			wantErr: errors.ErrCapitalViolation,
		},
		"proposer claims the acceptor role": {
			proposal: func(ch *channel.Channel) *channel.Proposal {
				return paychantest.Propose(state(6, 4, 1), channel.RoleB, keyB)
			},
			wantErr: errors.ErrUnauthorized,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			p := newPair(t, 10, 0, nil, nil)
			ctx := context.Background()

			acc, err := p.b.ReceiveProposal(ctx, tc.proposal(mustGet(t, p.store)))
			assert.IsErr(t, tc.wantErr, err)
			if tc.wantErr != nil {
				assert.Equal(t, state(10, 0, 0), p.canonical(t))
				return
			}
			assert.Equal(t, state(6, 4, 1), acc.State)
			assert.Equal(t, state(6, 4, 1), p.canonical(t))
		})
	}
}

func TestRejectionReachesProposer(t *testing.T) {
	p := newPair(t, 10, 0, nil, []Option{WithPolicy(OnlyIncoming)})
	p.serve(t, p.a)
	p.serve(t, p.b)
	ctx := context.Background()

	// B refuses to pay out of its balance.
	first, err := p.a.Propose(ctx, chID, 5, channel.AToB)
	assert.Nil(t, err)
	_, err = wait(t, first)
	assert.Nil(t, err)

	pending, err := p.a.Propose(ctx, chID, 2, channel.BToA)
	assert.Nil(t, err)
	_, err = wait(t, pending)
	assert.IsErr(t, errors.ErrUnauthorized, err)
	assert.Equal(t, state(5, 5, 1), p.canonical(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.a.metrics.proposals.WithLabelValues(resultRejected)))
}

func TestRejectIfPending(t *testing.T) {
	p := newPair(t, 10, 10, []Option{WithPolicy(RejectIfPending)}, []Option{WithPolicy(RejectIfPending)})
	ctx := context.Background()

	// B has its own proposal in flight, nobody serves the relay.
	_, err := p.b.Propose(ctx, chID, 1, channel.BToA)
	assert.Nil(t, err)

	prop := paychantest.Propose(state(9, 11, 1), channel.RoleA, p.keyA)
	_, err = p.b.ReceiveProposal(ctx, prop)
	assert.IsErr(t, errors.ErrProposalInFlight, err)
	assert.Equal(t, state(10, 10, 0), p.canonical(t))
}

func TestProposalInFlight(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrProposalInFlight, err)

	phase, err := p.a.Phase(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, channel.PhaseProposalPending, phase)
	assert.Equal(t, pending, p.a.Pending(chID))
}

func TestProposeChecks(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	_, err := p.a.Propose(ctx, chID, 11, channel.AToB)
	assert.IsErr(t, errors.ErrInsufficientBalance, err)
	_, err = p.a.Propose(ctx, chID, 1, channel.BToA)
	assert.IsErr(t, errors.ErrInsufficientBalance, err)
	_, err = p.a.Propose(ctx, "missing", 1, channel.AToB)
	assert.IsErr(t, errors.ErrNotFound, err)

	stranger, err := New(paychantest.SeedKey("stranger"), p.store, p.hub)
	assert.Nil(t, err)
	defer stranger.Close()
	_, err = stranger.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrUnauthorized, err)

	assert.Nil(t, p.store.SetPhase(ctx, chID, channel.PhaseOpen, channel.PhaseClosing))
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrChannelClosed, err)
}

func TestProposalTimeout(t *testing.T) {
	p := newPair(t, 10, 0, []Option{WithProposalTimeout(50 * time.Millisecond)}, nil)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
	_, err = wait(t, pending)
	assert.IsErr(t, errors.ErrTimeout, err)

	phase, err := p.a.Phase(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, channel.PhaseOpen, phase)
	assert.Equal(t, state(10, 0, 0), p.canonical(t))

	// The channel is free for a new proposal.
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
}

func TestCancel(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)

	switch err := pending.Cancel(); {
	case err == nil:
		_, res := wait(t, pending)
		assert.IsErr(t, errors.ErrCanceled, res)
		assert.Equal(t, 0, p.hub.Queued(p.b.Address()))
	case errors.ErrInvalidState.Is(err):
		// Already handed to the relay, it keeps running.
		waitFor(t, func() bool { return p.hub.Queued(p.b.Address()) == 1 })
	default:
		t.Fatalf("unexpected %+v", err)
	}
}

func TestCancelAfterSend(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.Nil(t, err)
	waitFor(t, func() bool { return p.hub.Queued(p.b.Address()) == 1 })

	assert.IsErr(t, errors.ErrInvalidState, pending.Cancel())
	select {
	case <-pending.Done():
		t.Fatal("a sent proposal must keep running")
	default:
	}
}

func TestDuplicateAcceptanceIsNoop(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	prop := paychantest.Propose(state(8, 2, 1), channel.RoleA, p.keyA)
	acc, err := p.b.Accept(ctx, prop)
	assert.Nil(t, err)

	for i := 0; i < 3; i++ {
		assert.Nil(t, p.a.ReceiveAcceptance(ctx, acc))
	}
	history, err := p.store.History(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, 2, len(history))

	// A redelivered proposal is answered with the same acceptance.
	again, err := p.b.ReceiveProposal(ctx, prop)
	assert.Nil(t, err)
	assert.Equal(t, acc.AcceptorSig, again.AcceptorSig)
}

func TestAcceptanceChecks(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	prop := paychantest.Propose(state(8, 2, 1), channel.RoleA, p.keyA)
	forged := prop.Accept([]byte("not a signature at all, but long enough to pass length checks!!"))
	assert.IsErr(t, errors.ErrInvalidSignature, p.a.ReceiveAcceptance(ctx, forged))

	// B cannot feed itself an acceptance of A's proposal.
	acc, err := p.b.Accept(ctx, prop)
	assert.Nil(t, err)
	assert.IsErr(t, errors.ErrUnauthorized, p.b.ReceiveAcceptance(ctx, acc))

	// Another state for a decided nonce is stale.
	late := paychantest.Propose(state(7, 3, 1), channel.RoleA, p.keyA)
	_, err = p.b.Accept(ctx, late)
	assert.IsErr(t, errors.ErrStaleNonce, err)
}

func TestCommitNotice(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	next := paychantest.CoSign(state(9, 1, 1), p.keyA, p.keyB)
	assert.Nil(t, p.b.ReceiveCommitNotice(ctx, &channel.CommitNotice{ChannelID: chID, Signed: next}))
	assert.Equal(t, state(9, 1, 1), p.canonical(t))
	// Announcing it again changes nothing.
	assert.Nil(t, p.a.ReceiveCommitNotice(ctx, &channel.CommitNotice{ChannelID: chID, Signed: next}))

	ahead := paychantest.CoSign(state(8, 2, 3), p.keyA, p.keyB)
	err := p.a.ReceiveCommitNotice(ctx, &channel.CommitNotice{ChannelID: chID, Signed: ahead})
	assert.IsErr(t, errors.ErrStaleNonce, err)

	half := paychantest.CoSign(state(8, 2, 2), p.keyA, p.keyA)
	err = p.a.ReceiveCommitNotice(ctx, &channel.CommitNotice{ChannelID: chID, Signed: half})
	assert.IsErr(t, errors.ErrInvalidSignature, err)

	// Another co-signed state at nonce 1 is a fork.
	fork := paychantest.CoSign(state(5, 5, 1), p.keyA, p.keyB)
	err = p.a.ReceiveCommitNotice(ctx, &channel.CommitNotice{ChannelID: chID, Signed: fork})
	assert.IsErr(t, errors.ErrCorrupted, err)
	phase, err := p.a.Phase(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, channel.PhaseHalted, phase)
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrCorrupted, err)
}

func TestResumeHaltsCorruptedChannel(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	healthy := paychantest.NewChannel("ch-2", p.keyA, p.keyB, 5, 5)
	assert.Nil(t, p.store.Create(ctx, healthy))

	// The store checks capital, not signatures.
	bad := &channel.SignedState{State: state(9, 1, 1), SigA: []byte("x"), SigB: []byte("y")}
	res, err := p.store.CompareAndCommit(ctx, chID, 0, bad)
	assert.Nil(t, err)
	assert.Equal(t, chanstore.Committed, res)

	halted, err := p.a.Resume(ctx)
	assert.Nil(t, err)
	assert.Equal(t, []string{chID}, halted)

	phase, err := p.a.Phase(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, channel.PhaseHalted, phase)
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrCorrupted, err)

	_, err = p.a.Propose(ctx, "ch-2", 1, channel.AToB)
	assert.Nil(t, err)
}

func TestAbandon(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	p.serve(t, p.b)
	ctx := context.Background()

	// A's own consent does not count.
	own, err := p.a.SignAbandon(ctx, chID)
	assert.Nil(t, err)
	assert.IsErr(t, errors.ErrInvalidSignature, p.a.Abandon(ctx, chID, own))

	consent, err := p.b.SignAbandon(ctx, chID)
	assert.Nil(t, err)
	assert.Nil(t, p.a.Abandon(ctx, chID, consent))

	_, err = p.store.Get(ctx, chID)
	assert.IsErr(t, errors.ErrNotFound, err)
	_, err = p.a.Propose(ctx, chID, 1, channel.AToB)
	assert.IsErr(t, errors.ErrNotFound, err)
}

func TestAbandonAfterPayment(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	consent, err := p.b.SignAbandon(ctx, chID)
	assert.Nil(t, err)

	_, err = p.b.Accept(ctx, paychantest.Propose(state(9, 1, 1), channel.RoleA, p.keyA))
	assert.Nil(t, err)

	assert.IsErr(t, errors.ErrInvalidState, p.a.Abandon(ctx, chID, consent))
	_, err = p.b.SignAbandon(ctx, chID)
	assert.IsErr(t, errors.ErrInvalidState, err)
}

func TestDeliveryFailedReconciles(t *testing.T) {
	p := newPair(t, 10, 0, nil, nil)
	ctx := context.Background()

	pending, err := p.a.Propose(ctx, chID, 4, channel.AToB)
	assert.Nil(t, err)

	// B accepts, but its acceptance never reaches A.
	_, err = p.b.Accept(ctx, pending.Proposal())
	assert.Nil(t, err)

	notice, err := relay.NewEnvelope(chID, relay.KindDeliveryFailed, p.b.Address(), p.a.Address(), &relay.DeliveryFailed{
		ChannelID: chID,
		Kind:      string(relay.KindAcceptance),
		To:        p.a.Address(),
	})
	assert.Nil(t, err)
	assert.Nil(t, p.a.Handle(ctx, notice))

	signed, err := wait(t, pending)
	assert.Nil(t, err)
	assert.Equal(t, state(6, 4, 1), signed.State)
}

func TestPolicies(t *testing.T) {
	keyA, keyB := paychantest.Parties()
	ch := paychantest.NewChannel(chID, keyA, keyB, 5, 5)

	cases := map[string]struct {
		policy  Policy
		state   *channel.State
		pending bool
		wantErr *errors.Error
	}{
		"always accept": {
			policy: AlwaysAccept,
			state:  state(0, 10, 1),
		},
		"always accept with pending": {
			policy:  AlwaysAccept,
			state:   state(0, 10, 1),
			pending: true,
		},
		"reject if pending, nothing pending": {
			policy: RejectIfPending,
			state:  state(4, 6, 1),
		},
		"reject if pending": {
			policy:  RejectIfPending,
			state:   state(4, 6, 1),
			pending: true,
			wantErr: errors.ErrProposalInFlight,
		},
		"only incoming, paid": {
			policy: OnlyIncoming,
			state:  state(4, 6, 1),
		},
		"only incoming, paying": {
			policy:  OnlyIncoming,
			state:   state(6, 4, 1),
			wantErr: errors.ErrUnauthorized,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			prop := paychantest.Propose(tc.state, channel.RoleA, keyA)
			assert.IsErr(t, tc.wantErr, tc.policy(ch, prop, tc.pending))
		})
	}
}

func mustGet(t *testing.T, s chanstore.Reader) *channel.Channel {
	t.Helper()
	ch, err := s.Get(context.Background(), chID)
	assert.Nil(t, err)
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

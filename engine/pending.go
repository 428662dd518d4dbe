package engine

import (
	"context"
	"sync"
	"time"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
)

// Pending is the handle of a local proposal. It completes when the
// counterparty accepts or rejects the proposal, when the proposal times out
// or when the engine learns that another state won the nonce.
type Pending struct {
	proposal *channel.Proposal
	engine   *Engine

	mu     sync.Mutex
	sent   bool
	timer  *time.Timer
	result *channel.SignedState
	err    error
	done   chan struct{}
}

func newPending(e *Engine, p *channel.Proposal) *Pending {
	return &Pending{
		proposal: p,
		engine:   e,
		done:     make(chan struct{}),
	}
}

// Proposal returns the signed proposal.
func (p *Pending) Proposal() *channel.Proposal {
	return p.proposal
}

// Nonce returns the nonce the proposal competes for.
func (p *Pending) Nonce() uint64 {
	return p.proposal.State.Nonce
}

// Done is closed once the proposal completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the committed state or the reason the proposal failed.
// It must only be called after Done is closed.
func (p *Pending) Result() (*channel.SignedState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

// Wait blocks until the proposal completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*channel.SignedState, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrTimeout, ctx.Err().Error())
	}
}

// Cancel withdraws a proposal that has not been handed to the relay yet.
// Once sent the counterparty may already have committed it, so
// ErrInvalidState is returned and the proposal keeps running.
func (p *Pending) Cancel() error {
	lc := p.engine.local(p.proposal.ChannelID)
	lc.mu.Lock()
	defer lc.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sent {
		return errors.ErrInvalidState.New("proposal already sent")
	}
	if p.completeLocked(nil, errors.ErrCanceled.New("canceled by caller")) && lc.pending == p {
		lc.pending = nil
	}
	// Nobody saw the state, it binds nothing.
	if lc.offer == p.proposal.State {
		lc.offer = nil
	}
	return nil
}

// markSent records that the proposal left the process. It returns false if
// the proposal completed before.
func (p *Pending) markSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.sent = true
	return true
}

// complete records the outcome. Callers hold the channel lock. It returns false if the proposal already
// completed.
func (p *Pending) complete(result *channel.SignedState, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeLocked(result, err)
}

func (p *Pending) completeLocked(result *channel.SignedState, err error) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = result
	p.err = err
	p.engine.observe(p, err)
	close(p.done)
	return true
}

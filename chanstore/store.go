/*
Package chanstore is the durable home of channel records and their update
history.

CompareAndCommit is the only way a canonical state changes. It succeeds only
when the stored nonce equals the expected one and reports Conflict otherwise,
without mutating anything. History entries are appended in the same atomic
write and never rewritten.

Two backends are provided: KVStore over any store.CacheableKVStore (memory,
leveldb) and SQLStore on SQLite.
*/
package chanstore

import (
	"context"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
	"github.com/tendermint/tendermint/libs/log"
)

// CommitResult is the outcome of CompareAndCommit.
type CommitResult int

const (
	// Committed means the new state is canonical and appended to history.
	Committed CommitResult = iota + 1
	// Conflict means the stored nonce did not match the expected one.
	// Nothing was written.
	Conflict
)

func (r CommitResult) String() string {
	switch r {
	case Committed:
		return "committed"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Reader exposes channels for audit and display. It cannot mutate anything.
type Reader interface {
	// Get returns the channel or ErrNotFound.
	Get(ctx context.Context, id string) (*channel.Channel, error)
	// History returns every canonical state of the channel ordered by
	// nonce, starting with the funding state.
	History(ctx context.Context, id string) ([]*channel.SignedState, error)
	// List returns all channels the party is a member of, ordered by id.
	List(ctx context.Context, party paychan.Address) ([]*channel.Channel, error)
}

// Store is the read-write Channel Store.
type Store interface {
	Reader

	// Create persists a funded channel together with its nonce zero
	// history entry. ErrDuplicate is returned if the id is taken.
	Create(ctx context.Context, ch *channel.Channel) error

	// CompareAndCommit makes next the canonical state of the channel if and
	// only if the stored canonical nonce equals expectedNonce. Anything
	// else returns Conflict and leaves the store untouched.
	//
	// next must carry both signatures and conserve the channel capital.
	// ErrChannelClosed is returned once the channel left the Open phase.
	CompareAndCommit(ctx context.Context, id string, expectedNonce uint64, next *channel.SignedState) (CommitResult, error)

	// SetPhase moves a channel from one persisted phase to another.
	// ErrConflict is returned when the stored phase is not from.
	SetPhase(ctx context.Context, id string, from, to channel.Phase) error

	// Settle closes a channel with the final state recorded by the
	// settlement layer. Settling again with the same state is a no-op,
	// another state returns ErrInvalidState.
	Settle(ctx context.Context, id string, final *channel.SignedState) error

	// Delete removes a channel and its history.
	Delete(ctx context.Context, id string) error

	Close() error
}

type readOnly struct {
	r Reader
}

// ReadOnly hides the mutating methods of a store from audit and display
// consumers.
func ReadOnly(s Reader) Reader {
	return readOnly{r: s}
}

func (ro readOnly) Get(ctx context.Context, id string) (*channel.Channel, error) {
	return ro.r.Get(ctx, id)
}

func (ro readOnly) History(ctx context.Context, id string) ([]*channel.SignedState, error) {
	return ro.r.History(ctx, id)
}

func (ro readOnly) List(ctx context.Context, party paychan.Address) ([]*channel.Channel, error) {
	return ro.r.List(ctx, party)
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger log.Logger
}

func defaultOptions() options {
	return options{
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
}

// WithClock sets the time source used to stamp history entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// checkCommit validates next against the stored channel. Committed means
// the commit may be applied, Conflict is returned for a nonce mismatch.
func checkCommit(ch *channel.Channel, expectedNonce uint64, next *channel.SignedState) (CommitResult, error) {
	if ch.Phase != channel.PhaseOpen {
		return 0, errors.ErrChannelClosed.Newf("channel %s is %s", ch.ID, ch.Phase)
	}
	if ch.Nonce() != expectedNonce {
		return Conflict, nil
	}
	if err := next.State.Conserves(ch.TotalCapital); err != nil {
		return 0, err
	}
	return Committed, nil
}

// validateNext checks the parts of a commit that do not depend on the
// stored record.
func validateNext(id string, expectedNonce uint64, next *channel.SignedState) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next.State.ChannelID != id {
		return errors.ErrInvalidInput.Newf("state of %q committed to %q", next.State.ChannelID, id)
	}
	if next.State.Nonce != expectedNonce+1 {
		return errors.ErrStaleNonce.Newf("commit of nonce %d over %d", next.State.Nonce, expectedNonce)
	}
	return nil
}

// applySettle closes ch with final. It reports false when ch was settled
// with final already.
func applySettle(ch *channel.Channel, final *channel.SignedState) (bool, error) {
	if final == nil || final.State == nil {
		return false, errors.ErrInvalidInput.New("missing final state")
	}
	if final.State.ChannelID != ch.ID {
		return false, errors.ErrInvalidInput.Newf("state of %q settles %q", final.State.ChannelID, ch.ID)
	}
	if err := final.State.Conserves(ch.TotalCapital); err != nil {
		return false, err
	}
	switch ch.Phase {
	case channel.PhaseOpen, channel.PhaseClosing:
	case channel.PhaseClosed:
		if ch.Settled == nil {
			break
		}
		if ch.Settled.SameVersion(final) {
			return false, nil
		}
		return false, errors.ErrInvalidState.Newf("channel %s settled at nonce %d", ch.ID, ch.Settled.State.Nonce)
	default:
		return false, errors.ErrInvalidState.Newf("channel %s is %s", ch.ID, ch.Phase)
	}
	ch.Phase = channel.PhaseClosed
	ch.Settled = proto.Clone(final).(*channel.SignedState)
	return true, nil
}

// locker hands out one mutex per channel id. Channels never contend with
// each other.
type locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func newLocker() *locker {
	return &locker{locks: make(map[string]*entry)}
}

// Lock acquires the channel lock and returns its release function.
func (l *locker) Lock(id string) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &entry{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

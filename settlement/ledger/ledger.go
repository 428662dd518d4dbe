/*
Package ledger is a reference settlement layer kept in a versioned iavl
tree.

Every successful call writes a new tree version, so the root hash commits to
all fundings and final states recorded so far. It enforces what a settlement
contract enforces: deposits are escrowed once, final states carry both
signatures, conserve the deposits and strictly increase in nonce.
*/
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/settlement"
	"github.com/iov-one/paychan/store/iavl"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tendermint/libs/db"
)

// Ledger implements settlement.Layer.
type Ledger struct {
	mu     sync.Mutex
	tree   *iavl.CommitStore
	now    func() time.Time
	logger log.Logger
}

var _ settlement.Layer = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New loads the latest version of the ledger kept in db.
func New(db dbm.DB, opts ...Option) (*Ledger, error) {
	tree, err := iavl.NewCommitStore(db, 0)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		tree:   tree,
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("module", "ledger")
	return l, nil
}

func fundingKey(id string) []byte {
	return append([]byte("funding:"), id...)
}

func finalKey(id string) []byte {
	return append([]byte("final:"), id...)
}

// Fund escrows the deposit of party a.
func (l *Ledger) Fund(ctx context.Context, channelID string, keyA, keyB crypto.PublicKey, amount int64, duration time.Duration) error {
	if duration <= 0 {
		return errors.ErrInvalidInput.Newf("funding duration %s", duration)
	}
	f := &settlement.Funding{
		ChannelID: channelID,
		KeyA:      keyA,
		KeyB:      keyB,
		DepositA:  amount,
		ExpiresAt: l.now().Add(duration).UnixNano(),
	}
	if err := f.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.tree.Has(fundingKey(channelID))
	if err != nil {
		return errors.Wrap(err, "funding")
	}
	if ok {
		return errors.ErrDuplicate.Newf("channel %q is funded", channelID)
	}
	if err := l.put(fundingKey(channelID), f); err != nil {
		return err
	}
	return l.commit("funded", channelID)
}

// CounterpartyFund escrows the deposit of party b. It fails once the
// funding window expired.
func (l *Ledger) CounterpartyFund(ctx context.Context, channelID string, keyB crypto.PublicKey, amount int64) error {
	if amount < 0 {
		return errors.ErrInvalidInput.Newf("deposit %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.funding(channelID)
	if err != nil {
		return err
	}
	if !crypto.PublicKey(f.KeyB).Equals(keyB) {
		return errors.ErrUnauthorized.Newf("key is not party b of channel %q", channelID)
	}
	if f.CounterpartyFunded {
		return errors.ErrDuplicate.Newf("channel %q is funded by party b", channelID)
	}
	if f.Expired(l.now()) {
		return errors.ErrInvalidState.Newf("funding window of channel %q expired", channelID)
	}
	f.DepositB = amount
	f.CounterpartyFunded = true
	if err := l.put(fundingKey(channelID), f); err != nil {
		return err
	}
	return l.commit("counterparty funded", channelID)
}

// Funding returns the escrow record of a channel.
func (l *Ledger) Funding(ctx context.Context, channelID string) (*settlement.Funding, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.funding(channelID)
}

// Finalize records a final state. The state must conserve the deposits,
// carry both signatures unless it is the funding split, and be more recent
// than any state recorded before.
func (l *Ledger) Finalize(ctx context.Context, final *channel.SignedState) error {
	if err := final.Validate(); err != nil {
		return err
	}
	id := final.State.ChannelID

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.funding(id)
	if err != nil {
		return err
	}
	if !f.CounterpartyFunded {
		return errors.ErrInvalidState.Newf("channel %q is not funded by party b", id)
	}
	if err := final.State.Conserves(f.Capital()); err != nil {
		return err
	}
	if final.State.Nonce == 0 {
		if final.State.BalanceA != f.DepositA {
			return errors.ErrInvalidSignature.New("unsigned state differs from the deposits")
		}
	} else {
		if err := codec.VerifyState(f.KeyA, final.State, final.SigA); err != nil {
			return errors.Wrap(err, "party a")
		}
		if err := codec.VerifyState(f.KeyB, final.State, final.SigB); err != nil {
			return errors.Wrap(err, "party b")
		}
	}

	prev, err := l.recorded(id)
	switch {
	case errors.ErrNotFound.Is(err):
	case err != nil:
		return err
	case final.State.Nonce <= prev.State.Nonce:
		return errors.ErrSettlementRejected.Newf("nonce %d, recorded %d", final.State.Nonce, prev.State.Nonce)
	}

	rec := &channel.SignedState{
		State:       final.State,
		SigA:        final.SigA,
		SigB:        final.SigB,
		CommittedAt: l.now().UnixNano(),
	}
	if err := l.put(finalKey(id), rec); err != nil {
		return err
	}
	return l.commit("finalized", id, "nonce", final.State.Nonce)
}

// Recorded returns the most recent final state of a channel.
func (l *Ledger) Recorded(ctx context.Context, channelID string) (*channel.SignedState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorded(channelID)
}

// Version returns the latest committed version of the tree.
func (l *Ledger) Version() iavl.CommitID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.LatestVersion()
}

func (l *Ledger) funding(id string) (*settlement.Funding, error) {
	var f settlement.Funding
	if err := l.get(fundingKey(id), &f); err != nil {
		return nil, errors.Wrapf(err, "funding of %q", id)
	}
	return &f, nil
}

func (l *Ledger) recorded(id string) (*channel.SignedState, error) {
	var s channel.SignedState
	if err := l.get(finalKey(id), &s); err != nil {
		return nil, errors.Wrapf(err, "final state of %q", id)
	}
	return &s, nil
}

func (l *Ledger) get(key []byte, msg proto.Message) error {
	raw, err := l.tree.Get(key)
	if err != nil {
		return err
	}
	if raw == nil {
		return errors.ErrNotFound.New("no record")
	}
	if err := proto.Unmarshal(raw, msg); err != nil {
		return errors.Wrapf(errors.ErrCorrupted, "unmarshal: %s", err)
	}
	return nil
}

func (l *Ledger) put(key []byte, msg proto.Message) error {
	raw, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "marshal: %s", err)
	}
	return l.tree.Set(key, raw)
}

func (l *Ledger) commit(what, channelID string, keyvals ...interface{}) error {
	id, err := l.tree.Commit()
	if err != nil {
		l.tree.Rollback()
		return err
	}
	l.logger.Info(what, append([]interface{}{"channel", channelID, "version", id.Version}, keyvals...)...)
	return nil
}

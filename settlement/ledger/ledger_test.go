package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest"
	"github.com/iov-one/paychan/paychantest/assert"
	dbm "github.com/tendermint/tendermint/libs/db"
)

const chID = "ch-1"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

// funded returns a ledger where channel ch-1 holds 10 from a and 0 from b.
func funded(t *testing.T) (*Ledger, *clock) {
	t.Helper()
	c := &clock{now: epoch}
	l, err := New(dbm.NewMemDB(), WithClock(c.Now))
	assert.Nil(t, err)
	a, b := paychantest.Parties()
	ctx := context.Background()
	assert.Nil(t, l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour))
	assert.Nil(t, l.CounterpartyFund(ctx, chID, b.PublicKey(), 0))
	return l, c
}

func signed(balanceA, balanceB int64, nonce uint64) *channel.SignedState {
	a, b := paychantest.Parties()
	return paychantest.CoSign(&channel.State{
		ChannelID: chID,
		BalanceA:  balanceA,
		BalanceB:  balanceB,
		Nonce:     nonce,
	}, a, b)
}

func TestFund(t *testing.T) {
	a, b := paychantest.Parties()
	other := paychantest.SeedKey("mallory")

	cases := map[string]struct {
		fund    func(context.Context, *Ledger, *clock) error
		wantErr *errors.Error
	}{
		"both parties fund": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				if err := l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour); err != nil {
					return err
				}
				return l.CounterpartyFund(ctx, chID, b.PublicKey(), 5)
			},
		},
		"fund twice": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				if err := l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour); err != nil {
					return err
				}
				return l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour)
			},
			wantErr: errors.ErrDuplicate,
		},
		"zero deposit": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				return l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 0, time.Hour)
			},
			wantErr: errors.ErrInvalidInput,
		},
		"same party twice": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				return l.Fund(ctx, chID, a.PublicKey(), a.PublicKey(), 10, time.Hour)
			},
			wantErr: errors.ErrInvalidInput,
		},
		"no duration": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				return l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, 0)
			},
			wantErr: errors.ErrInvalidInput,
		},
		"counterparty without funding": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				return l.CounterpartyFund(ctx, chID, b.PublicKey(), 5)
			},
			wantErr: errors.ErrNotFound,
		},
		"counterparty is someone else": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				if err := l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour); err != nil {
					return err
				}
				return l.CounterpartyFund(ctx, chID, other.PublicKey(), 5)
			},
			wantErr: errors.ErrUnauthorized,
		},
		"counterparty funds twice": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				if err := l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour); err != nil {
					return err
				}
				if err := l.CounterpartyFund(ctx, chID, b.PublicKey(), 5); err != nil {
					return err
				}
				return l.CounterpartyFund(ctx, chID, b.PublicKey(), 5)
			},
			wantErr: errors.ErrDuplicate,
		},
		"counterparty after expiry": {
			fund: func(ctx context.Context, l *Ledger, c *clock) error {
				if err := l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour); err != nil {
					return err
				}
				c.now = c.now.Add(time.Hour)
				return l.CounterpartyFund(ctx, chID, b.PublicKey(), 5)
			},
			wantErr: errors.ErrInvalidState,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			c := &clock{now: epoch}
			l, err := New(dbm.NewMemDB(), WithClock(c.Now))
			assert.Nil(t, err)
			assert.IsErr(t, tc.wantErr, tc.fund(context.Background(), l, c))
		})
	}
}

func TestFundingRecord(t *testing.T) {
	l, _ := funded(t)
	a, b := paychantest.Parties()

	f, err := l.Funding(context.Background(), chID)
	assert.Nil(t, err)
	assert.Equal(t, []byte(a.PublicKey()), f.KeyA)
	assert.Equal(t, []byte(b.PublicKey()), f.KeyB)
	assert.Equal(t, int64(10), f.Capital())
	assert.Equal(t, true, f.CounterpartyFunded)
	assert.Equal(t, epoch.Add(time.Hour).UnixNano(), f.ExpiresAt)

	// Fund and CounterpartyFund each wrote one version.
	assert.Equal(t, int64(2), l.Version().Version)
}

func TestFinalizeMonotonic(t *testing.T) {
	l, _ := funded(t)
	ctx := context.Background()

	assert.Nil(t, l.Finalize(ctx, signed(7, 3, 1)))
	assert.Nil(t, l.Finalize(ctx, signed(6, 4, 2)))

	rec, err := l.Recorded(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), rec.State.Nonce)
	assert.Equal(t, int64(6), rec.State.BalanceA)
	assert.Equal(t, epoch.UnixNano(), rec.CommittedAt)

	assert.IsErr(t, errors.ErrSettlementRejected, l.Finalize(ctx, signed(6, 4, 2)))
	assert.IsErr(t, errors.ErrSettlementRejected, l.Finalize(ctx, signed(7, 3, 1)))
	assert.IsErr(t, errors.ErrSettlementRejected, l.Finalize(ctx, signed(5, 5, 2)))

	rec, err = l.Recorded(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), rec.State.Nonce)
}

func TestFinalizeChecks(t *testing.T) {
	a, b := paychantest.Parties()
	other := paychantest.SeedKey("mallory")

	forged := signed(2, 8, 1)
	forged.SigB = paychantest.CoSign(forged.State, a, other).SigB

	cases := map[string]struct {
		final   *channel.SignedState
		wantErr *errors.Error
	}{
		"co-signed": {
			final: signed(7, 3, 1),
		},
		"funding split": {
			final: &channel.SignedState{State: &channel.State{ChannelID: chID, BalanceA: 10}},
		},
		"unsigned split that is not the funding": {
			final:   &channel.SignedState{State: &channel.State{ChannelID: chID, BalanceA: 4, BalanceB: 6}},
			wantErr: errors.ErrInvalidSignature,
		},
		"missing signature": {
			final:   &channel.SignedState{State: signed(7, 3, 1).State, SigA: signed(7, 3, 1).SigA},
			wantErr: errors.ErrInvalidSignature,
		},
		"signature of a third party": {
			final:   forged,
			wantErr: errors.ErrInvalidSignature,
		},
		"capital created": {
			final:   signed(8, 3, 1),
			wantErr: errors.ErrCapitalViolation,
		},
		"signed by swapped parties": {
			final:   paychantest.CoSign(signed(7, 3, 1).State, b, a),
			wantErr: errors.ErrInvalidSignature,
		},
		"unknown channel": {
			final: paychantest.CoSign(&channel.State{
				ChannelID: "ch-2",
				BalanceA:  7,
				BalanceB:  3,
				Nonce:     1,
			}, a, b),
			wantErr: errors.ErrNotFound,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			l, _ := funded(t)
			ctx := context.Background()
			assert.IsErr(t, tc.wantErr, l.Finalize(ctx, tc.final))

			_, err := l.Recorded(ctx, chID)
			if tc.wantErr == nil {
				assert.Nil(t, err)
			} else {
				assert.IsErr(t, errors.ErrNotFound, err)
			}
		})
	}
}

func TestFinalizeBeforeCounterpartyFunds(t *testing.T) {
	l, err := New(dbm.NewMemDB())
	assert.Nil(t, err)
	a, b := paychantest.Parties()
	ctx := context.Background()
	assert.Nil(t, l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour))

	assert.IsErr(t, errors.ErrInvalidState, l.Finalize(ctx, signed(7, 3, 1)))
}

func TestReload(t *testing.T) {
	db := dbm.NewMemDB()
	l, err := New(db)
	assert.Nil(t, err)
	a, b := paychantest.Parties()
	ctx := context.Background()
	assert.Nil(t, l.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour))
	assert.Nil(t, l.CounterpartyFund(ctx, chID, b.PublicKey(), 0))
	assert.Nil(t, l.Finalize(ctx, signed(7, 3, 1)))
	want := l.Version()

	reloaded, err := New(db)
	assert.Nil(t, err)
	assert.Equal(t, want, reloaded.Version())
	rec, err := reloaded.Recorded(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), rec.State.Nonce)
}

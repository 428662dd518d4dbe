package ledger

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest"
	"github.com/iov-one/paychan/paychantest/assert"
	dbm "github.com/tendermint/tendermint/libs/db"
)

// serve returns a client of l served over http.
func serve(t *testing.T, l *Ledger) *Client {
	t.Helper()
	srv := httptest.NewServer(NewHandler(l, nil))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL+"/", time.Second)
	assert.Nil(t, err)
	return c
}

func TestClientFunding(t *testing.T) {
	a, b := paychantest.Parties()
	ctx := context.Background()
	l, err := New(dbm.NewMemDB(), WithClock(func() time.Time { return epoch }))
	assert.Nil(t, err)
	c := serve(t, l)

	_, err = c.Funding(ctx, chID)
	assert.IsErr(t, errors.ErrNotFound, err)

	assert.Nil(t, c.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour))
	assert.IsErr(t, errors.ErrDuplicate, c.Fund(ctx, chID, a.PublicKey(), b.PublicKey(), 10, time.Hour))
	assert.IsErr(t, errors.ErrUnauthorized, c.CounterpartyFund(ctx, chID, a.PublicKey(), 5))
	assert.Nil(t, c.CounterpartyFund(ctx, chID, b.PublicKey(), 5))

	got, err := c.Funding(ctx, chID)
	assert.Nil(t, err)
	want, err := l.Funding(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, true, got.CounterpartyFunded)
	assert.Equal(t, int64(15), got.Capital())
}

func TestClientFinalize(t *testing.T) {
	l, _ := funded(t)
	c := serve(t, l)
	ctx := context.Background()

	_, err := c.Recorded(ctx, chID)
	assert.IsErr(t, errors.ErrNotFound, err)

	cases := map[string]struct {
		balanceA, balanceB int64
		nonce              uint64
		wantErr            *errors.Error
	}{
		"inflated capital": {balanceA: 10, balanceB: 10, nonce: 2, wantErr: errors.ErrCapitalViolation},
		"first final":      {balanceA: 6, balanceB: 4, nonce: 2},
		"same nonce again": {balanceA: 5, balanceB: 5, nonce: 2, wantErr: errors.ErrSettlementRejected},
		"newer final":      {balanceA: 3, balanceB: 7, nonce: 5},
	}
	// Run in order, every case builds on the ones before it.
	for _, name := range []string{"inflated capital", "first final", "same nonce again", "newer final"} {
		tc := cases[name]
		t.Run(name, func(t *testing.T) {
			err := c.Finalize(ctx, signed(tc.balanceA, tc.balanceB, tc.nonce))
			assert.IsErr(t, tc.wantErr, err)
		})
	}

	rec, err := c.Recorded(ctx, chID)
	assert.Nil(t, err)
	assert.Equal(t, true, rec.SameVersion(signed(3, 7, 5)))
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(NewHandler(nil, nil))
	srv.Close()
	c, err := NewClient(srv.URL, 100*time.Millisecond)
	assert.Nil(t, err)

	_, err = c.Funding(context.Background(), chID)
	assert.IsErr(t, errors.ErrUnavailable, err)
	assert.Equal(t, true, errors.IsRetryable(err))
}

func TestNewClientChecks(t *testing.T) {
	cases := map[string]struct {
		endpoint string
		timeout  time.Duration
		wantErr  *errors.Error
	}{
		"http":       {endpoint: "http://127.0.0.1:8480/ledger", timeout: time.Second},
		"https":      {endpoint: "https://ledger.example.com", timeout: time.Second},
		"websocket":  {endpoint: "ws://127.0.0.1:8480", timeout: time.Second, wantErr: errors.ErrInvalidInput},
		"no host":    {endpoint: "http://", timeout: time.Second, wantErr: errors.ErrInvalidInput},
		"no timeout": {endpoint: "http://127.0.0.1:8480", wantErr: errors.ErrInvalidInput},
		"not a url":  {endpoint: "::", timeout: time.Second, wantErr: errors.ErrInvalidInput},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			_, err := NewClient(tc.endpoint, tc.timeout)
			assert.IsErr(t, tc.wantErr, err)
		})
	}
}

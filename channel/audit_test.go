package channel_test

import (
	"testing"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/codec"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest"
	"github.com/iov-one/paychan/paychantest/assert"
)

func TestAudit(t *testing.T) {
	a, b := paychantest.Parties()

	// build returns a channel with n committed payments of 1 from a to b.
	build := func(n int) (*channel.Channel, []*channel.SignedState) {
		ch := paychantest.NewChannel("ch-audit", a, b, 10, 0)
		history := []*channel.SignedState{ch.Canonical}
		for i := 0; i < n; i++ {
			next := paychantest.Advance(ch, 1, channel.AToB, a, b)
			ch.Canonical = next
			history = append(history, next)
		}
		return ch, history
	}

	cases := map[string]struct {
		mutate  func(*channel.Channel, []*channel.SignedState) []*channel.SignedState
		wantErr *errors.Error
	}{
		"clean history": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState { return h },
		},
		"gap in nonces": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				return append(h[:1], h[2:]...)
			},
			wantErr: errors.ErrCorrupted,
		},
		"repeated nonce": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				dup := []*channel.SignedState{h[0], h[1], h[1]}
				return append(dup, h[2:]...)
			},
			wantErr: errors.ErrCorrupted,
		},
		"capital not conserved": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				st := *h[1].State
				st.BalanceB++
				h[1] = paychantest.CoSign(&st, a, b)
				return h
			},
			wantErr: errors.ErrCorrupted,
		},
		"forged signature": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				h[2] = paychantest.CoSign(h[2].State, a, paychantest.SeedKey("mallory"))
				return h
			},
			wantErr: errors.ErrCorrupted,
		},
		"history behind canonical": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				return h[:len(h)-1]
			},
			wantErr: errors.ErrCorrupted,
		},
		"empty history": {
			mutate: func(_ *channel.Channel, h []*channel.SignedState) []*channel.SignedState {
				return nil
			},
			wantErr: errors.ErrCorrupted,
		},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			ch, history := build(3)
			history = tc.mutate(ch, history)
			assert.IsErr(t, tc.wantErr, channel.Audit(ch, history, codec.VerifyState))
		})
	}
}

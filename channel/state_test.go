package channel_test

import (
	"math"
	"testing"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/paychantest/assert"
)

func TestStateTransfer(t *testing.T) {
	start := &channel.State{ChannelID: "ch", BalanceA: 10, BalanceB: 0, Nonce: 0}

	cases := map[string]struct {
		from    *channel.State
		amount  int64
		dir     channel.Direction
		want    *channel.State
		wantErr *errors.Error
	}{
		"a pays b": {
			from:   start,
			amount: 3,
			dir:    channel.AToB,
			want:   &channel.State{ChannelID: "ch", BalanceA: 7, BalanceB: 3, Nonce: 1},
		},
		"a pays everything": {
			from:   start,
			amount: 10,
			dir:    channel.AToB,
			want:   &channel.State{ChannelID: "ch", BalanceA: 0, BalanceB: 10, Nonce: 1},
		},
		"b pays back": {
			from:   &channel.State{ChannelID: "ch", BalanceA: 7, BalanceB: 3, Nonce: 1},
			amount: 2,
			dir:    channel.BToA,
			want:   &channel.State{ChannelID: "ch", BalanceA: 9, BalanceB: 1, Nonce: 2},
		},
		"b cannot pay with empty balance": {
			from:    start,
			amount:  1,
			dir:     channel.BToA,
			wantErr: errors.ErrInsufficientBalance,
		},
		"a cannot overdraw": {
			from:    start,
			amount:  11,
			dir:     channel.AToB,
			wantErr: errors.ErrInsufficientBalance,
		},
		"zero amount": {
			from:    start,
			amount:  0,
			dir:     channel.AToB,
			wantErr: errors.ErrInvalidInput,
		},
		"negative amount": {
			from:    start,
			amount:  -4,
			dir:     channel.AToB,
			wantErr: errors.ErrInvalidInput,
		},
		"unknown direction": {
			from:    start,
			amount:  1,
			dir:     channel.Direction(9),
			wantErr: errors.ErrInvalidInput,
		},
	}

	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			got, err := tc.from.Transfer(tc.amount, tc.dir)
			if tc.wantErr != nil {
				assert.IsErr(t, tc.wantErr, err)
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, tc.want, got)
			assert.Nil(t, got.Conserves(tc.from.Total()))
		})
	}

	// Transfer never mutates the receiver.
	assert.Equal(t, &channel.State{ChannelID: "ch", BalanceA: 10}, start)
}

func TestStateConserves(t *testing.T) {
	cases := map[string]struct {
		state   channel.State
		capital int64
		wantErr *errors.Error
	}{
		"exact": {
			state:   channel.State{BalanceA: 6, BalanceB: 4},
			capital: 10,
		},
		"all on one side": {
			state:   channel.State{BalanceA: 0, BalanceB: 10},
			capital: 10,
		},
		"sum too small": {
			state:   channel.State{BalanceA: 6, BalanceB: 3},
			capital: 10,
			wantErr: errors.ErrCapitalViolation,
		},
		"negative balance with matching sum": {
			state:   channel.State{BalanceA: 11, BalanceB: -1},
			capital: 10,
			wantErr: errors.ErrCapitalViolation,
		},
		"overflowing sum": {
			state:   channel.State{BalanceA: math.MaxInt64, BalanceB: math.MaxInt64},
			capital: -2,
			wantErr: errors.ErrCapitalViolation,
		},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			assert.IsErr(t, tc.wantErr, tc.state.Conserves(tc.capital))
		})
	}
}

func TestStateValidate(t *testing.T) {
	long := make([]byte, channel.MaxIDLength+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := map[string]struct {
		state   *channel.State
		wantErr *errors.Error
	}{
		"valid":            {state: &channel.State{ChannelID: "c", BalanceA: 1}},
		"nil":              {state: nil, wantErr: errors.ErrInvalidInput},
		"no id":            {state: &channel.State{BalanceA: 1}, wantErr: errors.ErrInvalidInput},
		"id too long":      {state: &channel.State{ChannelID: string(long)}, wantErr: errors.ErrInvalidInput},
		"negative balance": {state: &channel.State{ChannelID: "c", BalanceB: -1}, wantErr: errors.ErrCapitalViolation},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			assert.IsErr(t, tc.wantErr, tc.state.Validate())
		})
	}
}

func TestRoles(t *testing.T) {
	assert.Equal(t, channel.RoleB, channel.RoleA.Other())
	assert.Equal(t, channel.RoleA, channel.RoleB.Other())
	assert.Equal(t, channel.RoleNone, channel.RoleNone.Other())
	assert.Equal(t, channel.AToB, channel.DirectionFrom(channel.RoleA))
	assert.Equal(t, channel.RoleB, channel.BToA.Payer())
}

func TestPhaseTransitions(t *testing.T) {
	cases := map[string]struct {
		from, to channel.Phase
		want     bool
	}{
		"open to closing":       {channel.PhaseOpen, channel.PhaseClosing, true},
		"closing to closed":     {channel.PhaseClosing, channel.PhaseClosed, true},
		"closing back to open":  {channel.PhaseClosing, channel.PhaseOpen, true},
		"closed is final":       {channel.PhaseClosed, channel.PhaseOpen, false},
		"pending is not stored": {channel.PhaseOpen, channel.PhaseProposalPending, false},
	}
	for testName, tc := range cases {
		t.Run(testName, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.CanTransition(tc.to))
		})
	}
}

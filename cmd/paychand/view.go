package main

import (
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
)

type channelView struct {
	ID        string          `json:"id"`
	PartyA    paychan.Address `json:"party_a"`
	PartyB    paychan.Address `json:"party_b"`
	Capital   int64           `json:"total_capital"`
	BalanceA  int64           `json:"balance_a"`
	BalanceB  int64           `json:"balance_b"`
	Nonce     uint64          `json:"nonce"`
	Phase     string          `json:"phase"`
	CreatedAt int64           `json:"created_at"`
	Settled   *stateView      `json:"settled,omitempty"`
}

func viewChannel(ch *channel.Channel, phase channel.Phase) channelView {
	s := ch.Canonical.State
	v := channelView{
		ID:        ch.ID,
		PartyA:    ch.Address(channel.RoleA),
		PartyB:    ch.Address(channel.RoleB),
		Capital:   ch.TotalCapital,
		BalanceA:  s.BalanceA,
		BalanceB:  s.BalanceB,
		Nonce:     s.Nonce,
		Phase:     phase.String(),
		CreatedAt: ch.CreatedAt,
	}
	if ch.Settled != nil {
		settled := viewState(ch.Settled)
		v.Settled = &settled
	}
	return v
}

type stateView struct {
	BalanceA    int64  `json:"balance_a"`
	BalanceB    int64  `json:"balance_b"`
	Nonce       uint64 `json:"nonce"`
	SigA        []byte `json:"sig_a,omitempty"`
	SigB        []byte `json:"sig_b,omitempty"`
	CommittedAt int64  `json:"committed_at,omitempty"`
}

func viewState(s *channel.SignedState) stateView {
	return stateView{
		BalanceA:    s.State.BalanceA,
		BalanceB:    s.State.BalanceB,
		Nonce:       s.State.Nonce,
		SigA:        s.SigA,
		SigB:        s.SigB,
		CommittedAt: s.CommittedAt,
	}
}

func viewHistory(history []*channel.SignedState) []stateView {
	out := make([]stateView, len(history))
	for i, s := range history {
		out[i] = viewState(s)
	}
	return out
}

package channel

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan/errors"
)

// MaxIDLength is the longest channel id accepted. The id is length prefixed
// with a single byte in the signed encoding.
const MaxIDLength = 128

// State is the balance split of a channel at a given nonce.
type State struct {
	ChannelID string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id,omitempty"`
	BalanceA  int64  `protobuf:"varint,2,opt,name=balance_a,json=balanceA,proto3" json:"balance_a"`
	BalanceB  int64  `protobuf:"varint,3,opt,name=balance_b,json=balanceB,proto3" json:"balance_b"`
	Nonce     uint64 `protobuf:"varint,4,opt,name=nonce,proto3" json:"nonce"`
}

func (m *State) Reset()         { *m = State{} }
func (m *State) String() string { return proto.CompactTextString(m) }
func (*State) ProtoMessage()    {}

// ValidateID checks the format of a channel id.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.ErrInvalidInput.New("empty channel id")
	case len(id) > MaxIDLength:
		return errors.ErrInvalidInput.Newf("channel id longer than %d", MaxIDLength)
	}
	return nil
}

// Validate checks the state is well formed. It does not know the capital of
// the channel, use Conserves for that.
func (m *State) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing state")
	}
	if err := ValidateID(m.ChannelID); err != nil {
		return err
	}
	if m.BalanceA < 0 || m.BalanceB < 0 {
		return errors.ErrCapitalViolation.Newf("negative balance %d/%d", m.BalanceA, m.BalanceB)
	}
	return nil
}

// Total returns the sum of both balances.
func (m *State) Total() int64 {
	return m.BalanceA + m.BalanceB
}

// Conserves returns ErrCapitalViolation unless both balances are non
// negative and add up to capital.
func (m *State) Conserves(capital int64) error {
	if m.BalanceA < 0 || m.BalanceB < 0 {
		return errors.ErrCapitalViolation.Newf("negative balance %d/%d", m.BalanceA, m.BalanceB)
	}
	// Sum in two steps so that values close to the int64 limits do not
	// overflow into a matching total.
	if m.BalanceA > capital || m.BalanceB != capital-m.BalanceA {
		return errors.ErrCapitalViolation.Newf("%d + %d != %d", m.BalanceA, m.BalanceB, capital)
	}
	return nil
}

// Equals reports whether both states describe the same version.
func (m *State) Equals(o *State) bool {
	if m == nil || o == nil {
		return m == o
	}
	return *m == *o
}

// Balance returns the balance held by the given role.
func (m *State) Balance(r Role) int64 {
	if r == RoleA {
		return m.BalanceA
	}
	return m.BalanceB
}

// Transfer returns the successor state moving amount from payer to payee as
// given by the direction. The receiver is left untouched.
func (m *State) Transfer(amount int64, dir Direction) (*State, error) {
	if amount <= 0 {
		return nil, errors.ErrInvalidInput.Newf("amount must be positive, got %d", amount)
	}
	next := *m
	next.Nonce++
	switch dir {
	case AToB:
		if m.BalanceA < amount {
			return nil, errors.ErrInsufficientBalance.Newf("party a holds %d, wants to pay %d", m.BalanceA, amount)
		}
		next.BalanceA -= amount
		next.BalanceB += amount
	case BToA:
		if m.BalanceB < amount {
			return nil, errors.ErrInsufficientBalance.Newf("party b holds %d, wants to pay %d", m.BalanceB, amount)
		}
		next.BalanceB -= amount
		next.BalanceA += amount
	default:
		return nil, errors.ErrInvalidInput.Newf("unknown direction %d", dir)
	}
	return &next, nil
}

// Direction tells which party pays in a transfer.
type Direction int32

const (
	// AToB moves funds from party A to party B.
	AToB Direction = 1
	// BToA moves funds from party B to party A.
	BToA Direction = 2
)

// DirectionFrom returns the direction in which the given role pays.
func DirectionFrom(payer Role) Direction {
	if payer == RoleA {
		return AToB
	}
	return BToA
}

func (d Direction) String() string {
	switch d {
	case AToB:
		return "a->b"
	case BToA:
		return "b->a"
	}
	return fmt.Sprintf("direction(%d)", int32(d))
}

// Payer returns the role whose balance decreases.
func (d Direction) Payer() Role {
	if d == AToB {
		return RoleA
	}
	return RoleB
}

// SignedState is a State together with the signatures collected for it. A
// state is canonical once both signatures are present and verify. Nonce zero
// is the funding state and is canonical without signatures, as the
// settlement layer confirmed it.
type SignedState struct {
	State *State `protobuf:"bytes,1,opt,name=state,proto3" json:"state,omitempty"`
	SigA  []byte `protobuf:"bytes,2,opt,name=sig_a,json=sigA,proto3" json:"sig_a,omitempty"`
	SigB  []byte `protobuf:"bytes,3,opt,name=sig_b,json=sigB,proto3" json:"sig_b,omitempty"`
	// CommittedAt is the unix time in nanoseconds at which this state was
	// recorded by the local Channel Store.
	CommittedAt int64 `protobuf:"varint,4,opt,name=committed_at,json=committedAt,proto3" json:"committed_at,omitempty"`
}

func (m *SignedState) Reset()         { *m = SignedState{} }
func (m *SignedState) String() string { return proto.CompactTextString(m) }
func (*SignedState) ProtoMessage()    {}

// Validate checks that the record is complete.
func (m *SignedState) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing signed state")
	}
	if err := m.State.Validate(); err != nil {
		return err
	}
	if m.State.Nonce > 0 && (len(m.SigA) == 0 || len(m.SigB) == 0) {
		return errors.ErrInvalidSignature.Newf("nonce %d is missing a signature", m.State.Nonce)
	}
	return nil
}

// Sig returns the signature of the given role.
func (m *SignedState) Sig(r Role) []byte {
	if r == RoleA {
		return m.SigA
	}
	return m.SigB
}

// SetSig stores the signature of the given role.
func (m *SignedState) SetSig(r Role, sig []byte) {
	if r == RoleA {
		m.SigA = sig
	} else {
		m.SigB = sig
	}
}

// SameVersion reports whether both records sign the same state.
func (m *SignedState) SameVersion(o *SignedState) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.State.Equals(o.State)
}

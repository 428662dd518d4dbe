package channel

import (
	"fmt"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
)

// Role is the fixed position of a party in a channel. Roles never swap once
// the channel is created.
type Role int32

const (
	RoleNone Role = 0
	RoleA    Role = 1
	RoleB    Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleA:
		return "a"
	case RoleB:
		return "b"
	}
	return "none"
}

// Other returns the counterparty role.
func (r Role) Other() Role {
	switch r {
	case RoleA:
		return RoleB
	case RoleB:
		return RoleA
	}
	return RoleNone
}

// Validate returns an error for anything but RoleA and RoleB.
func (r Role) Validate() error {
	if r != RoleA && r != RoleB {
		return errors.ErrInvalidInput.Newf("unknown role %d", int32(r))
	}
	return nil
}

// Phase is the lifecycle phase of a channel.
//
// Open, Closing and Closed are persisted. ProposalPending is a party local
// phase reported by the engine while a proposal is outstanding. Halted marks
// a channel whose stored history failed the audit.
type Phase int32

const (
	PhaseOpen            Phase = 0
	PhaseProposalPending Phase = 1
	PhaseClosing         Phase = 2
	PhaseClosed          Phase = 3
	PhaseHalted          Phase = 4
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseProposalPending:
		return "proposal_pending"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	case PhaseHalted:
		return "halted"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Persisted reports whether the phase can be written to the Channel Store.
func (p Phase) Persisted() bool {
	return p == PhaseOpen || p == PhaseClosing || p == PhaseClosed
}

// CanTransition reports whether a stored channel may move from p to next.
// Closing may fall back to Open when settlement could not be reached.
func (p Phase) CanTransition(next Phase) bool {
	switch p {
	case PhaseOpen:
		return next == PhaseClosing || next == PhaseClosed
	case PhaseClosing:
		return next == PhaseOpen || next == PhaseClosed
	}
	return false
}

// Channel is the persisted record of a funded channel.
type Channel struct {
	ID           string       `protobuf:"bytes,1,opt,name=id,proto3" json:"id"`
	KeyA         []byte       `protobuf:"bytes,2,opt,name=key_a,json=keyA,proto3" json:"key_a"`
	KeyB         []byte       `protobuf:"bytes,3,opt,name=key_b,json=keyB,proto3" json:"key_b"`
	TotalCapital int64        `protobuf:"varint,4,opt,name=total_capital,json=totalCapital,proto3" json:"total_capital"`
	Canonical    *SignedState `protobuf:"bytes,5,opt,name=canonical,proto3" json:"canonical,omitempty"`
	Phase        Phase        `protobuf:"varint,6,opt,name=phase,proto3" json:"phase"`
	// CreatedAt is the unix time in nanoseconds of the funding confirmation.
	CreatedAt int64 `protobuf:"varint,7,opt,name=created_at,json=createdAt,proto3" json:"created_at,omitempty"`
	// Settled is the final state the settlement layer recorded. It is set
	// once the channel is Closed and may be newer than Canonical.
	Settled *SignedState `protobuf:"bytes,8,opt,name=settled,proto3" json:"settled,omitempty"`
}

func (m *Channel) Reset()         { *m = Channel{} }
func (m *Channel) String() string { return proto.CompactTextString(m) }
func (*Channel) ProtoMessage()    {}

// New returns the channel record confirmed by funding. Its canonical state
// is the funding split at nonce zero.
func New(id string, keyA, keyB crypto.PublicKey, depositA, depositB int64) (*Channel, error) {
	ch := &Channel{
		ID:           id,
		KeyA:         keyA,
		KeyB:         keyB,
		TotalCapital: depositA + depositB,
		Canonical: &SignedState{
			State: &State{
				ChannelID: id,
				BalanceA:  depositA,
				BalanceB:  depositB,
			},
		},
		Phase: PhaseOpen,
	}
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	return ch, nil
}

// Validate ensures the record is consistent.
func (m *Channel) Validate() error {
	if err := ValidateID(m.ID); err != nil {
		return err
	}
	if err := crypto.PublicKey(m.KeyA).Validate(); err != nil {
		return errors.Wrap(err, "party a")
	}
	if err := crypto.PublicKey(m.KeyB).Validate(); err != nil {
		return errors.Wrap(err, "party b")
	}
	if crypto.PublicKey(m.KeyA).Equals(m.KeyB) {
		return errors.ErrInvalidInput.New("both parties share a key")
	}
	if m.TotalCapital <= 0 {
		return errors.ErrCapitalViolation.Newf("capital %d", m.TotalCapital)
	}
	if err := m.Canonical.Validate(); err != nil {
		return errors.Wrap(err, "canonical")
	}
	if m.Canonical.State.ChannelID != m.ID {
		return errors.ErrInvalidInput.Newf("canonical state belongs to %q", m.Canonical.State.ChannelID)
	}
	if err := m.Canonical.State.Conserves(m.TotalCapital); err != nil {
		return err
	}
	if !m.Phase.Persisted() {
		return errors.ErrInvalidState.Newf("phase %s cannot be stored", m.Phase)
	}
	return nil
}

// Nonce returns the nonce of the canonical state.
func (m *Channel) Nonce() uint64 {
	return m.Canonical.State.Nonce
}

// Key returns the public key of the given role.
func (m *Channel) Key(r Role) crypto.PublicKey {
	switch r {
	case RoleA:
		return m.KeyA
	case RoleB:
		return m.KeyB
	}
	return nil
}

// Address returns the address of the given role.
func (m *Channel) Address(r Role) paychan.Address {
	return m.Key(r).Address()
}

// RoleOf returns the role held by the given key, or RoleNone if the key is
// not a member of this channel.
func (m *Channel) RoleOf(key crypto.PublicKey) Role {
	switch {
	case key.Equals(m.KeyA):
		return RoleA
	case key.Equals(m.KeyB):
		return RoleB
	}
	return RoleNone
}

// RoleOfAddress is RoleOf for an address.
func (m *Channel) RoleOfAddress(addr paychan.Address) Role {
	switch {
	case addr.Equals(m.Address(RoleA)):
		return RoleA
	case addr.Equals(m.Address(RoleB)):
		return RoleB
	}
	return RoleNone
}

// IsMember reports whether the address belongs to a party of this channel.
func (m *Channel) IsMember(addr paychan.Address) bool {
	return m.RoleOfAddress(addr) != RoleNone
}

// Clone returns a deep copy.
func (m *Channel) Clone() *Channel {
	return proto.Clone(m).(*Channel)
}

package channel

import (
	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan/errors"
)

// Proposal asks the counterparty to co-sign the next state of a channel.
type Proposal struct {
	ChannelID   string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	State       *State `protobuf:"bytes,2,opt,name=state,proto3" json:"state"`
	Proposer    Role   `protobuf:"varint,3,opt,name=proposer,proto3" json:"proposer"`
	ProposerSig []byte `protobuf:"bytes,4,opt,name=proposer_sig,json=proposerSig,proto3" json:"proposer_sig"`
}

func (m *Proposal) Reset()         { *m = Proposal{} }
func (m *Proposal) String() string { return proto.CompactTextString(m) }
func (*Proposal) ProtoMessage()    {}

// Validate checks the proposal is complete. Signatures and the channel
// capital are checked by the engine.
func (m *Proposal) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing proposal")
	}
	if err := m.State.Validate(); err != nil {
		return err
	}
	if m.State.ChannelID != m.ChannelID {
		return errors.ErrInvalidInput.Newf("state of %q proposed for %q", m.State.ChannelID, m.ChannelID)
	}
	if m.State.Nonce == 0 {
		return errors.ErrStaleNonce.New("nonce zero is the funding state")
	}
	if err := m.Proposer.Validate(); err != nil {
		return errors.Wrap(err, "proposer")
	}
	if len(m.ProposerSig) == 0 {
		return errors.ErrInvalidSignature.New("missing proposer signature")
	}
	return nil
}

// Acceptance is a proposal co-signed by the counterparty.
type Acceptance struct {
	ChannelID   string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	State       *State `protobuf:"bytes,2,opt,name=state,proto3" json:"state"`
	Proposer    Role   `protobuf:"varint,3,opt,name=proposer,proto3" json:"proposer"`
	ProposerSig []byte `protobuf:"bytes,4,opt,name=proposer_sig,json=proposerSig,proto3" json:"proposer_sig"`
	AcceptorSig []byte `protobuf:"bytes,5,opt,name=acceptor_sig,json=acceptorSig,proto3" json:"acceptor_sig"`
}

func (m *Acceptance) Reset()         { *m = Acceptance{} }
func (m *Acceptance) String() string { return proto.CompactTextString(m) }
func (*Acceptance) ProtoMessage()    {}

// Validate checks the acceptance is complete.
func (m *Acceptance) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing acceptance")
	}
	if err := m.Proposal().Validate(); err != nil {
		return err
	}
	if len(m.AcceptorSig) == 0 {
		return errors.ErrInvalidSignature.New("missing acceptor signature")
	}
	return nil
}

// Proposal returns the proposal this acceptance answers.
func (m *Acceptance) Proposal() *Proposal {
	return &Proposal{
		ChannelID:   m.ChannelID,
		State:       m.State,
		Proposer:    m.Proposer,
		ProposerSig: m.ProposerSig,
	}
}

// Signed returns the co-signed state carried by this acceptance.
func (m *Acceptance) Signed() *SignedState {
	s := &SignedState{State: m.State}
	s.SetSig(m.Proposer, m.ProposerSig)
	s.SetSig(m.Proposer.Other(), m.AcceptorSig)
	return s
}

// Accept co-signs the proposal.
func (m *Proposal) Accept(sig []byte) *Acceptance {
	return &Acceptance{
		ChannelID:   m.ChannelID,
		State:       m.State,
		Proposer:    m.Proposer,
		ProposerSig: m.ProposerSig,
		AcceptorSig: sig,
	}
}

// CommitNotice announces a state committed to the Channel Store.
type CommitNotice struct {
	ChannelID string       `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	Signed    *SignedState `protobuf:"bytes,2,opt,name=signed,proto3" json:"signed"`
}

func (m *CommitNotice) Reset()         { *m = CommitNotice{} }
func (m *CommitNotice) String() string { return proto.CompactTextString(m) }
func (*CommitNotice) ProtoMessage()    {}

// Validate checks the notice is complete.
func (m *CommitNotice) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing commit notice")
	}
	if err := m.Signed.Validate(); err != nil {
		return err
	}
	if m.Signed.State.ChannelID != m.ChannelID {
		return errors.ErrInvalidInput.Newf("state of %q announced for %q", m.Signed.State.ChannelID, m.ChannelID)
	}
	return nil
}

// Rejection tells the proposer that its proposal at Nonce was refused. Code
// carries the registered error code of the reason.
type Rejection struct {
	ChannelID string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	Nonce     uint64 `protobuf:"varint,2,opt,name=nonce,proto3" json:"nonce"`
	Code      uint32 `protobuf:"varint,3,opt,name=code,proto3" json:"code"`
	Reason    string `protobuf:"bytes,4,opt,name=reason,proto3" json:"reason,omitempty"`
	Rejector  Role   `protobuf:"varint,5,opt,name=rejector,proto3" json:"rejector"`
	Signature []byte `protobuf:"bytes,6,opt,name=signature,proto3" json:"signature"`
	// StateHash identifies the refused state. It is empty when the
	// proposal carried no usable state.
	StateHash []byte `protobuf:"bytes,7,opt,name=state_hash,json=stateHash,proto3" json:"state_hash,omitempty"`
}

func (m *Rejection) Reset()         { *m = Rejection{} }
func (m *Rejection) String() string { return proto.CompactTextString(m) }
func (*Rejection) ProtoMessage()    {}

// MaxReasonLength bounds the free text of a rejection.
const MaxReasonLength = 256

// StateHashLength is the size of a state hash, a sha256 digest.
const StateHashLength = 32

// Validate checks the rejection is complete.
func (m *Rejection) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing rejection")
	}
	if err := ValidateID(m.ChannelID); err != nil {
		return err
	}
	if err := m.Rejector.Validate(); err != nil {
		return errors.Wrap(err, "rejector")
	}
	if len(m.Reason) > MaxReasonLength {
		return errors.ErrInvalidInput.New("reason too long")
	}
	if n := len(m.StateHash); n != 0 && n != StateHashLength {
		return errors.ErrInvalidInput.Newf("state hash of %d bytes", n)
	}
	if len(m.Signature) == 0 {
		return errors.ErrInvalidSignature.New("missing rejector signature")
	}
	return nil
}

// Err returns the reason as an error of the transmitted kind.
func (m *Rejection) Err() error {
	return errors.Wrapf(errors.FromCode(m.Code), "rejected nonce %d: %s", m.Nonce, m.Reason)
}

// Closed announces that a channel left the protocol, either settled or
// abandoned. Receivers re-read the Channel Store.
type Closed struct {
	ChannelID string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	Nonce     uint64 `protobuf:"varint,2,opt,name=nonce,proto3" json:"nonce"`
	Abandoned bool   `protobuf:"varint,3,opt,name=abandoned,proto3" json:"abandoned,omitempty"`
}

func (m *Closed) Reset()         { *m = Closed{} }
func (m *Closed) String() string { return proto.CompactTextString(m) }
func (*Closed) ProtoMessage()    {}

// Validate checks the notice is complete.
func (m *Closed) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing closed notice")
	}
	return ValidateID(m.ChannelID)
}

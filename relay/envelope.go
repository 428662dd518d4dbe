/*
Package relay delivers protocol messages between the two parties of a
channel.

The relay is untrusted. It never looks inside payloads and never verifies
signatures. Delivery is at least once and FIFO per recipient. Every envelope
is identified by the hash of its payload, which recipients use to drop
duplicates. Messages stay queued until the recipient acknowledges them or a
retention window expires, in which case the sender receives a
delivery-failed notice and must re-synchronize from the Channel Store.
*/
package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/errors"
)

// Kind tells the recipient how to decode an envelope payload.
type Kind string

const (
	KindProposal       Kind = "proposal"
	KindAcceptance     Kind = "acceptance"
	KindCommitNotify   Kind = "commit-notify"
	KindRejection      Kind = "rejection"
	KindClosed         Kind = "closed"
	KindDeliveryFailed Kind = "delivery-failed"
	// KindFunded invites party b to a channel party a funded.
	KindFunded Kind = "funded"
	// KindFundingAccepted tells party a that party b funded its side.
	KindFundingAccepted Kind = "funding-accepted"
)

// Validate returns an error for unknown kinds.
func (k Kind) Validate() error {
	switch k {
	case KindProposal, KindAcceptance, KindCommitNotify, KindRejection, KindClosed, KindDeliveryFailed,
		KindFunded, KindFundingAccepted:
		return nil
	}
	return errors.ErrInvalidInput.Newf("unknown envelope kind %q", string(k))
}

// Envelope is the unit of delivery.
type Envelope struct {
	ChannelID   string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	Kind        Kind   `protobuf:"bytes,2,opt,name=kind,proto3" json:"kind"`
	From        []byte `protobuf:"bytes,3,opt,name=from,proto3" json:"from"`
	To          []byte `protobuf:"bytes,4,opt,name=to,proto3" json:"to"`
	Payload     []byte `protobuf:"bytes,5,opt,name=payload,proto3" json:"payload"`
	PayloadHash []byte `protobuf:"bytes,6,opt,name=payload_hash,json=payloadHash,proto3" json:"payload_hash"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

// PayloadHash returns the content address of a payload.
func PayloadHash(payload []byte) []byte {
	h := sha256.Sum256(payload)
	return h[:]
}

// NewEnvelope serializes msg into an envelope from one party to another.
func NewEnvelope(channelID string, kind Kind, from, to paychan.Address, msg proto.Message) (*Envelope, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	env := &Envelope{
		ChannelID:   channelID,
		Kind:        kind,
		From:        from,
		To:          to,
		Payload:     payload,
		PayloadHash: PayloadHash(payload),
	}
	return env, env.Validate()
}

// Validate checks the envelope is routable and its hash matches the payload.
func (m *Envelope) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing envelope")
	}
	if err := channel.ValidateID(m.ChannelID); err != nil {
		return err
	}
	if err := m.Kind.Validate(); err != nil {
		return err
	}
	if err := paychan.Address(m.From).Validate(); err != nil {
		return errors.Wrap(err, "from")
	}
	if err := paychan.Address(m.To).Validate(); err != nil {
		return errors.Wrap(err, "to")
	}
	if !bytes.Equal(PayloadHash(m.Payload), m.PayloadHash) {
		return errors.ErrInvalidInput.New("payload hash mismatch")
	}
	return nil
}

// ID returns the hex encoded payload hash.
func (m *Envelope) ID() string {
	return hex.EncodeToString(m.PayloadHash)
}

// Decode unmarshals the payload into msg.
func (m *Envelope) Decode(msg proto.Message) error {
	if err := proto.Unmarshal(m.Payload, msg); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "decode %s payload: %s", m.Kind, err)
	}
	return nil
}

// DeliveryFailed tells a sender that an envelope expired before its
// recipient acknowledged it.
type DeliveryFailed struct {
	ChannelID   string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	Kind        string `protobuf:"bytes,2,opt,name=kind,proto3" json:"kind"`
	To          []byte `protobuf:"bytes,3,opt,name=to,proto3" json:"to"`
	PayloadHash []byte `protobuf:"bytes,4,opt,name=payload_hash,json=payloadHash,proto3" json:"payload_hash"`
}

func (m *DeliveryFailed) Reset()         { *m = DeliveryFailed{} }
func (m *DeliveryFailed) String() string { return proto.CompactTextString(m) }
func (*DeliveryFailed) ProtoMessage()    {}

// Sender hands envelopes to the relay.
type Sender interface {
	// Send queues env for its recipient. It returns once the relay took
	// ownership of the envelope. ErrDeliveryUncertain means the caller
	// cannot tell whether it did.
	Send(ctx context.Context, env *Envelope) error
}

// Subscription is the stream of envelopes addressed to one party.
type Subscription interface {
	// Deliveries yields envelopes in the order they were queued. The
	// channel is closed when the subscription ends.
	Deliveries() <-chan *Envelope
	// Ack removes a delivered envelope from the mailbox. Unacknowledged
	// envelopes are delivered again to the next subscription.
	Ack(payloadHash []byte) error
	Close() error
}

// Relay is a Sender that parties can subscribe to.
type Relay interface {
	Sender
	Subscribe(ctx context.Context, party paychan.Address) (Subscription, error)
}

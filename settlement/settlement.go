/*
Package settlement connects channels to the authoritative settlement layer.

The layer escrows the deposits of both parties and records the final state of
a channel. The Coordinator confirms funding into the Channel Store and submits
the canonical state when a channel ends. It never trusts the layer: a state
reported by it is verified before the store records it as the settled state
of the channel. The canonical history is left as it was, a settled state
newer than the local history is kept on the channel record only.

Funding is a handshake over the relay. Party a funds and sends a funded
notice, party b funds its side and answers with funding-accepted, and each
side confirms the channel in its own store. Notices only say where to look,
the funding record is always read back from the layer.
*/
package settlement

import (
	"context"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
)

// Layer is the client side of the settlement layer.
//
// Finalize must reject with ErrSettlementRejected any state whose nonce is
// not above the one already recorded for the channel. An unreachable layer
// reports ErrUnavailable.
type Layer interface {
	// Fund escrows the deposit of party a and opens the funding window
	// for party b.
	Fund(ctx context.Context, channelID string, keyA, keyB crypto.PublicKey, amount int64, duration time.Duration) error
	// CounterpartyFund escrows the deposit of party b.
	CounterpartyFund(ctx context.Context, channelID string, keyB crypto.PublicKey, amount int64) error
	// Funding returns the escrow record of a channel.
	Funding(ctx context.Context, channelID string) (*Funding, error)
	// Finalize records a final state.
	Finalize(ctx context.Context, final *channel.SignedState) error
	// Recorded returns the final state recorded for the channel or
	// ErrNotFound.
	Recorded(ctx context.Context, channelID string) (*channel.SignedState, error)
}

// Funding is the escrow record of a channel.
type Funding struct {
	ChannelID string `protobuf:"bytes,1,opt,name=channel_id,json=channelId,proto3" json:"channel_id"`
	KeyA      []byte `protobuf:"bytes,2,opt,name=key_a,json=keyA,proto3" json:"key_a"`
	KeyB      []byte `protobuf:"bytes,3,opt,name=key_b,json=keyB,proto3" json:"key_b"`
	DepositA  int64  `protobuf:"varint,4,opt,name=deposit_a,json=depositA,proto3" json:"deposit_a"`
	DepositB  int64  `protobuf:"varint,5,opt,name=deposit_b,json=depositB,proto3" json:"deposit_b"`
	// ExpiresAt is the unix time in nanoseconds after which party b can no
	// longer fund the channel.
	ExpiresAt          int64 `protobuf:"varint,6,opt,name=expires_at,json=expiresAt,proto3" json:"expires_at"`
	CounterpartyFunded bool  `protobuf:"varint,7,opt,name=counterparty_funded,json=counterpartyFunded,proto3" json:"counterparty_funded,omitempty"`
}

func (m *Funding) Reset()         { *m = Funding{} }
func (m *Funding) String() string { return proto.CompactTextString(m) }
func (*Funding) ProtoMessage()    {}

// Validate ensures the record is consistent.
func (m *Funding) Validate() error {
	if m == nil {
		return errors.ErrInvalidInput.New("missing funding")
	}
	if err := channel.ValidateID(m.ChannelID); err != nil {
		return err
	}
	if err := crypto.PublicKey(m.KeyA).Validate(); err != nil {
		return errors.Wrap(err, "key a")
	}
	if err := crypto.PublicKey(m.KeyB).Validate(); err != nil {
		return errors.Wrap(err, "key b")
	}
	if crypto.PublicKey(m.KeyA).Equals(m.KeyB) {
		return errors.ErrInvalidInput.New("a channel needs two distinct parties")
	}
	if m.DepositA <= 0 {
		return errors.ErrInvalidInput.Newf("deposit a %d", m.DepositA)
	}
	if m.DepositB < 0 {
		return errors.ErrInvalidInput.Newf("deposit b %d", m.DepositB)
	}
	if m.ExpiresAt <= 0 {
		return errors.ErrInvalidInput.New("missing expiry")
	}
	return nil
}

// Capital is the sum of both deposits.
func (m *Funding) Capital() int64 {
	return m.DepositA + m.DepositB
}

// Expired reports whether the funding window closed at now.
func (m *Funding) Expired(now time.Time) bool {
	return now.UnixNano() >= m.ExpiresAt
}

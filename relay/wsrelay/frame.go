/*
Package wsrelay exposes a relay over websocket connections.

A party connects to /subscribe?party=<address> and from then on receives
every envelope addressed to it as a deliver frame. The same connection is
used to send envelopes to the counterparty and to acknowledge deliveries.
Every send frame is answered with a result frame carrying the payload hash
of the envelope and, on failure, the error code.
*/
package wsrelay

import (
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
)

const (
	frameSend    = "send"
	frameAck     = "ack"
	frameDeliver = "deliver"
	frameResult  = "result"
)

type frame struct {
	Type     string          `json:"type"`
	Envelope *relay.Envelope `json:"envelope,omitempty"`
	Hash     []byte          `json:"hash,omitempty"`
	Code     uint32          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func resultFrame(hash []byte, err error) *frame {
	f := &frame{Type: frameResult, Hash: hash}
	if err != nil {
		f.Code = errors.Code(err)
		f.Error = err.Error()
	}
	return f
}

// err maps a result frame back to an error of the same kind.
func (f *frame) err() error {
	if f.Code == 0 {
		return nil
	}
	return errors.Wrap(errors.FromCode(f.Code), f.Error)
}

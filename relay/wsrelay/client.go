package wsrelay

import (
	"context"
	"encoding/hex"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
)

// DefaultSendTimeout bounds how long Send waits for the relay to confirm an
// envelope.
const DefaultSendTimeout = 10 * time.Second

// Client is the party side of a websocket relay connection. It is both the
// Sender and the Subscription of that party.
type Client struct {
	conn        *websocket.Conn
	party       paychan.Address
	sendTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan *frame

	out       chan *relay.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ relay.Sender       = (*Client)(nil)
	_ relay.Subscription = (*Client)(nil)
)

// Dial connects party to the relay served at endpoint, for example
// ws://localhost:8080.
func Dial(ctx context.Context, endpoint string, party paychan.Address, sendTimeout time.Duration) (*Client, error) {
	if err := party.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	u.Path = SubscribePath
	u.RawQuery = url.Values{"party": {party.String()}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnavailable, err.Error())
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	c := &Client{
		conn:        conn,
		party:       party,
		sendTimeout: sendTimeout,
		waiters:     make(map[string][]chan *frame),
		out:         make(chan *relay.Envelope, 16),
		done:        make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go c.readLoop()
	return c, nil
}

// Party returns the address this client subscribed as.
func (c *Client) Party() paychan.Address {
	return c.party
}

func (c *Client) write(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// Send hands env to the relay and waits for its answer. When no answer
// arrives in time ErrDeliveryUncertain is returned: the envelope may or may
// not be queued.
func (c *Client) Send(ctx context.Context, env *relay.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	key := hex.EncodeToString(env.PayloadHash)
	wait := make(chan *frame, 1)
	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], wait)
	c.mu.Unlock()
	defer c.forget(key, wait)

	if err := c.write(&frame{Type: frameSend, Envelope: env}); err != nil {
		return errors.Wrap(errors.ErrUnavailable, err.Error())
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case f := <-wait:
		return f.err()
	case <-timer.C:
		return errors.ErrDeliveryUncertain.Newf("no answer for %s", env.ID())
	case <-ctx.Done():
		return errors.Wrap(errors.ErrDeliveryUncertain, ctx.Err().Error())
	case <-c.done:
		return errors.ErrDeliveryUncertain.New("connection closed")
	}
}

func (c *Client) forget(key string, wait chan *frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	for i, w := range list {
		if w == wait {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.waiters, key)
	} else {
		c.waiters[key] = list
	}
}

// resolve hands a result to the oldest waiter of its hash.
func (c *Client) resolve(f *frame) {
	key := hex.EncodeToString(f.Hash)
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[key]
	if len(list) == 0 {
		return
	}
	list[0] <- f
	c.waiters[key] = list[1:]
}

func (c *Client) readLoop() {
	defer close(c.out)
	defer c.shutdown()

	c.conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case frameDeliver:
			if f.Envelope == nil {
				continue
			}
			select {
			case c.out <- f.Envelope:
			case <-c.done:
				return
			}
		case frameResult:
			c.resolve(&f)
		}
	}
}

// Deliveries yields envelopes addressed to the party of this client.
func (c *Client) Deliveries() <-chan *relay.Envelope {
	return c.out
}

// Ack confirms a delivery to the relay.
func (c *Client) Ack(payloadHash []byte) error {
	if err := c.write(&frame{Type: frameAck, Hash: payloadHash}); err != nil {
		return errors.Wrap(errors.ErrUnavailable, err.Error())
	}
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Close ends the connection. Unacknowledged envelopes stay queued on the
// relay.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown()
	return c.conn.Close()
}

// contextFor returns a context that is canceled when done is closed or the
// timeout passes.
func contextFor(done <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

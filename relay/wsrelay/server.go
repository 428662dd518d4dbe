package wsrelay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	// SubscribePath is where parties connect.
	SubscribePath = "/subscribe"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves a relay to websocket clients.
type Server struct {
	relay  relay.Relay
	logger log.Logger
}

// NewServer returns a handler serving r.
func NewServer(r relay.Relay, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{relay: r, logger: logger}
}

// Mux returns a mux with the subscribe endpoint registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(SubscribePath, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	party, err := paychan.ParseAddress(r.URL.Query().Get("party"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(party) == 0 {
		http.Error(w, "missing party", http.StatusBadRequest)
		return
	}

	sub, err := s.relay.Subscribe(r.Context(), party)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.logger.Error("websocket upgrade failed", "party", party, "err", err)
		return
	}

	c := &serverConn{
		conn:   conn,
		party:  party,
		relay:  s.relay,
		sub:    sub,
		logger: s.logger.With("party", party.String()),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

type serverConn struct {
	conn   *websocket.Conn
	party  paychan.Address
	relay  relay.Relay
	sub    relay.Subscription
	logger log.Logger

	// gorilla connections allow a single concurrent writer.
	writeMu sync.Mutex
	done    chan struct{}
}

func (c *serverConn) write(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *serverConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *serverConn) readLoop() {
	defer func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("read frame", "err", err)
			}
			return
		}
		switch f.Type {
		case frameSend:
			err := c.send(f.Envelope)
			var hash []byte
			if f.Envelope != nil {
				hash = f.Envelope.PayloadHash
			}
			if err := c.write(resultFrame(hash, err)); err != nil {
				return
			}
		case frameAck:
			if err := c.sub.Ack(f.Hash); err != nil {
				c.logger.Error("ack", "err", err)
				return
			}
		default:
			c.logger.Info("unknown frame", "type", f.Type)
		}
	}
}

func (c *serverConn) send(env *relay.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if !c.party.Equals(env.From) {
		return errors.ErrUnauthorized.Newf("connection of %s cannot send as %s", c.party, paychan.Address(env.From))
	}
	ctx, cancel := contextFor(c.done, writeWait)
	defer cancel()
	return c.relay.Send(ctx, env)
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.sub.Deliveries():
			if !ok {
				// Replaced by a newer connection of the same party.
				c.writeMu.Lock()
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
					time.Now().Add(writeWait))
				c.writeMu.Unlock()
				return
			}
			if err := c.write(&frame{Type: frameDeliver, Envelope: env}); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

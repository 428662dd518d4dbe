package relay

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	// DefaultRetention is how long an unacknowledged envelope is kept.
	DefaultRetention = 24 * time.Hour
	// DefaultQueueLimit is the maximum number of envelopes queued per party.
	DefaultQueueLimit = 1024

	deliveryBuffer = 16
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetention sets how long unacknowledged envelopes are kept.
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) {
		h.retention = d
	}
}

// WithQueueLimit bounds the mailbox of every party.
func WithQueueLimit(n int) HubOption {
	return func(h *Hub) {
		h.queueLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithRegisterer registers the hub metrics.
func WithRegisterer(r prometheus.Registerer) HubOption {
	return func(h *Hub) {
		h.registerer = r
	}
}

// WithClock sets the time source used for retention.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub is an in-process relay keeping one FIFO mailbox per party.
type Hub struct {
	retention  time.Duration
	queueLimit int
	now        func() time.Time
	logger     log.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
}

var _ Relay = (*Hub)(nil)

type queued struct {
	env      *Envelope
	enqueued time.Time
}

type mailbox struct {
	entries []*queued
	// cursor is the index of the next entry to hand to sub.
	cursor int
	sub    *hubSubscription
}

// NewHub returns an empty hub. Call Run to expire old envelopes.
func NewHub(opts ...HubOption) (*Hub, error) {
	h := &Hub{
		retention:  DefaultRetention,
		queueLimit: DefaultQueueLimit,
		now:        time.Now,
		logger:     log.NewNopLogger(),
		mailboxes:  make(map[string]*mailbox),
	}
	for _, fn := range opts {
		fn(h)
	}
	m, err := newMetrics(h.registerer)
	if err != nil {
		return nil, err
	}
	h.metrics = m
	return h, nil
}

func (h *Hub) box(party paychan.Address) *mailbox {
	mb, ok := h.mailboxes[party.Key()]
	if !ok {
		mb = &mailbox{}
		h.mailboxes[party.Key()] = mb
	}
	return mb
}

// Send queues env for its recipient. An envelope with the same payload
// hash still waiting in the mailbox is not queued twice.
func (h *Hub) Send(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.ErrUnavailable.New("relay closed")
	}
	mb := h.box(env.To)
	for _, q := range mb.entries {
		if bytes.Equal(q.env.PayloadHash, env.PayloadHash) {
			return nil
		}
	}
	if len(mb.entries) >= h.queueLimit {
		return errors.ErrUnavailable.Newf("mailbox of %s is full", paychan.Address(env.To))
	}
	mb.entries = append(mb.entries, &queued{env: env, enqueued: h.now()})
	h.metrics.queued.Inc()
	if mb.sub != nil {
		mb.sub.wake()
	}
	h.logger.Debug("envelope queued", "channel", env.ChannelID, "kind", env.Kind, "id", env.ID())
	return nil
}

// Subscribe starts streaming the mailbox of party. A previous subscription
// of the same party is closed and every unacknowledged envelope is
// delivered again from the start of the mailbox.
func (h *Hub) Subscribe(ctx context.Context, party paychan.Address) (Subscription, error) {
	if err := party.Validate(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.ErrUnavailable.New("relay closed")
	}
	mb := h.box(party)
	if mb.sub != nil {
		mb.sub.stop()
	}
	sub := &hubSubscription{
		id:     uuid.New(),
		hub:    h,
		party:  party,
		out:    make(chan *Envelope, deliveryBuffer),
		wakeC:  make(chan struct{}, 1),
		doneC:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	mb.sub = sub
	mb.cursor = 0
	go sub.pump()
	h.logger.Info("party subscribed", "party", party, "subscription", sub.id)
	return sub, nil
}

// next returns the next envelope for sub, or nil if there is none yet.
// ok is false once sub is no longer the active subscription.
func (h *Hub) next(sub *hubSubscription) (env *Envelope, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mb, found := h.mailboxes[sub.party.Key()]
	if !found || mb.sub != sub {
		return nil, false
	}
	if mb.cursor >= len(mb.entries) {
		return nil, true
	}
	env = mb.entries[mb.cursor].env
	mb.cursor++
	return env, true
}

func (h *Hub) ack(sub *hubSubscription, hash []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	mb, ok := h.mailboxes[sub.party.Key()]
	if !ok || mb.sub != sub {
		return errors.ErrUnavailable.New("subscription closed")
	}
	for i, q := range mb.entries {
		if !bytes.Equal(q.env.PayloadHash, hash) {
			continue
		}
		mb.remove(i)
		h.metrics.queued.Dec()
		return nil
	}
	// Acknowledging twice is harmless.
	return nil
}

func (mb *mailbox) remove(i int) {
	mb.entries = append(mb.entries[:i], mb.entries[i+1:]...)
	if i < mb.cursor {
		mb.cursor--
	}
}

func (h *Hub) unsubscribe(sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mb, ok := h.mailboxes[sub.party.Key()]; ok && mb.sub == sub {
		mb.sub = nil
		mb.cursor = 0
	}
	sub.stop()
}

// Expire drops every envelope older than the retention window and notifies
// its sender. It returns the number of dropped envelopes.
func (h *Hub) Expire() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	deadline := h.now().Add(-h.retention)
	var notices []*Envelope
	var dropped int
	for _, mb := range h.mailboxes {
		for i := 0; i < len(mb.entries); {
			q := mb.entries[i]
			if !q.enqueued.Before(deadline) {
				i++
				continue
			}
			mb.remove(i)
			dropped++
			h.metrics.queued.Dec()
			h.metrics.expired.Inc()
			h.logger.Info("envelope expired", "channel", q.env.ChannelID, "kind", q.env.Kind, "id", q.env.ID())

			// Notices about notices would never end.
			if q.env.Kind == KindDeliveryFailed {
				continue
			}
			notice, err := NewEnvelope(q.env.ChannelID, KindDeliveryFailed, q.env.To, q.env.From, &DeliveryFailed{
				ChannelID:   q.env.ChannelID,
				Kind:        string(q.env.Kind),
				To:          q.env.To,
				PayloadHash: q.env.PayloadHash,
			})
			if err != nil {
				h.logger.Error("cannot build delivery failed notice", "err", err)
				continue
			}
			notices = append(notices, notice)
		}
	}
	for _, n := range notices {
		mb := h.box(n.To)
		if len(mb.entries) >= h.queueLimit {
			h.logger.Error("dropping delivery failed notice, mailbox full", "party", paychan.Address(n.To))
			continue
		}
		mb.entries = append(mb.entries, &queued{env: n, enqueued: h.now()})
		h.metrics.queued.Inc()
		if mb.sub != nil {
			mb.sub.wake()
		}
	}
	return dropped
}

// Run expires envelopes every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Expire()
		}
	}
}

// Queued returns the number of envelopes waiting for party.
func (h *Hub) Queued(party paychan.Address) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mb, ok := h.mailboxes[party.Key()]; ok {
		return len(mb.entries)
	}
	return 0
}

// Close ends every subscription. Queued envelopes are dropped.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, mb := range h.mailboxes {
		if mb.sub != nil {
			mb.sub.stop()
			mb.sub = nil
		}
	}
	return nil
}

type hubSubscription struct {
	id    uuid.UUID
	hub   *Hub
	party paychan.Address
	out   chan *Envelope
	wakeC chan struct{}
	// doneC is closed to stop the pump, closed is closed once it stopped.
	doneC    chan struct{}
	closed   chan struct{}
	stopOnce sync.Once
}

func (s *hubSubscription) wake() {
	select {
	case s.wakeC <- struct{}{}:
	default:
	}
}

func (s *hubSubscription) stop() {
	s.stopOnce.Do(func() { close(s.doneC) })
}

func (s *hubSubscription) pump() {
	defer close(s.closed)
	defer close(s.out)
	for {
		env, ok := s.hub.next(s)
		if !ok {
			return
		}
		if env == nil {
			select {
			case <-s.wakeC:
				continue
			case <-s.doneC:
				return
			}
		}
		select {
		case s.out <- env:
		case <-s.doneC:
			return
		}
	}
}

func (s *hubSubscription) Deliveries() <-chan *Envelope {
	return s.out
}

func (s *hubSubscription) Ack(payloadHash []byte) error {
	return s.hub.ack(s, payloadHash)
}

func (s *hubSubscription) Close() error {
	s.hub.unsubscribe(s)
	<-s.closed
	return nil
}

package engine

import (
	"context"
	"time"

	"github.com/iov-one/paychan/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	// DefaultProposalTimeout is how long a local proposal waits for an
	// answer before it reverts.
	DefaultProposalTimeout = 30 * time.Second
	// DefaultSeenCacheSize bounds the number of remembered envelope ids.
	DefaultSeenCacheSize = 1 << 16
)

// Option configures an Engine.
type Option func(*config)

type config struct {
	timeout    time.Duration
	policy     Policy
	logger     log.Logger
	registerer prometheus.Registerer
	seenSize   int64
	handlers   map[relay.Kind]Handler
}

func defaultConfig() config {
	return config{
		timeout:  DefaultProposalTimeout,
		policy:   AlwaysAccept,
		logger:   log.NewNopLogger(),
		seenSize: DefaultSeenCacheSize,
	}
}

// WithProposalTimeout sets how long a local proposal may stay unanswered.
func WithProposalTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPolicy sets the policy deciding on incoming proposals.
func WithPolicy(p Policy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithRegisterer registers the engine metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		c.registerer = r
	}
}

// WithSeenCacheSize bounds the envelope deduplication cache.
func WithSeenCacheSize(n int64) Option {
	return func(c *config) {
		c.seenSize = n
	}
}

// Handler runs an envelope kind outside the update protocol, such as the
// funding handshake.
type Handler func(ctx context.Context, env *relay.Envelope) error

// WithHandler hands envelopes of kind to h. The kinds of the update
// protocol always run in the engine.
func WithHandler(kind relay.Kind, h Handler) Option {
	return func(c *config) {
		if c.handlers == nil {
			c.handlers = make(map[relay.Kind]Handler)
		}
		c.handlers[kind] = h
	}
}

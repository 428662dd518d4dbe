package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/config"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/engine"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
	"github.com/iov-one/paychan/relay/wsrelay"
	"github.com/iov-one/paychan/settlement"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	"golang.org/x/sync/errgroup"
)

func newNodeCmd(a *app) *cobra.Command {
	var apiAddr string
	var finalizeOnExit bool
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the node of the local party",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runNode(ctx, apiAddr, finalizeOnExit)
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:8481", "address of the control API")
	cmd.Flags().BoolVar(&finalizeOnExit, "finalize-on-exit", false, "settle every open channel on shutdown")
	return cmd
}

func policy(name string) (engine.Policy, error) {
	switch name {
	case config.PolicyAlways:
		return engine.AlwaysAccept, nil
	case config.PolicyRejectIfPending:
		return engine.RejectIfPending, nil
	case config.PolicyOnlyIncoming:
		return engine.OnlyIncoming, nil
	}
	return nil, errors.ErrInvalidInput.Newf("accept policy %q", name)
}

func (a *app) runNode(ctx context.Context, apiAddr string, finalizeOnExit bool) error {
	key, err := crypto.LoadOrCreateKey(a.cfg.KeyFile)
	if err != nil {
		return err
	}
	self := key.PublicKey().Address()
	logger := a.logger.With("party", self.String())

	st, releaseStore, err := openStore(a.cfg.Store, logger)
	if err != nil {
		return err
	}
	defer releaseStore()
	ldg, releaseLedger, err := openLayer(a.cfg.Settlement, logger)
	if err != nil {
		return err
	}
	defer releaseLedger()

	accept, err := policy(a.cfg.Engine.AcceptPolicy)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	conn := &relayConn{
		endpoint: a.cfg.Relay.Endpoint,
		party:    self,
		logger:   logger.With("module", "relay"),
	}
	coord, err := settlement.NewCoordinator(ldg, st, conn, key.PublicKey(),
		settlement.WithRetries(a.cfg.Settlement.Retries),
		settlement.WithBackoff(a.cfg.Settlement.Backoff),
		settlement.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	eng, err := engine.New(key, st, conn,
		engine.WithProposalTimeout(a.cfg.Engine.ProposalTimeout),
		engine.WithPolicy(accept),
		engine.WithSeenCacheSize(a.cfg.Engine.SeenCacheSize),
		engine.WithLogger(logger),
		engine.WithRegisterer(reg),
		engine.WithHandler(relay.KindFunded, coord.Handle),
		engine.WithHandler(relay.KindFundingAccepted, coord.Handle),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	halted, err := eng.Resume(ctx)
	if err != nil {
		return err
	}
	if len(halted) > 0 {
		logger.Error("channels halted, reconcile them by hand", "channels", halted)
	}

	mux := (&api{
		self:        self,
		engine:      eng,
		coordinator: coord,
		store:       st,
		wait:        a.cfg.Engine.ProposalTimeout,
		logger:      logger.With("module", "api"),
	}).routes()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.run(gctx, eng)
	})
	g.Go(func() error {
		return serve(gctx, &http.Server{Addr: apiAddr, Handler: mux}, logger.With("module", "api"))
	})
	err = g.Wait()

	if finalizeOnExit {
		fctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, ferr := coord.FinalizeAll(fctx); ferr != nil {
			logger.Error("finalize on exit", "err", ferr)
		}
	}
	return err
}

// relayConn keeps the node connected to the relay. Envelopes sent while
// disconnected fail with ErrUnavailable and the engine recovers them with
// a store read.
type relayConn struct {
	endpoint string
	party    paychan.Address
	logger   log.Logger

	mu     sync.Mutex
	client *wsrelay.Client
}

var _ relay.Sender = (*relayConn)(nil)

func (r *relayConn) Send(ctx context.Context, env *relay.Envelope) error {
	r.mu.Lock()
	c := r.client
	r.mu.Unlock()
	if c == nil {
		return errors.ErrUnavailable.New("relay not connected")
	}
	return c.Send(ctx, env)
}

func (r *relayConn) set(c *wsrelay.Client) {
	r.mu.Lock()
	r.client = c
	r.mu.Unlock()
}

// run serves the relay deliveries with eng until ctx is done, dialing again
// whenever the connection drops.
func (r *relayConn) run(ctx context.Context, eng *engine.Engine) error {
	for {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		var client *wsrelay.Client
		dial := func() error {
			c, err := wsrelay.Dial(ctx, r.endpoint, r.party, 0)
			if err != nil {
				return err
			}
			client = c
			return nil
		}
		notify := func(err error, wait time.Duration) {
			r.logger.Info("relay unreachable", "wait", wait, "err", err)
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.logger.Info("relay connected", "endpoint", r.endpoint)

		r.set(client)
		err := eng.Serve(ctx, client)
		r.set(nil)
		client.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Info("relay connection lost", "err", err)
	}
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/relay"
	"github.com/iov-one/paychan/relay/wsrelay"
	"github.com/iov-one/paychan/settlement/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
)

const shutdownTimeout = 5 * time.Second

// ledgerPrefix is where the relay serves the shared settlement ledger.
const ledgerPrefix = "/ledger"

func newRelayCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the websocket relay and the settlement ledger both parties connect to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runRelay(ctx)
		},
	}
}

func (a *app) runRelay(ctx context.Context) error {
	logger := a.logger.With("module", "relay")
	reg := prometheus.NewRegistry()
	hub, err := relay.NewHub(
		relay.WithRetention(a.cfg.Relay.Retention),
		relay.WithQueueLimit(a.cfg.Relay.QueueLimit),
		relay.WithLogger(logger),
		relay.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}
	defer hub.Close()
	go hub.Run(ctx, a.cfg.Relay.ExpireInterval)

	ldg, releaseLedger, err := openLedger(a.cfg.Settlement.LedgerPath, a.logger.With("module", "ledger"))
	if err != nil {
		return err
	}
	defer releaseLedger()

	mux := wsrelay.NewServer(hub, logger).Mux()
	mux.Handle(ledgerPrefix+"/", http.StripPrefix(ledgerPrefix, ledger.NewHandler(ldg, a.logger.With("module", "ledger"))))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return serve(ctx, &http.Server{Addr: a.cfg.Relay.Bind, Handler: mux}, logger)
}

// serve runs srv until ctx is done and then shuts it down.
func serve(ctx context.Context, srv *http.Server, logger log.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(errors.ErrUnavailable, err.Error())
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

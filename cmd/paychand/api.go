package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/iov-one/paychan"
	"github.com/iov-one/paychan/chanstore"
	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/engine"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/settlement"
	"github.com/tendermint/tendermint/libs/log"
)

// api is the control surface of a node used by the local wallet.
type api struct {
	self        paychan.Address
	engine      *engine.Engine
	coordinator *settlement.Coordinator
	store       chanstore.Reader
	// wait bounds how long a payment request waits for the counterparty.
	wait   time.Duration
	logger log.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /channels", a.list)
	mux.HandleFunc("GET /channels/{id}", a.get)
	mux.HandleFunc("GET /channels/{id}/history", a.history)
	mux.HandleFunc("POST /channels/{id}/fund", a.fund)
	mux.HandleFunc("POST /channels/{id}/counterparty-fund", a.counterpartyFund)
	mux.HandleFunc("GET /invitations", a.invitations)
	mux.HandleFunc("POST /channels/{id}/confirm", a.confirm)
	mux.HandleFunc("POST /channels/{id}/pay", a.pay)
	mux.HandleFunc("POST /channels/{id}/finalize", a.finalize)
	return mux
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	chans, err := a.store.List(r.Context(), a.self)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := make([]channelView, 0, len(chans))
	for _, ch := range chans {
		phase, err := a.engine.Phase(r.Context(), ch.ID)
		if err != nil {
			a.fail(w, err)
			return
		}
		out = append(out, viewChannel(ch, phase))
	}
	a.reply(w, http.StatusOK, out)
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	a.replyChannel(w, r.Context(), r.PathValue("id"), http.StatusOK)
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	history, err := a.store.History(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.reply(w, http.StatusOK, viewHistory(history))
}

type fundRequest struct {
	Counterparty crypto.PublicKey `json:"counterparty,omitempty"`
	Deposit      int64            `json:"deposit"`
	// Window is how long the counterparty has to fund, as in "24h".
	Window string `json:"window,omitempty"`
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "decode body: %s", err)
	}
	return nil
}

func (a *api) fund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		a.fail(w, errors.Wrapf(errors.ErrInvalidInput, "window: %s", err))
		return
	}
	f, err := a.coordinator.Fund(r.Context(), r.PathValue("id"), req.Counterparty, req.Deposit, window)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.reply(w, http.StatusCreated, f)
}

func (a *api) counterpartyFund(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fundRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if _, err := a.coordinator.CounterpartyFund(r.Context(), id, req.Deposit); err != nil {
		a.fail(w, err)
		return
	}
	a.replyChannel(w, r.Context(), id, http.StatusCreated)
}

func (a *api) invitations(w http.ResponseWriter, r *http.Request) {
	a.reply(w, http.StatusOK, a.coordinator.Invitations(time.Now()))
}

func (a *api) confirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.coordinator.ConfirmFunding(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	a.replyChannel(w, r.Context(), id, http.StatusCreated)
}

type payRequest struct {
	Amount int64 `json:"amount"`
	// Request asks the counterparty to pay instead.
	Request bool `json:"request,omitempty"`
}

func (a *api) pay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req payRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, err)
		return
	}
	ch, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	payer := ch.RoleOfAddress(a.self)
	if payer == channel.RoleNone {
		a.fail(w, errors.ErrUnauthorized.Newf("not a member of channel %q", id))
		return
	}
	if req.Request {
		payer = payer.Other()
	}

	p, err := a.engine.Propose(r.Context(), id, req.Amount, channel.DirectionFrom(payer))
	if err != nil {
		a.fail(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.wait)
	defer cancel()
	committed, err := p.Wait(ctx)
	if err != nil {
		// The proposal keeps running until its own timeout. Nothing is
		// lost, the caller reads the channel again.
		a.fail(w, err)
		return
	}
	a.reply(w, http.StatusOK, viewState(committed))
}

func (a *api) finalize(w http.ResponseWriter, r *http.Request) {
	final, err := a.coordinator.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	a.reply(w, http.StatusOK, viewState(final))
}

func (a *api) replyChannel(w http.ResponseWriter, ctx context.Context, id string, status int) {
	ch, err := a.store.Get(ctx, id)
	if err != nil {
		a.fail(w, err)
		return
	}
	phase, err := a.engine.Phase(ctx, id)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.reply(w, status, viewChannel(ch, phase))
}

func (a *api) reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("write response", "err", err)
	}
}

type errorView struct {
	Error string `json:"error"`
	Code  uint32 `json:"code"`
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
	}
	a.reply(w, status, errorView{Error: err.Error(), Code: errors.Code(err)})
}

func statusOf(err error) int {
	switch {
	case errors.ErrNotFound.Is(err):
		return http.StatusNotFound
	case errors.ErrUnauthorized.Is(err):
		return http.StatusForbidden
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.ErrProposalInFlight.Is(err), errors.ErrRaceLost.Is(err),
		errors.ErrChannelClosed.Is(err), errors.ErrInvalidState.Is(err),
		errors.ErrConflict.Is(err), errors.ErrDuplicate.Is(err):
		return http.StatusConflict
	case errors.ErrUnavailable.Is(err), errors.ErrDeliveryUncertain.Is(err),
		errors.ErrTimeout.Is(err), errors.ErrSettlementRejected.Is(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iov-one/paychan/channel"
	"github.com/iov-one/paychan/crypto"
	"github.com/iov-one/paychan/errors"
	"github.com/iov-one/paychan/settlement"
	"github.com/tendermint/tendermint/libs/log"
)

// Paths served by NewHandler, relative to where it is mounted.
const (
	pathFund             = "/fund"
	pathCounterpartyFund = "/counterparty-fund"
	pathFunding          = "/funding/"
	pathFinalize         = "/finalize"
	pathRecorded         = "/recorded/"
)

type fundRequest struct {
	ChannelID string        `json:"channel_id"`
	KeyA      []byte        `json:"key_a,omitempty"`
	KeyB      []byte        `json:"key_b"`
	Amount    int64         `json:"amount"`
	Duration  time.Duration `json:"duration,omitempty"`
}

type errorReply struct {
	Error string `json:"error"`
	Code  uint32 `json:"code"`
}

// NewHandler serves layer over http so both parties of a channel share
// one settlement layer.
func NewHandler(layer settlement.Layer, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &handler{layer: layer, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+pathFund, h.fund)
	mux.HandleFunc("POST "+pathCounterpartyFund, h.counterpartyFund)
	mux.HandleFunc("GET "+pathFunding+"{id}", h.funding)
	mux.HandleFunc("POST "+pathFinalize, h.finalize)
	mux.HandleFunc("GET "+pathRecorded+"{id}", h.recorded)
	return mux
}

type handler struct {
	layer  settlement.Layer
	logger log.Logger
}

func (h *handler) fund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.layer.Fund(r.Context(), req.ChannelID, req.KeyA, req.KeyB, req.Amount, req.Duration)
	h.reply(w, nil, err)
}

func (h *handler) counterpartyFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.layer.CounterpartyFund(r.Context(), req.ChannelID, req.KeyB, req.Amount)
	h.reply(w, nil, err)
}

func (h *handler) funding(w http.ResponseWriter, r *http.Request) {
	f, err := h.layer.Funding(r.Context(), r.PathValue("id"))
	h.reply(w, f, err)
}

func (h *handler) finalize(w http.ResponseWriter, r *http.Request) {
	var final channel.SignedState
	if !h.decode(w, r, &final) {
		return
	}
	h.reply(w, nil, h.layer.Finalize(r.Context(), &final))
}

func (h *handler) recorded(w http.ResponseWriter, r *http.Request) {
	s, err := h.layer.Recorded(r.Context(), r.PathValue("id"))
	h.reply(w, s, err)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.reply(w, nil, errors.Wrapf(errors.ErrInvalidInput, "decode body: %s", err))
		return false
	}
	return true
}

func (h *handler) reply(w http.ResponseWriter, v interface{}, err error) {
	status := http.StatusOK
	if err != nil {
		code := errors.Code(err)
		switch {
		case !errors.FromCode(code).Is(err):
			// Not a ledger decision, the caller may try again.
			h.logger.Error("ledger request", "err", err)
			status, code = http.StatusInternalServerError, errors.Code(errors.ErrUnavailable)
		case errors.ErrNotFound.Is(err):
			status = http.StatusNotFound
		case errors.IsValidation(err):
			status = http.StatusBadRequest
		default:
			status = http.StatusConflict
		}
		v = errorReply{Error: err.Error(), Code: code}
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("write ledger response", "err", err)
	}
}

// Client is a settlement.Layer served by NewHandler at endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ settlement.Layer = (*Client)(nil)

// NewClient returns a client of the ledger served at endpoint. Every call
// is bounded by timeout.
func NewClient(endpoint string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.ErrInvalidInput.Newf("ledger endpoint %q", endpoint)
	}
	if timeout <= 0 {
		return nil, errors.ErrInvalidInput.Newf("ledger timeout %s", timeout)
	}
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Fund(ctx context.Context, channelID string, keyA, keyB crypto.PublicKey, amount int64, duration time.Duration) error {
	req := &fundRequest{ChannelID: channelID, KeyA: keyA, KeyB: keyB, Amount: amount, Duration: duration}
	return c.do(ctx, http.MethodPost, pathFund, req, nil)
}

func (c *Client) CounterpartyFund(ctx context.Context, channelID string, keyB crypto.PublicKey, amount int64) error {
	req := &fundRequest{ChannelID: channelID, KeyB: keyB, Amount: amount}
	return c.do(ctx, http.MethodPost, pathCounterpartyFund, req, nil)
}

func (c *Client) Funding(ctx context.Context, channelID string) (*settlement.Funding, error) {
	var f settlement.Funding
	if err := c.do(ctx, http.MethodGet, pathFunding+url.PathEscape(channelID), nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) Finalize(ctx context.Context, final *channel.SignedState) error {
	if final == nil {
		return errors.ErrInvalidInput.New("missing final state")
	}
	return c.do(ctx, http.MethodPost, pathFinalize, final, nil)
}

func (c *Client) Recorded(ctx context.Context, channelID string) (*channel.SignedState, error) {
	var s channel.SignedState
	if err := c.do(ctx, http.MethodGet, pathRecorded+url.PathEscape(channelID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// do sends body as json and decodes the reply into out. Failures reported
// by the ledger keep their error code, a ledger that cannot be reached is
// ErrUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(errors.ErrInvalidInput, err.Error())
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return errors.Wrap(errors.ErrInvalidInput, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(errors.ErrUnavailable, "decode ledger reply: %s", err)
		}
		return nil
	}
	var e errorReply
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == 0 {
		return errors.ErrUnavailable.Newf("ledger replied %s", resp.Status)
	}
	return errors.Wrap(errors.FromCode(e.Code), e.Error)
}

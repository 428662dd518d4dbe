package engine

import (
	"github.com/iov-one/paychan/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Proposal results reported by paychan_proposals_total.
const (
	resultCommitted = "committed"
	resultRejected  = "rejected"
	resultRaceLost  = "race_lost"
	resultTimeout   = "timeout"
	resultCanceled  = "canceled"
	resultFailed    = "failed"
)

type metrics struct {
	proposals *prometheus.CounterVec
	commits   prometheus.Counter
	racesLost prometheus.Counter
	pending   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paychan",
			Name:      "proposals_total",
			Help:      "Local proposals by outcome.",
		}, []string{"result"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychan",
			Name:      "commits_total",
			Help:      "States committed to the Channel Store by this engine.",
		}),
		racesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychan",
			Name:      "races_lost_total",
			Help:      "Proposals that lost the commit race.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paychan",
			Name:      "pending_proposals",
			Help:      "Local proposals waiting for an answer.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.proposals, m.commits, m.racesLost, m.pending} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
		}
	}
	return m, nil
}

// outcome maps the result of a local proposal to its metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return resultCommitted
	case errors.ErrRaceLost.Is(err):
		return resultRaceLost
	case errors.ErrTimeout.Is(err):
		return resultTimeout
	case errors.ErrCanceled.Is(err):
		return resultCanceled
	case errors.Code(err) != 1 && !errors.ErrUnavailable.Is(err) && !errors.ErrDeliveryUncertain.Is(err):
		return resultRejected
	}
	return resultFailed
}

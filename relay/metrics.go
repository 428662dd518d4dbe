package relay

import (
	"github.com/iov-one/paychan/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	queued  prometheus.Gauge
	expired prometheus.Counter
}

// newMetrics builds the hub collectors and registers them with reg when it
// is not nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "paychan",
			Subsystem: "relay",
			Name:      "queued_messages",
			Help:      "Envelopes waiting for acknowledgement.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "paychan",
			Subsystem: "relay",
			Name:      "expired_total",
			Help:      "Envelopes dropped after the retention window.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.queued, m.expired} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
		}
	}
	return m, nil
}

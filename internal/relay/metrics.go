package relay

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Transport label values.
const (
	transportOnce   = "once"
	transportStream = "stream"
)

var (
	relayReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Chat turns relayed to the processor, by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)

	relayLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Time from relay start to final reply or end of stream.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"transport"},
	)

	relayStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_inflight",
			Help: "Processor streams currently open.",
		},
	)
)

func init() {
	prometheus.MustRegister(relayReqs, relayLat, relayStreams)
}

// observe records one finished relay. outcome is "ok", "canceled" or an
// error code.
func observe(transport string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "canceled"
	case err != nil:
		outcome = KindOf(err).Code()
	}
	relayReqs.WithLabelValues(transport, outcome).Inc()
	relayLat.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}

package promclient

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

var logger = log.With().Str("component", "promclient").Logger()

var BookLastSequenceGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orderbook_last_sequence",
		Help: "sequence cursor of the local order book mirror",
	},
)

var ConnectionStateGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orderbook_connection_state",
		Help: "transport lifecycle state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	},
)

var PingLatencyGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "orderbook_ping_latency_ms",
		Help: "last sampled websocket ping round trip in milliseconds",
	},
)

var MergeCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orderbook_merges_total",
		Help: "successful depth update merges",
	},
)

var ResyncCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "orderbook_resyncs_total",
		Help: "full resyncs forced by gaps, crossed books, overflows or reconnects",
	},
)

// RecordConnectionStatus maps the lifecycle reading onto the gauges.
func RecordConnectionStatus(status domain.ConnectionStatus) {
	states := map[domain.ConnState]float64{
		domain.ConnState_Disconnected: 0,
		domain.ConnState_Connecting:   1,
		domain.ConnState_Connected:    2,
		domain.ConnState_Reconnecting: 3,
	}

	ConnectionStateGauge.Set(states[status.State])
	PingLatencyGauge.Set(float64(status.Latency.Milliseconds()))
}

func StartPromClientServer(addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		BookLastSequenceGauge,
		ConnectionStateGauge,
		PingLatencyGauge,
		MergeCounter,
		ResyncCounter,
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("prometheus server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("failed to serve metrics")
	}
}

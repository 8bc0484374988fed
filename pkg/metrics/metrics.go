// Package metrics exposes the process-wide prometheus collectors.
// Everything is registered on the default registry and served by the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSConnections tracks currently registered websocket viewers.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botchat_ws_connections",
		Help: "Number of live websocket connections.",
	})

	// ExchangesTotal counts finished message exchanges by outcome
	// (completed or failed).
	ExchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botchat_exchanges_total",
		Help: "Message exchanges by terminal outcome.",
	}, []string{"outcome"})

	// DeltasTotal counts streamed text deltas across all exchanges.
	DeltasTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botchat_deltas_total",
		Help: "Incremental completion deltas received from upstream.",
	})
)

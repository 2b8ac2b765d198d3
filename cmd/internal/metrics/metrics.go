// Package metrics exposes Courier's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_messages_published_total",
		Help: "Chat messages successfully appended to the durable log",
	})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_publish_failures_total",
		Help: "Chat messages dropped because the durable-log append failed",
	})

	RecordsRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_records_relayed_total",
		Help: "Log records delivered to the local gateway fan-out",
	})

	RecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_records_skipped_total",
		Help: "Log records skipped because they could not be decoded",
	})

	ConsumerPollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_consumer_poll_errors_total",
		Help: "Transient poll failures in the relay consumer loop",
	})

	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courier_connected_clients",
		Help: "Live websocket connections registered on this instance",
	})

	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "courier_deliveries_dropped_total",
		Help: "Per-connection deliveries dropped due to a full send queue",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesPublished,
		PublishFailures,
		RecordsRelayed,
		RecordsSkipped,
		ConsumerPollErrors,
		ConnectedClients,
		DeliveriesDropped,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

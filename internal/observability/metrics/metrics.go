package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	MessagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_enqueued_total",
			Help: "Messages durably accepted into the delivery queue.",
		},
		[]string{"service"},
	)

	MessagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Messages confirmed delivered, by delivery trigger.",
		},
		[]string{"service", "trigger"},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_attempts_total",
			Help: "Transport send attempts, by result.",
		},
		[]string{"service", "result"},
	)

	DrainBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_drain_batch_size",
			Help:    "Number of pending messages delivered per drain.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"service"},
	)

	ConnectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connection_events_total",
			Help: "Connection registry events (connect, disconnect, supersede, stale).",
		},
		[]string{"service", "event"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Token validation attempts, by method and result.",
		},
		[]string{"service", "method", "result"},
	)

	DirectoryUsersSyncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_directory_users_synced_total",
			Help: "Presence records seeded from the identity directory.",
		},
		[]string{"service"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	MessagesEnqueuedTotal = MessagesEnqueuedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessagesDeliveredTotal = MessagesDeliveredTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DeliveryAttemptsTotal = DeliveryAttemptsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DrainBatchSize = DrainBatchSize.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	ConnectionEventsTotal = ConnectionEventsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	AuthAttemptsTotal = AuthAttemptsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DirectoryUsersSyncedTotal = DirectoryUsersSyncedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		MessagesEnqueuedTotal,
		MessagesDeliveredTotal,
		DeliveryAttemptsTotal,
		DrainBatchSize,
		ConnectionEventsTotal,
		AuthAttemptsTotal,
		DirectoryUsersSyncedTotal,
	)
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphastudio_webhook_events_total",
		Help: "Inbound provider notifications by final status",
	}, []string{"status"})

	TopupsSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphastudio_topups_settled_total",
		Help: "Topups credited to accounts, automatic and manual together",
	})

	CreditsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphastudio_credits_granted_total",
		Help: "Credits granted to accounts through settlements",
	})

	TransactionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alphastudio_transactions_swept_total",
		Help: "Pending topups timed out by the sweeper",
	})

	WebhookProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alphastudio_webhook_processing_duration_seconds",
		Help:    "Time from webhook intake to the final event status",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alphastudio_http_requests_total",
		Help: "HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alphastudio_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})
)

// Handler exposes the default registry for the /metrics route
func Handler() http.Handler {
	return promhttp.Handler()
}

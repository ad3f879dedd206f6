package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "requests_created_total", Help: "Service requests created"})
	OfferRounds     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "offer_rounds_total", Help: "Broadcast offer rounds started"})
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "offers_sent_total", Help: "Offer events sent to providers"})
	Acceptances     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "acceptances_total", Help: "Provider acceptances collected"})
	RequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "requests_accepted_total", Help: "Requests finalized with a provider"})
	RequestsNoProvider = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "requests_no_provider_total", Help: "Requests ended without a provider"})
	RestingPersistFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "resting_persist_failures_total", Help: "Shift-end resting position writes that failed"})

	ProvidersOnDuty = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "nearby_dispatch", Name: "providers_onduty", Help: "Providers currently on duty"})

	CollectionWindowSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "nearby_dispatch",
		Name:      "collection_window_seconds",
		Help:      "Time from first acceptance to finalize",
		Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 10},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "nearby_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nearby_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

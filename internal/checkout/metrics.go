package checkout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCommitted   = "committed"
	outcomeReplayed    = "replayed"
	outcomeValidation  = "validation"
	outcomeEmptyCart   = "empty_cart"
	outcomeOutOfStock  = "out_of_stock"
	outcomeConflict    = "conflict"
	outcomePersistence = "persistence"
)

type Metrics struct {
	placements *prometheus.CounterVec
	duration   prometheus.Histogram
	retries    prometheus.Counter
	published  *prometheus.CounterVec
}

// NewMetrics registers the checkout collectors on reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		placements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront", Subsystem: "checkout",
			Name: "placements_total", Help: "Order placement attempts by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "storefront", Subsystem: "checkout",
			Name: "placement_duration_seconds", Help: "End-to-end placeOrder latency.",
			Buckets: prometheus.DefBuckets,
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "storefront", Subsystem: "checkout",
			Name: "conflict_retries_total", Help: "Transactions retried after a storage conflict.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront", Subsystem: "checkout",
			Name: "events_published_total", Help: "Order events handed to the producer.",
		}, []string{"topic", "outcome"}),
	}
}

package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})

	deliveriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "notify",
		Name:      "deliveries_skipped_total",
		Help:      "Deliveries skipped because the endpoint circuit is open.",
	})
)

func init() {
	prometheus.MustRegister(deliveries, deliveriesSkipped)
}

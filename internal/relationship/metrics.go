package relationship

import "github.com/prometheus/client_golang/prometheus"

var edgesUpserted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "graph",
		Name:      "edges_upserted_total",
		Help:      "Relationship edge upserts by relationship type.",
	},
	[]string{"relationship_type"},
)

func init() {
	prometheus.MustRegister(edgesUpserted)
}

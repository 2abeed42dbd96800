package cluster

import "github.com/prometheus/client_golang/prometheus"

var (
	evaluations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "cluster",
		Name:      "evaluations_total",
		Help:      "Component evaluations run.",
	})
	clustersDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "cluster",
		Name:      "detected_total",
		Help:      "Qualifying fraud clusters alerted on.",
	})
)

func init() {
	prometheus.MustRegister(evaluations, clustersDetected)
}

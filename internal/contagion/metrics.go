package contagion

import "github.com/prometheus/client_golang/prometheus"

var propagations = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "trustwire",
	Subsystem: "contagion",
	Name:      "propagations_total",
	Help:      "NETWORK_CONTAGION signals written.",
})

func init() {
	prometheus.MustRegister(propagations)
}

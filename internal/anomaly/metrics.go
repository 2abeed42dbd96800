package anomaly

import "github.com/prometheus/client_golang/prometheus"

var breaches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "anomaly",
		Name:      "breaches_total",
		Help:      "Threshold breaches by rule.",
	},
	[]string{"rule"},
)

func init() {
	prometheus.MustRegister(breaches)
}

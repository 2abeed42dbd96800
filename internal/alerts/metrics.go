package alerts

import "github.com/prometheus/client_golang/prometheus"

var alertsRaised = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Alerts raised by type and severity.",
	},
	[]string{"alert_type", "severity"},
)

func init() {
	prometheus.MustRegister(alertsRaised)
}

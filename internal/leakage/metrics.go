package leakage

import "github.com/prometheus/client_golang/prometheus"

var (
	funnelsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustwire",
		Subsystem: "leakage",
		Name:      "funnels_opened_total",
		Help:      "Fresh stage-1 funnel instances created.",
	})
	stageAdvances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustwire",
			Subsystem: "leakage",
			Name:      "stage_advances_total",
			Help:      "Funnel stage transitions by stage reached.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(funnelsOpened, stageAdvances)
}

package transport

import "github.com/prometheus/client_golang/prometheus"

var LinkRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "transport",
	Name:      "records",
}, []string{"direction", "type"})

var LinkCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "fabric",
	Subsystem: "transport",
	Name:      "links",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{LinkRecords, LinkCount}
}

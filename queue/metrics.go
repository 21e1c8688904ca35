package queue

import "github.com/prometheus/client_golang/prometheus"

var QueuePushed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "queue",
	Name:      "pushed",
}, []string{"queue"})

var QueuePopped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "queue",
	Name:      "popped",
}, []string{"queue"})

var QueueRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fabric",
	Subsystem: "queue",
	Name:      "refused",
}, []string{"queue"})

var QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "fabric",
	Subsystem: "queue",
	Name:      "depth",
}, []string{"queue"})

var CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "fabric",
	Subsystem: "queue",
	Name:      "command_duration_ms",
	Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
}, []string{"worker"})

// Collectors lists the queue metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{QueuePushed, QueuePopped, QueueRefused, QueueDepth, CommandDuration}
}

func pushed(name string, depth int) {
	if name == "" {
		return
	}
	QueuePushed.WithLabelValues(name).Inc()
	QueueDepth.WithLabelValues(name).Set(float64(depth))
}

func popped(name string, depth int) {
	if name == "" {
		return
	}
	QueuePopped.WithLabelValues(name).Inc()
	QueueDepth.WithLabelValues(name).Set(float64(depth))
}

func refused(name string) {
	if name != "" {
		QueueRefused.WithLabelValues(name).Inc()
	}
}

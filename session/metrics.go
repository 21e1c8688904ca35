package session

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commits   prometheus.Counter
	routed    prometheus.Counter
	baselines prometheus.Counter
	resyncs   prometheus.Counter
	failures  *prometheus.CounterVec
	objects   prometheus.Gauge
	slaves    prometheus.Gauge
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"session": name}
	counter := func(n string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fabric",
			Subsystem:   "session",
			Name:        n,
			ConstLabels: labels,
		})
	}
	gauge := func(n string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fabric",
			Subsystem:   "session",
			Name:        n,
			ConstLabels: labels,
		})
	}
	return &metrics{
		commits:   counter("commits"),
		routed:    counter("routed_diffs"),
		baselines: counter("baselines_sent"),
		resyncs:   counter("resyncs"),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "fabric",
			Subsystem:   "session",
			Name:        "delivery_failures",
			ConstLabels: labels,
		}, []string{"reason"}),
		objects: gauge("objects"),
		slaves:  gauge("slaves"),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.commits, m.routed, m.baselines, m.resyncs, m.failures, m.objects, m.slaves,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

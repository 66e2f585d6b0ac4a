// Package metrics holds the process-wide Prometheus collectors. Collectors
// are package variables so hot paths can use them without plumbing; Reset
// rebuilds them for tests.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "tempmail"

var once sync.Once

func init() {
	build()
}

func build() {
	buildHTTP()
	buildMail()
	buildStats()
	buildSMTP()
}

func all() []prometheus.Collector {
	var list []prometheus.Collector
	list = append(list, httpCollectors()...)
	list = append(list, mailCollectors()...)
	list = append(list, statsCollectors()...)
	return append(list, smtpCollectors()...)
}

// Init registers every collector with the default registry, plus the Go
// runtime and process collectors. Later calls are no-ops.
func Init() {
	once.Do(func() {
		for _, c := range all() {
			_ = prometheus.Register(c)
		}
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Reset unregisters everything Init registered and builds fresh, unregistered
// collectors.
func Reset() {
	for _, c := range all() {
		prometheus.Unregister(c)
	}
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	once = sync.Once{}
	build()
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func histogram(name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

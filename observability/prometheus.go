package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory that registers Prometheus collectors.
// Dotted names become underscored, so "entitle.usage.recorded" is exported
// as entitle_usage_recorded_total.
type PrometheusFactory struct {
	reg prometheus.Registerer
}

// NewPrometheusFactory registers collectors with reg, or with the default
// registerer when reg is nil.
func NewPrometheusFactory(reg prometheus.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusFactory{reg: reg}
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// Counter registers a counter. Registering the same name twice returns the
// collector already registered.
func (f *PrometheusFactory) Counter(name string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricName(name) + "_total",
		Help: "entitle " + strings.ReplaceAll(name, ".", " ") + ".",
	})
	return register(f.reg, c)
}

// Histogram registers a histogram with the default buckets.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricName(name),
		Help:    "entitle " + strings.ReplaceAll(name, ".", " ") + ".",
		Buckets: prometheus.DefBuckets,
	})
	return register(f.reg, h)
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

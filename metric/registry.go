// Package metric provides Prometheus metrics registration and serving for
// RelayCore components.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/relaycore/errors"
)

// Registrar defines the interface for registering component-specific metrics
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ Registrar = (*Registry)(nil)

// NewRegistry creates a new metrics registry with core platform metrics and
// Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.Core = newCoreMetrics()
	r.Core.register(r.prometheusRegistry)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// RegisterCounter registers a counter metric for a component
func (r *Registry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a component
func (r *Registry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, "RegisterGauge", gauge)
}

// RegisterCounterVec registers a counter vector metric for a component
func (r *Registry) RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error {
	return r.register(component, name, "RegisterCounterVec", vec)
}

// RegisterGaugeVec registers a gauge vector metric for a component
func (r *Registry) RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error {
	return r.register(component, name, "RegisterGaugeVec", vec)
}

// RegisterHistogramVec registers a histogram vector metric for a component
func (r *Registry) RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error {
	return r.register(component, name, "RegisterHistogramVec", vec)
}

// Unregister removes a metric from the registry
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registered, key)
	}
	return success
}

func (r *Registry) register(component, name, op string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", op,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", op, "register with prometheus")
	}

	r.registered[key] = collector
	return nil
}

// Package metrics exposes object-model counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "objcore"

// Metrics is the set of collectors one runtime reports into. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	AttrCacheLookups   *prometheus.CounterVec
	MethodCacheLookups *prometheus.CounterVec
	ShapesCreated      prometheus.Counter
	Devolutions        prometheus.Counter
	ClassInvalidations prometheus.Counter
	WeakrefCallbacks   *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. Use a fresh
// prometheus.NewRegistry() per runtime in tests to avoid duplicate
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		AttrCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attr_cache",
			Name:      "lookups_total",
			Help:      "Attribute resolution cache lookups by result",
		}, []string{"result"}),
		MethodCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "method_cache",
			Name:      "lookups_total",
			Help:      "Method cache lookups by result",
		}, []string{"result"}),
		ShapesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shapes_created_total",
			Help:      "Shape nodes created, terminators included",
		}),
		Devolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devolutions_total",
			Help:      "Instance dictionaries devolved to generic mappings",
		}),
		ClassInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "class_invalidations_total",
			Help:      "Version tags replaced, cascades included",
		}),
		WeakrefCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "weakref",
			Name:      "callbacks_total",
			Help:      "Weak reference callbacks by state (scheduled, run)",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{
		m.AttrCacheLookups, m.MethodCacheLookups, m.ShapesCreated,
		m.Devolutions, m.ClassInvalidations, m.WeakrefCallbacks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AttrLookup records an attribute cache lookup.
func (m *Metrics) AttrLookup(hit bool) {
	if m == nil {
		return
	}
	m.AttrCacheLookups.WithLabelValues(result(hit)).Inc()
}

// MethodLookup records a method cache lookup.
func (m *Metrics) MethodLookup(hit bool) {
	if m == nil {
		return
	}
	m.MethodCacheLookups.WithLabelValues(result(hit)).Inc()
}

func (m *Metrics) ShapeCreated() {
	if m == nil {
		return
	}
	m.ShapesCreated.Inc()
}

func (m *Metrics) Devolved() {
	if m == nil {
		return
	}
	m.Devolutions.Inc()
}

// Invalidated records n replaced version tags.
func (m *Metrics) Invalidated(n int) {
	if m == nil {
		return
	}
	m.ClassInvalidations.Add(float64(n))
}

func (m *Metrics) CallbackScheduled() {
	if m == nil {
		return
	}
	m.WeakrefCallbacks.WithLabelValues("scheduled").Inc()
}

func (m *Metrics) CallbackRun() {
	if m == nil {
		return
	}
	m.WeakrefCallbacks.WithLabelValues("run").Inc()
}

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

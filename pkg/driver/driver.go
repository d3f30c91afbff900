package driver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/nooga/objcore/pkg/config"
	"github.com/nooga/objcore/pkg/ctxlog"
	"github.com/nooga/objcore/pkg/errors"
	"github.com/nooga/objcore/pkg/hierarchy"
	"github.com/nooga/objcore/pkg/metrics"
	"github.com/nooga/objcore/pkg/vm"
)

// Session wires one runtime to its configuration, logger and metrics
// registry. Classes loaded into a session stay linked for its lifetime, so
// several files can be loaded one after another.
type Session struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	rt       *vm.Runtime
}

// NewSession creates a session with a fresh runtime and a private
// Prometheus registry. A nil logger discards everything.
func NewSession(cfg config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = ctxlog.Discard()
	}
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	rt, err := vm.NewRuntime(cfg, vm.WithLogger(logger), vm.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, logger: logger, registry: reg, metrics: m, rt: rt}, nil
}

func (s *Session) Runtime() *vm.Runtime           { return s.rt }
func (s *Session) Registry() *prometheus.Registry { return s.registry }
func (s *Session) Logger() *slog.Logger           { return s.logger }

// Load links the hierarchy files under paths into the session's runtime.
// The hierarchy is returned even when some classes failed, together with
// every problem found.
func (s *Session) Load(ctx context.Context, paths ...string) (*hierarchy.Hierarchy, []errors.ObjcoreError) {
	ctx = ctxlog.WithLogger(ctx, s.logger)
	h, err := hierarchy.Load(ctx, s.rt, paths...)
	return h, errors.Collect(err)
}

// DisplayResult prints errs with their source lines. It returns true when
// there was nothing to report.
func (s *Session) DisplayResult(w io.Writer, h *hierarchy.Hierarchy, errs []errors.ObjcoreError) bool {
	if len(errs) == 0 {
		return true
	}
	var sources map[string][]byte
	if h != nil {
		sources = h.Sources
	}
	errors.DisplayErrors(w, sources, errs)
	return false
}

// MRO returns the linearization of the class called name.
func (s *Session) MRO(h *hierarchy.Hierarchy, name string) ([]string, error) {
	cls, ok := h.Class(s.rt, name)
	if !ok {
		if _, declared := h.Decls[name]; declared {
			return nil, fmt.Errorf("class %q failed to load", name)
		}
		return nil, fmt.Errorf("unknown class %q", name)
	}
	m, err := s.rt.ComputeMRO(cls)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(m))
	for i, c := range m {
		names[i] = c.Name()
	}
	return names, nil
}

// Exercise puts every loaded class through a short workload so the caches
// and counters have something to report: two instances per class, one
// write and two reads of every instance attribute, a lookup of every class
// attribute, and a weak reference that is finalized at the end.
func (s *Session) Exercise(h *hierarchy.Hierarchy) error {
	return s.rt.Do(func(rt *vm.Runtime) error {
		for _, name := range h.Order {
			cls := h.Classes[name]
			for i := range 2 {
				inst, err := rt.New(cls)
				if err != nil {
					return err
				}
				for _, attr := range instanceAttrs(cls) {
					if err := rt.SetAttr(inst, attr, i); err != nil {
						return fmt.Errorf("%s.%s: %w", name, attr, err)
					}
					for range 2 {
						if v, ok := rt.GetAttr(inst, attr); !ok || v != i {
							return fmt.Errorf("%s.%s: read back %v, want %d", name, attr, v, i)
						}
					}
				}
				for _, m := range classAttrs(cls) {
					if _, ok := rt.GetAttr(inst, m); !ok {
						return fmt.Errorf("%s.%s: class attribute not found", name, m)
					}
				}
				if cls.Weakrefable() {
					ref, err := rt.MakeWeakRef(inst, func(*vm.WeakRef) {})
					if err != nil {
						return err
					}
					rt.Finalize(inst)
					if ref.Alive() {
						return fmt.Errorf("%s: weak reference outlived finalization", name)
					}
				}
			}
		}
		rt.RunPendingCallbacks()
		return nil
	})
}

// instanceAttrs lists the slots of cls along its MRO, plus a free-form
// attribute when instances have a dictionary.
func instanceAttrs(cls *vm.Class) []string {
	var out []string
	for _, c := range cls.MRO() {
		for _, slot := range c.Slots() {
			if !slices.Contains(out, slot) {
				out = append(out, slot)
			}
		}
	}
	if cls.HasDict() {
		out = append(out, "probe")
	}
	return out
}

func classAttrs(cls *vm.Class) []string {
	var out []string
	for _, c := range cls.MRO() {
		for _, n := range c.OwnNames() {
			if v, _ := c.Lookup(n); v != nil {
				if _, isSlot := v.(*vm.SlotMember); !isSlot {
					out = append(out, n)
				}
			}
		}
	}
	return out
}

// PrintCacheStats writes the runtime's cache statistics.
func (s *Session) PrintCacheStats(w io.Writer) {
	s.rt.PrintCacheStats(w)
}

// WritePrometheus dumps the session's registry in the Prometheus text
// exposition format.
func (s *Session) WritePrometheus(w io.Writer) error {
	families, err := s.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// indent formats a step result for the scenario transcript.
func indent(lines ...string) string {
	return "  " + strings.Join(lines, "\n  ") + "\n"
}

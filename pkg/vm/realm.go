package vm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nooga/objcore/pkg/config"
	"github.com/nooga/objcore/pkg/ctxlog"
	"github.com/nooga/objcore/pkg/metrics"
)

// Runtime is an isolated object-model context. It owns the identity token
// allocator, both caches, the root class and the weak reference registry.
// Nothing is shared between runtimes.
//
// A runtime has a single logical mutator. Do serializes callers that share a
// runtime across goroutines; the only state touched from elsewhere is the
// weak reference registry and callback queue, which the collector's cleanup
// goroutine reaches.
type Runtime struct {
	id      uuid.UUID
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	hasher  Hasher

	lastID atomic.Uint64

	attrCache   *AttrCache
	methodCache *MethodCache

	object *Class

	weak      *weakRegistry
	scheduler Scheduler

	stats              CacheStats
	callbacksScheduled atomic.Uint64

	mu sync.Mutex
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger for structural events. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// WithMetrics reports counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithHasher replaces DefaultHasher for generic mapping keys.
func WithHasher(h Hasher) Option {
	return func(rt *Runtime) { rt.hasher = h }
}

// WithScheduler replaces the default callback Queue.
func WithScheduler(s Scheduler) Option {
	return func(rt *Runtime) { rt.scheduler = s }
}

// NewRuntime creates a runtime with its root class.
func NewRuntime(cfg config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{
		id:        uuid.New(),
		cfg:       cfg,
		logger:    ctxlog.Discard(),
		hasher:    DefaultHasher,
		weak:      newWeakRegistry(),
		scheduler: NewQueue(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With("runtime", rt.id.String())
	if cfg.AttrCacheEnabled {
		rt.attrCache = newAttrCache(cfg.AttrCacheBits)
	}
	if cfg.MethodCacheEnabled {
		rt.methodCache = newMethodCache(cfg.MethodCacheBits)
	}

	object, err := rt.NewClass(ClassSpec{
		Name:      "object",
		NoDict:    true,
		NoWeakref: true,
		Layout:    config.LayoutBoxed,
	})
	if err != nil {
		return nil, fmt.Errorf("creating root class: %w", err)
	}
	rt.object = object
	rt.logger.Debug("runtime created",
		"attr_cache", cfg.AttrCacheEnabled, "method_cache", cfg.MethodCacheEnabled,
		"verify_caches", cfg.VerifyCaches, "default_layout", cfg.DefaultLayout)
	return rt, nil
}

func (rt *Runtime) ID() uuid.UUID         { return rt.id }
func (rt *Runtime) Config() config.Config { return rt.cfg }
func (rt *Runtime) Logger() *slog.Logger  { return rt.logger }
func (rt *Runtime) Hasher() Hasher        { return rt.hasher }
func (rt *Runtime) Scheduler() Scheduler  { return rt.scheduler }

// Object returns the root class.
func (rt *Runtime) Object() *Class { return rt.object }

// Do runs fn holding the runtime's lock.
func (rt *Runtime) Do(fn func(rt *Runtime) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return fn(rt)
}

// nextID allocates an identity token. Tokens start at 1 so that zeroed cache
// entries never match.
func (rt *Runtime) nextID() uint64 { return rt.lastID.Add(1) }

func (rt *Runtime) newTag() *VersionTag { return &VersionTag{id: rt.nextID()} }

func (rt *Runtime) shapeCreated() {
	rt.stats.ShapesCreated++
	rt.metrics.ShapeCreated()
}

// LiveLifelines returns the number of instances with registered weak
// references that have not been finalized.
func (rt *Runtime) LiveLifelines() int { return rt.weak.len() }

package vm

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"weak"

	objerrors "github.com/nooga/objcore/pkg/errors"
)

// WeakRef is a weak reference to an instance. Once the instance is
// finalized the reference is dead and Get returns nil.
type WeakRef struct {
	target   weak.Pointer[Instance]
	targetID uint64
	callback func(*WeakRef)
	dead     atomic.Bool
}

// Get returns the referent, or nil when it has been finalized.
func (w *WeakRef) Get() *Instance {
	if w.dead.Load() {
		return nil
	}
	return w.target.Value()
}

// Alive reports whether the referent is still reachable.
func (w *WeakRef) Alive() bool { return w.Get() != nil }

// TargetID returns the id of the instance the reference was made for.
func (w *WeakRef) TargetID() uint64 { return w.targetID }

func (w *WeakRef) HasCallback() bool { return w.callback != nil }

// Proxy is a weak reference that stands in for its referent and fails once
// the referent is gone.
type Proxy struct {
	*WeakRef
}

// Target returns the referent or a WeakRefError for a dead proxy.
func (p *Proxy) Target() (*Instance, error) {
	if inst := p.Get(); inst != nil {
		return inst, nil
	}
	return nil, &objerrors.WeakRefError{Msg: "weakly-referenced object no longer exists"}
}

// lifeline is the per-instance record of weak references. It never points
// at the instance itself.
type lifeline struct {
	id    uint64
	refs  []weak.Pointer[WeakRef] // creation order
	plain weak.Pointer[WeakRef]   // cached callback-less reference
	proxy weak.Pointer[Proxy]     // cached callback-less proxy
	swept bool
}

// weakRegistry maps instance ids to lifelines. It is the only object-model
// state touched from the collector's cleanup goroutine, hence the lock.
type weakRegistry struct {
	mu    sync.Mutex
	table map[uint64]*lifeline
}

func newWeakRegistry() *weakRegistry {
	return &weakRegistry{table: make(map[uint64]*lifeline)}
}

func (r *weakRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// Scheduler queues weak reference callbacks until the mutator runs them.
// Enqueue may be called from any goroutine.
type Scheduler interface {
	Enqueue(fn func())
	// Drain removes and returns the queued callbacks in FIFO order.
	Drain() []func()
	Len() int
}

// Queue is the default Scheduler: a FIFO queue guarded by a mutex.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

func NewQueue() *Queue { return &Queue{} }

func (q *Queue) Enqueue(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
}

func (q *Queue) Drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	fns := q.pending
	q.pending = nil
	return fns
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// lifelineOf returns the lifeline of inst, creating and registering it when
// create is set.
func (rt *Runtime) lifelineOf(inst *Instance, create bool) *lifeline {
	obj := inst.store
	if v, ok := obj.shape().read(obj, weakrefKey); ok && v != nil {
		return v.(*lifeline)
	}
	if !create {
		return nil
	}
	ll := &lifeline{id: inst.id}
	rt.writeAttr(inst, weakrefKey, ll)
	rt.weak.mu.Lock()
	rt.weak.table[inst.id] = ll
	rt.weak.mu.Unlock()
	if rt.cfg.CollectorCleanup {
		runtime.AddCleanup(inst, rt.sweep, inst.id)
	}
	return ll
}

func (rt *Runtime) checkWeakrefable(inst *Instance) error {
	cls := inst.Class()
	if !cls.weakrefable {
		return &objerrors.WeakRefError{Class: cls.name, Msg: "cannot create weak reference to '" + cls.name + "' object"}
	}
	return nil
}

// MakeWeakRef returns a weak reference to inst. Without a callback the
// same reference is returned while it lives.
func (rt *Runtime) MakeWeakRef(inst *Instance, callback func(*WeakRef)) (*WeakRef, error) {
	if err := rt.checkWeakrefable(inst); err != nil {
		return nil, err
	}
	ll := rt.lifelineOf(inst, true)
	rt.weak.mu.Lock()
	defer rt.weak.mu.Unlock()
	if callback == nil {
		if w := ll.plain.Value(); w != nil {
			return w, nil
		}
	}
	w := rt.newWeakRef(ll, inst, callback)
	if callback == nil {
		ll.plain = weak.Make(w)
	}
	return w, nil
}

// MakeProxy returns a weak proxy to inst, reusing the callback-less proxy.
func (rt *Runtime) MakeProxy(inst *Instance, callback func(*WeakRef)) (*Proxy, error) {
	if err := rt.checkWeakrefable(inst); err != nil {
		return nil, err
	}
	ll := rt.lifelineOf(inst, true)
	rt.weak.mu.Lock()
	defer rt.weak.mu.Unlock()
	if callback == nil {
		if p := ll.proxy.Value(); p != nil {
			return p, nil
		}
	}
	p := &Proxy{WeakRef: rt.newWeakRef(ll, inst, callback)}
	if callback == nil {
		ll.proxy = weak.Make(p)
	}
	return p, nil
}

// newWeakRef must be called with rt.weak.mu held.
func (rt *Runtime) newWeakRef(ll *lifeline, inst *Instance, callback func(*WeakRef)) *WeakRef {
	w := &WeakRef{target: weak.Make(inst), targetID: inst.id, callback: callback}
	if ll.swept {
		w.dead.Store(true)
		return w
	}
	ll.refs = slices.DeleteFunc(ll.refs, func(wp weak.Pointer[WeakRef]) bool { return wp.Value() == nil })
	ll.refs = append(ll.refs, weak.Make(w))
	return w
}

// WeakRefCount returns the number of live weak references to inst.
func (rt *Runtime) WeakRefCount(inst *Instance) int {
	ll := rt.lifelineOf(inst, false)
	if ll == nil {
		return 0
	}
	rt.weak.mu.Lock()
	defer rt.weak.mu.Unlock()
	n := 0
	for _, wp := range ll.refs {
		if w := wp.Value(); w != nil && !w.dead.Load() {
			n++
		}
	}
	return n
}

// Finalize runs the finalization of inst now instead of waiting for the
// collector: its weak references die and their callbacks are queued.
func (rt *Runtime) Finalize(inst *Instance) {
	rt.sweep(inst.id)
}

// sweep kills the weak references registered for id and queues their
// callbacks, newest reference first. It may run on the collector's cleanup
// goroutine.
func (rt *Runtime) sweep(id uint64) {
	rt.weak.mu.Lock()
	ll := rt.weak.table[id]
	delete(rt.weak.table, id)
	var refs []*WeakRef
	if ll != nil && !ll.swept {
		ll.swept = true
		for _, wp := range ll.refs {
			if w := wp.Value(); w != nil {
				refs = append(refs, w)
			}
		}
		ll.refs = nil
	}
	rt.weak.mu.Unlock()
	if ll == nil {
		return
	}

	scheduled := 0
	for _, w := range slices.Backward(refs) {
		w.dead.Store(true)
		if w.callback == nil {
			continue
		}
		rt.scheduler.Enqueue(func() { w.callback(w) })
		scheduled++
	}
	rt.callbacksScheduled.Add(uint64(scheduled))
	for range scheduled {
		rt.metrics.CallbackScheduled()
	}
	rt.logger.Debug("lifeline swept", "instance", id, "refs", len(refs), "callbacks", scheduled)
}

// RunPendingCallbacks runs queued weak reference callbacks on the calling
// goroutine until the queue is empty and returns how many ran. A panicking
// callback is logged and does not stop the others.
func (rt *Runtime) RunPendingCallbacks() int {
	ran := 0
	for {
		fns := rt.scheduler.Drain()
		if len(fns) == 0 {
			return ran
		}
		for _, fn := range fns {
			rt.runCallback(fn)
			ran++
			rt.stats.CallbacksRun++
			rt.metrics.CallbackRun()
		}
	}
}

func (rt *Runtime) runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Warn("exception ignored in weak reference callback", "panic", r)
		}
	}()
	fn()
}

// Package region implements a process-local, weight bounded LRU cache index
// with loader support and lifecycle notifications
package region

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

type (
	// Key is the constraint for keys stored inside a Region. The string
	// representation must be unique per key as it is used to coalesce
	// concurrent loads.
	Key interface {
		comparable
		fmt.Stringer
	}

	// Loader fills a missing entry
	Loader[K Key, V comparable] interface {
		Load(ctx context.Context, key K) (V, error)
	}

	// LoaderFunc adapts a plain function to the Loader interface
	LoaderFunc[K Key, V comparable] func(ctx context.Context, key K) (V, error)

	// Weigher returns the capacity weight of a value
	Weigher[V comparable] func(V) int64

	// Region is a bounded cache index. The sum of the weights of all
	// retained values never exceeds MaxEntries.
	Region[K Key, V comparable] struct {
		name       string
		maxEntries int64
		weigh      Weigher[V]

		mu        sync.Mutex
		lru       *list.List
		items     map[K]*list.Element
		inflight  map[K]*loadState
		weight    int64
		listeners []Listener[K, V]

		loads singleflight.Group
	}

	entry[K Key, V comparable] struct {
		key    K
		value  V
		weight int64
	}

	loadState struct {
		invalidated bool
	}
)

// Load implements the Loader interface
func (l LoaderFunc[K, V]) Load(ctx context.Context, key K) (V, error) { return l(ctx, key) }

// New creates an empty region. Values are weighed using the given
// weigher, a nil weigher counts every value as 1.
func New[K Key, V comparable](name string, maxEntries int64, weigh Weigher[V]) *Region[K, V] {
	if weigh == nil {
		weigh = func(V) int64 { return 1 }
	}

	return &Region[K, V]{
		name:       name,
		maxEntries: maxEntries,
		weigh:      weigh,
		lru:        list.New(),
		items:      make(map[K]*list.Element),
		inflight:   make(map[K]*loadState),
	}
}

// AddListener registers a lifecycle listener. Listeners are called
// synchronously after the region lock has been released.
func (r *Region[K, V]) AddListener(fn Listener[K, V]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, fn)
}

// Name returns the name of the region as passed to listeners
func (r *Region[K, V]) Name() string { return r.name }

// MaxEntries returns the maximum total weight the region retains
func (r *Region[K, V]) MaxEntries() int64 { return r.maxEntries }

// Len returns the number of retained entries
func (r *Region[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}

// Weight returns the summed weight of all retained entries
func (r *Region[K, V]) Weight() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.weight
}

// Get returns the retained value for the key without loading it
func (r *Region[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lookup(key)
}

// GetWithLoader returns the retained value for the key or invokes the
// loader to fill the miss. Concurrent misses on the same key share one
// loader invocation which runs detached from the cancellation of the
// caller starting it: a caller whose context ends stops waiting, the load
// continues for the others. A loaded value which cannot be retained is
// still returned to the caller after the miss-load-discarded event was
// dispatched for it. Loader errors are returned as-is.
func (r *Region[K, V]) GetWithLoader(ctx context.Context, key K, loader Loader[K, V]) (V, error) {
	if v, ok := r.Get(key); ok {
		return v, nil
	}

	// The shared load must outlive a cancelled first caller
	loadCtx := context.WithoutCancel(ctx)

	ch := r.loads.DoChan(key.String(), func() (any, error) {
		r.mu.Lock()
		if v, ok := r.lookup(key); ok {
			r.mu.Unlock()
			return v, nil
		}
		state := &loadState{}
		r.inflight[key] = state
		r.mu.Unlock()

		v, err := loader.Load(loadCtx, key)

		r.mu.Lock()
		delete(r.inflight, key)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}

		var (
			events []Event[K, V]
			result = v
		)

		switch existing, ok := r.lookup(key); {
		case ok:
			// Someone inserted the key while we were loading
			events = append(events, r.event(EventMissLoadDiscarded, key, v))
			result = existing

		case state.invalidated:
			events = append(events, r.event(EventMissLoadDiscarded, key, v))

		default:
			events = r.insert(key, v)
		}
		r.mu.Unlock()

		r.dispatch(events)
		return result, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Put inserts a value without invoking a loader. Returns whether the value
// was retained: an existing value for the key or an oversized value lead
// to the miss-load-discarded event for the given value.
func (r *Region[K, V]) Put(key K, value V) bool {
	r.mu.Lock()
	var events []Event[K, V]
	if _, ok := r.items[key]; ok {
		events = append(events, r.event(EventMissLoadDiscarded, key, value))
	} else {
		events = r.insert(key, value)
	}
	r.mu.Unlock()

	r.dispatch(events)
	return len(events) == 0 || events[0].Type == EventAdded
}

// Invalidate removes the entry for the key. Loads currently in flight for
// the key will not be retained.
func (r *Region[K, V]) Invalidate(key K) bool {
	return r.remove(key, true, func(V) bool { return true })
}

// InvalidateValue removes the entry for the key only when the retained
// value is the given value. Loads in flight are not affected.
func (r *Region[K, V]) InvalidateValue(key K, value V) bool {
	return r.remove(key, false, func(v V) bool { return v == value })
}

func (r *Region[K, V]) remove(key K, cancelLoads bool, match func(V) bool) bool {
	r.mu.Lock()
	if state, ok := r.inflight[key]; ok && cancelLoads {
		state.invalidated = true
	}

	elem, ok := r.items[key]
	if !ok || !match(elem.Value.(*entry[K, V]).value) {
		r.mu.Unlock()
		return false
	}

	e := r.unlink(elem)
	r.mu.Unlock()

	r.dispatch([]Event[K, V]{r.event(EventRemoved, key, e.value)})
	return true
}

// insert must be called with the lock held
func (r *Region[K, V]) insert(key K, value V) []Event[K, V] {
	w := r.weigh(value)
	if w > r.maxEntries {
		return []Event[K, V]{r.event(EventMissLoadDiscarded, key, value)}
	}

	r.items[key] = r.lru.PushFront(&entry[K, V]{key: key, value: value, weight: w})
	r.weight += w

	events := []Event[K, V]{r.event(EventAdded, key, value)}
	for r.weight > r.maxEntries && r.lru.Len() > 1 {
		e := r.unlink(r.lru.Back())
		events = append(events, r.event(EventEvicted, e.key, e.value))
	}

	return events
}

// lookup must be called with the lock held
func (r *Region[K, V]) lookup(key K) (V, bool) {
	elem, ok := r.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	r.lru.MoveToFront(elem)
	return elem.Value.(*entry[K, V]).value, true
}

// unlink must be called with the lock held
func (r *Region[K, V]) unlink(elem *list.Element) *entry[K, V] {
	e := r.lru.Remove(elem).(*entry[K, V])
	delete(r.items, e.key)
	r.weight -= e.weight
	return e
}

func (r *Region[K, V]) event(t EventType, key K, value V) Event[K, V] {
	return Event[K, V]{Type: t, Key: key, Value: value, Region: r.name}
}

func (r *Region[K, V]) dispatch(events []Event[K, V]) {
	if len(events) == 0 {
		return
	}

	r.mu.Lock()
	listeners := make([]Listener[K, V], len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

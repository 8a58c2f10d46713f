package region

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey string

func (k testKey) String() string { return string(k) }

type testValue struct {
	name   string
	weight int64
}

func weighTestValue(v *testValue) int64 { return v.weight }

type recorder struct {
	mu     sync.Mutex
	events []Event[testKey, *testValue]
}

func (r *recorder) listen(ev Event[testKey, *testValue]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t EventType) []Event[testKey, *testValue] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event[testKey, *testValue]
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRegion(t *testing.T, maxEntries int64) (*Region[testKey, *testValue], *recorder) {
	t.Helper()

	r := New[testKey, *testValue]("test", maxEntries, weighTestValue)
	rec := &recorder{}
	r.AddListener(rec.listen)
	return r, rec
}

func constLoader(v *testValue, calls *atomic.Int32) Loader[testKey, *testValue] {
	return LoaderFunc[testKey, *testValue](func(context.Context, testKey) (*testValue, error) {
		calls.Add(1)
		return v, nil
	})
}

func TestGetWithLoaderLoadsOnce(t *testing.T) {
	r, rec := newTestRegion(t, 10)

	var calls atomic.Int32
	want := &testValue{name: "a", weight: 2}

	got, err := r.GetWithLoader(context.Background(), "a", constLoader(want, &calls))
	require.NoError(t, err)
	assert.Same(t, want, got)

	got, err = r.GetWithLoader(context.Background(), "a", constLoader(&testValue{name: "other", weight: 1}, &calls))
	require.NoError(t, err)
	assert.Same(t, want, got)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(2), r.Weight())
	assert.Len(t, rec.ofType(EventAdded), 1)
}

func TestGetWithLoaderPassesErrorsUnchanged(t *testing.T) {
	r, rec := newTestRegion(t, 10)
	errBoom := errors.New("boom")

	_, err := r.GetWithLoader(context.Background(), "a", LoaderFunc[testKey, *testValue](
		func(context.Context, testKey) (*testValue, error) { return nil, errBoom },
	))
	assert.Same(t, errBoom, err)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, rec.events)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	r, rec := newTestRegion(t, 5)

	a := &testValue{name: "a", weight: 2}
	b := &testValue{name: "b", weight: 2}
	c := &testValue{name: "c", weight: 2}

	require.True(t, r.Put("a", a))
	require.True(t, r.Put("b", b))

	// Touch a so b becomes the eviction candidate
	_, ok := r.Get("a")
	require.True(t, ok)

	require.True(t, r.Put("c", c))

	evicted := rec.ofType(EventEvicted)
	require.Len(t, evicted, 1)
	assert.Same(t, b, evicted[0].Value)
	assert.Equal(t, "test", evicted[0].Region)

	_, ok = r.Get("b")
	assert.False(t, ok)
	assert.Equal(t, int64(4), r.Weight())
	assert.Equal(t, 2, r.Len())
}

func TestOversizedValueIsDiscarded(t *testing.T) {
	r, rec := newTestRegion(t, 3)

	var calls atomic.Int32
	big := &testValue{name: "big", weight: 4}

	got, err := r.GetWithLoader(context.Background(), "big", constLoader(big, &calls))
	require.NoError(t, err)
	assert.Same(t, big, got, "discarded values are still handed to the caller")

	discarded := rec.ofType(EventMissLoadDiscarded)
	require.Len(t, discarded, 1)
	assert.Same(t, big, discarded[0].Value)
	assert.Equal(t, 0, r.Len())

	assert.False(t, r.Put("big", big))
}

func TestInvalidateTriggersReload(t *testing.T) {
	r, rec := newTestRegion(t, 10)

	var calls atomic.Int32
	first := &testValue{name: "first", weight: 1}
	second := &testValue{name: "second", weight: 1}

	_, err := r.GetWithLoader(context.Background(), "k", constLoader(first, &calls))
	require.NoError(t, err)

	assert.True(t, r.Invalidate("k"))
	assert.False(t, r.Invalidate("k"))

	removed := rec.ofType(EventRemoved)
	require.Len(t, removed, 1)
	assert.Same(t, first, removed[0].Value)

	got, err := r.GetWithLoader(context.Background(), "k", constLoader(second, &calls))
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateValueOnlyMatchesSameValue(t *testing.T) {
	r, _ := newTestRegion(t, 10)

	current := &testValue{name: "current", weight: 1}
	require.True(t, r.Put("k", current))

	assert.False(t, r.InvalidateValue("k", &testValue{name: "stale", weight: 1}))
	assert.True(t, r.InvalidateValue("k", current))
	assert.Equal(t, 0, r.Len())
}

func TestInvalidateDuringLoadDiscardsResult(t *testing.T) {
	r, rec := newTestRegion(t, 10)

	loaded := &testValue{name: "loaded", weight: 1}
	got, err := r.GetWithLoader(context.Background(), "k", LoaderFunc[testKey, *testValue](
		func(context.Context, testKey) (*testValue, error) {
			r.Invalidate("k")
			return loaded, nil
		},
	))
	require.NoError(t, err)
	assert.Same(t, loaded, got)

	_, ok := r.Get("k")
	assert.False(t, ok)
	assert.Len(t, rec.ofType(EventMissLoadDiscarded), 1)
}

func TestPutKeepsExistingValue(t *testing.T) {
	r, rec := newTestRegion(t, 10)

	first := &testValue{name: "first", weight: 1}
	dup := &testValue{name: "dup", weight: 1}

	require.True(t, r.Put("k", first))
	assert.False(t, r.Put("k", dup))

	v, ok := r.Get("k")
	require.True(t, ok)
	assert.Same(t, first, v)

	discarded := rec.ofType(EventMissLoadDiscarded)
	require.Len(t, discarded, 1)
	assert.Same(t, dup, discarded[0].Value)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	r, _ := newTestRegion(t, 100)

	var (
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)

	loader := LoaderFunc[testKey, *testValue](func(context.Context, testKey) (*testValue, error) {
		calls.Add(1)
		<-release
		return &testValue{name: "shared", weight: 1}, nil
	})

	results := make([]*testValue, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := r.GetWithLoader(context.Background(), "k", loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	close(release)
	wg.Wait()

	// Late arrivals may start a second load after the first one was
	// stored but they always converge on the retained value.
	retained, ok := r.Get("k")
	require.True(t, ok)
	for _, v := range results {
		assert.Same(t, retained, v)
	}
	assert.Equal(t, 1, r.Len())
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	r, _ := newTestRegion(t, 100)

	var (
		calls   atomic.Int32
		started = make(chan struct{})
		release = make(chan struct{})
	)

	loader := LoaderFunc[testKey, *testValue](func(ctx context.Context, _ testKey) (*testValue, error) {
		calls.Add(1)
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &testValue{name: "shared", weight: 1}, nil
	})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.GetWithLoader(leaderCtx, "k", loader)
		leaderErr <- err
	}()

	<-started

	type result struct {
		v   *testValue
		err error
	}
	follower := make(chan result, 1)
	go func() {
		v, err := r.GetWithLoader(context.Background(), "k", loader)
		follower <- result{v, err}
	}()

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	res := <-follower
	require.NoError(t, res.err)
	assert.Equal(t, "shared", res.v.name)
	assert.Equal(t, int32(1), calls.Load())

	retained, ok := r.Get("k")
	require.True(t, ok)
	assert.Same(t, retained, res.v)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "added", EventAdded.String())
	assert.Equal(t, "evicted", EventEvicted.String())
	assert.Equal(t, "removed", EventRemoved.String())
	assert.Equal(t, "miss-load-discarded", EventMissLoadDiscarded.String())
}

package multiplex

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const waitTimeout = 2 * time.Second

type fakeFeed struct {
	mu         sync.Mutex
	subscribes int
	active     bool
	ticks      chan<- uint64
	failures   chan error
}

func (f *fakeFeed) Subscribe(_ context.Context, ticks chan<- uint64) (ethereum.Subscription, error) {
	failures := make(chan error, 1)
	f.mu.Lock()
	f.subscribes++
	f.active = true
	f.ticks = ticks
	f.failures = failures
	f.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			f.mu.Lock()
			f.active = false
			f.mu.Unlock()
		}()
		select {
		case <-quit:
			return nil
		case err := <-failures:
			return err
		}
	}), nil
}

func (f *fakeFeed) tick(t *testing.T, block uint64) {
	t.Helper()
	f.mu.Lock()
	ticks := f.ticks
	f.mu.Unlock()
	select {
	case ticks <- block:
	case <-time.After(waitTimeout):
		t.Fatalf("tick %d not consumed", block)
	}
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	failures := f.failures
	f.mu.Unlock()
	failures <- err
}

func (f *fakeFeed) stats() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes, f.active
}

// scriptedReader returns values per key in order, repeating the last one.
type scriptedReader struct {
	mu     sync.Mutex
	script map[string][]int
	errs   map[string]error
	calls  map[string]int
	gate   chan struct{}
}

func newScriptedReader(script map[string][]int) *scriptedReader {
	return &scriptedReader{script: script, errs: make(map[string]error), calls: make(map[string]int)}
}

func (r *scriptedReader) Read(ctx context.Context, key string) (int, error) {
	value, gate, err := r.next(key)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return value, err
}

func (r *scriptedReader) next(key string) (int, chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.calls[key]
	r.calls[key] = n + 1
	if err := r.errs[key]; err != nil && n > 0 {
		return 0, r.gate, err
	}
	values := r.script[key]
	if len(values) == 0 {
		return 0, r.gate, errors.New("no value")
	}
	if n >= len(values) {
		n = len(values) - 1
	}
	return values[n], r.gate, nil
}

func (r *scriptedReader) callCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

type recorder struct {
	mu      sync.Mutex
	values  []int
	errs    []error
	updates chan Update[int]
}

func newRecorder() *recorder {
	return &recorder{updates: make(chan Update[int], 64)}
}

func (r *recorder) listen(u Update[int]) {
	r.mu.Lock()
	if u.Err != nil {
		r.errs = append(r.errs, u.Err)
	} else {
		r.values = append(r.values, u.Value)
	}
	r.mu.Unlock()
	r.updates <- u
}

func (r *recorder) waitFor(t *testing.T, match func(Update[int]) bool) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case u := <-r.updates:
			if match(u) {
				return
			}
		case <-deadline:
			t.Fatalf("update not received")
		}
	}
}

func (r *recorder) snapshot() ([]int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...), append([]error(nil), r.errs...)
}

func newTestMultiplexer(reader Reader[string, int], feed Feed) *Multiplexer[string, int] {
	return New[string, int](reader, feed, nil, Config{ReadConcurrency: 4}, zap.NewNop())
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserveSharesOneUpstream(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {42}})
	reader.gate = make(chan struct{})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	const n = 10
	var wg sync.WaitGroup
	handles := make([]*Handle[string, int], n)
	errs := make([]error, n)
	seeds := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = m.Observe(context.Background(), "k", func(u Update[int]) {
				seeds[i] = u.Value
			})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(reader.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("observe %d: %v", i, errs[i])
		}
		if seeds[i] != 42 {
			t.Fatalf("observer %d seed mismatch: %d", i, seeds[i])
		}
	}
	if got := reader.callCount("k"); got != 1 {
		t.Fatalf("expected one read, got %d", got)
	}
	if subscribes, _ := feed.stats(); subscribes != 1 {
		t.Fatalf("expected one feed, got %d", subscribes)
	}
	if refs := m.Refs("k"); refs != n {
		t.Fatalf("expected %d refs, got %d", n, refs)
	}

	for _, h := range handles {
		h.Cancel()
	}
}

func TestCancelTearsDownRecordAndFeed(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {1}})
	m := newTestMultiplexer(reader, feed)

	var handles []*Handle[string, int]
	for i := 0; i < 3; i++ {
		h, err := m.Observe(context.Background(), "k", func(Update[int]) {})
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		handles = append(handles, h)
	}

	handles[0].Cancel()
	handles[0].Cancel()
	if refs := m.Refs("k"); refs != 2 {
		t.Fatalf("expected 2 refs after one cancel, got %d", refs)
	}

	for _, h := range handles[1:] {
		h.Cancel()
	}
	if m.Len() != 0 {
		t.Fatalf("registry should be empty")
	}
	if m.FeedActive() {
		t.Fatalf("feed should be stopped")
	}
	eventually(t, func() bool {
		_, active := feed.stats()
		return !active
	})
}

func TestTickEmitsOnlyChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {1, 5, 5, 7, 7, 7, 9}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	rec := newRecorder()
	h, err := m.Observe(context.Background(), "k", rec.listen)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer h.Cancel()

	for block := uint64(1); block <= 6; block++ {
		feed.tick(t, block)
	}
	rec.waitFor(t, func(u Update[int]) bool { return u.Value == 9 })

	values, errs := rec.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if want := []int{1, 5, 7, 9}; !reflect.DeepEqual(values, want) {
		t.Fatalf("values mismatch: %v != %v", values, want)
	}
}

func TestLateSubscriberReceivesCurrentValue(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {3, 7}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	first := newRecorder()
	h1, err := m.Observe(context.Background(), "k", first.listen)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer h1.Cancel()

	feed.tick(t, 10)
	first.waitFor(t, func(u Update[int]) bool { return u.Value == 7 })
	calls := reader.callCount("k")

	var got Update[int]
	h2, err := m.Observe(context.Background(), "k", func(u Update[int]) { got = u })
	if err != nil {
		t.Fatalf("observe late: %v", err)
	}
	defer h2.Cancel()

	if got.Value != 7 || got.Block != 10 {
		t.Fatalf("late subscriber got %+v", got)
	}
	if reader.callCount("k") != calls {
		t.Fatalf("late subscriber must not trigger a read")
	}
}

func TestFeedFailureBroadcastsToAllKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"a": {1}, "b": {2}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	recA, recB := newRecorder(), newRecorder()
	if _, err := m.Observe(context.Background(), "a", recA.listen); err != nil {
		t.Fatalf("observe a: %v", err)
	}
	if _, err := m.Observe(context.Background(), "b", recB.listen); err != nil {
		t.Fatalf("observe b: %v", err)
	}

	cause := errors.New("connection reset")
	feed.fail(cause)

	for _, rec := range []*recorder{recA, recB} {
		rec.waitFor(t, func(u Update[int]) bool {
			var serr *SubscriptionError
			return errors.As(u.Err, &serr) && errors.Is(u.Err, cause)
		})
	}
	eventually(t, func() bool { return m.Len() == 0 && !m.FeedActive() })

	h, err := m.Observe(context.Background(), "a", func(Update[int]) {})
	if err != nil {
		t.Fatalf("re-observe: %v", err)
	}
	defer h.Cancel()
	if subscribes, _ := feed.stats(); subscribes != 2 {
		t.Fatalf("expected feed to be recreated, subscribes=%d", subscribes)
	}
}

func TestReadErrorOnlyReachesThatKey(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"a": {1, 2}, "b": {1}})
	readErr := errors.New("call failed")
	reader.errs["b"] = readErr
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	recA, recB := newRecorder(), newRecorder()
	hA, err := m.Observe(context.Background(), "a", recA.listen)
	if err != nil {
		t.Fatalf("observe a: %v", err)
	}
	defer hA.Cancel()
	hB, err := m.Observe(context.Background(), "b", recB.listen)
	if err != nil {
		t.Fatalf("observe b: %v", err)
	}
	defer hB.Cancel()

	feed.tick(t, 1)
	recB.waitFor(t, func(u Update[int]) bool { return errors.Is(u.Err, readErr) })
	recA.waitFor(t, func(u Update[int]) bool { return u.Value == 2 })

	_, errsA := recA.snapshot()
	if len(errsA) != 0 {
		t.Fatalf("key a must not see errors: %v", errsA)
	}
	if m.Len() != 2 {
		t.Fatalf("read error must not drop records")
	}
}

func TestCancelFromListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {1, 2, 3}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	var (
		mu     sync.Mutex
		handle *Handle[string, int]
		seen   []int
	)
	done := make(chan struct{})
	h, err := m.Observe(context.Background(), "k", func(u Update[int]) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, u.Value)
		if u.Value == 2 {
			handle.Cancel()
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	mu.Lock()
	handle = h
	mu.Unlock()

	feed.tick(t, 1)
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("listener not invoked")
	}

	if m.Len() != 0 || m.FeedActive() {
		t.Fatalf("cancel from listener must release the record")
	}
	mu.Lock()
	defer mu.Unlock()
	if want := []int{1, 2}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("seen mismatch: %v != %v", seen, want)
	}
}

func TestCancelledKeyDiscardsInFlightRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {1, 2}, "other": {1}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	rec := newRecorder()
	h, err := m.Observe(context.Background(), "k", rec.listen)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	other, err := m.Observe(context.Background(), "other", func(Update[int]) {})
	if err != nil {
		t.Fatalf("observe other: %v", err)
	}
	defer other.Cancel()

	gate := make(chan struct{})
	reader.mu.Lock()
	reader.gate = gate
	reader.mu.Unlock()

	feed.tick(t, 1)
	eventually(t, func() bool { return reader.callCount("k") == 2 })
	h.Cancel()
	close(gate)
	eventually(t, func() bool { return reader.callCount("other") == 2 })
	time.Sleep(20 * time.Millisecond)

	values, errs := rec.snapshot()
	if !reflect.DeepEqual(values, []int{1}) || len(errs) != 0 {
		t.Fatalf("cancelled listener received %v %v", values, errs)
	}
	if m.Refs("k") != 0 {
		t.Fatalf("cancelled key must not be recreated")
	}
}

func TestReobservedKeyIgnoresReadOfCancelledRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{"k": {1, 5, 9}, "other": {1}})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	other, err := m.Observe(context.Background(), "other", func(Update[int]) {})
	if err != nil {
		t.Fatalf("observe other: %v", err)
	}
	defer other.Cancel()
	h, err := m.Observe(context.Background(), "k", func(Update[int]) {})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}

	gate := make(chan struct{})
	reader.mu.Lock()
	reader.gate = gate
	reader.mu.Unlock()

	feed.tick(t, 1)
	eventually(t, func() bool { return reader.callCount("k") == 2 })
	reader.mu.Lock()
	reader.gate = nil
	reader.mu.Unlock()

	h.Cancel()
	rec := newRecorder()
	again, err := m.Observe(context.Background(), "k", rec.listen)
	if err != nil {
		t.Fatalf("observe again: %v", err)
	}
	defer again.Cancel()

	close(gate)
	feed.tick(t, 2)
	eventually(t, func() bool { return reader.callCount("k") == 4 })
	time.Sleep(20 * time.Millisecond)

	values, errs := rec.snapshot()
	if !reflect.DeepEqual(values, []int{9}) || len(errs) != 0 {
		t.Fatalf("read of the cancelled record leaked into the new one: %v %v", values, errs)
	}
}

func TestObserveDuringFeedFailureReturnsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	m := newTestMultiplexer(newScriptedReader(map[string][]int{"k": {1}}), feed)
	defer m.Close()

	first, err := m.Observe(context.Background(), "k", func(Update[int]) {})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer first.Cancel()

	var once sync.Once
	late, err := m.Observe(context.Background(), "k", func(u Update[int]) {
		once.Do(func() {
			feed.fail(errors.New("connection reset"))
			eventually(t, func() bool { return m.Len() == 0 })
		})
	})
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected subscription error, got %v", err)
	}
	if late != nil {
		t.Fatalf("no handle must be returned for a discarded record")
	}
}

func TestSeedFailureRemovesRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	feed := &fakeFeed{}
	reader := newScriptedReader(map[string][]int{})
	m := newTestMultiplexer(reader, feed)
	defer m.Close()

	if _, err := m.Observe(context.Background(), "missing", func(Update[int]) {}); err == nil {
		t.Fatalf("expected seed error")
	}
	if m.Len() != 0 {
		t.Fatalf("failed seed must not leave a record")
	}
	if m.FeedActive() {
		t.Fatalf("feed must stop when the only record fails to seed")
	}
}

func TestObserveAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestMultiplexer(newScriptedReader(map[string][]int{"k": {1}}), &fakeFeed{})
	m.Close()
	if _, err := m.Observe(context.Background(), "k", func(Update[int]) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

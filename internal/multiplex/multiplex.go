package multiplex

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Observe after Close.
var ErrClosed = errors.New("multiplexer closed")

// Reader performs a point-in-time read of the value behind a key.
// It is called on every feed tick for every observed key.
type Reader[K comparable, V any] interface {
	Read(ctx context.Context, key K) (V, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

func (f ReaderFunc[K, V]) Read(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

// Feed is the single upstream change notification source. Each tick carries
// the block number that triggered it.
type Feed interface {
	Subscribe(ctx context.Context, ticks chan<- uint64) (ethereum.Subscription, error)
}

// Update is delivered to listeners. Err is set for read or feed failures;
// Value and Block are set otherwise.
type Update[V any] struct {
	Value V
	Block uint64
	Err   error
}

// Listener receives updates for one key. Listeners of different keys may be
// invoked concurrently; updates for a single listener are serialized.
type Listener[V any] func(Update[V])

// SubscriptionError reports a failure of the shared feed. It is delivered to
// every observed key and the registry is reset.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("shared feed failed: %v", e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Config controls tick processing.
type Config struct {
	ReadConcurrency int
	ReadTimeout     time.Duration
}

// Multiplexer keeps one subscription record per observed key and fans value
// changes out to every listener of that key. A single feed drives re-reads of
// all keys; it exists only while at least one key is observed.
type Multiplexer[K comparable, V any] struct {
	reader          Reader[K, V]
	feed            Feed
	equal           func(a, b V) bool
	logger          *zap.Logger
	readConcurrency int
	readTimeout     time.Duration

	mu      sync.Mutex
	records map[K]*record[V]
	active  *feedRun
	nextID  uint64
	closed  bool
}

type record[V any] struct {
	value     V
	block     uint64
	seq       uint64
	seeded    bool
	refs      int
	listeners []*listener[V]
	ready     chan struct{}
	err       error
	dropped   error
}

type listener[V any] struct {
	id     uint64
	fn     Listener[V]
	mu     sync.Mutex
	seq    uint64
	closed atomic.Bool
}

type feedRun struct {
	sub    ethereum.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *feedRun) halt() {
	r.cancel()
	r.sub.Unsubscribe()
}

// New builds a Multiplexer. equal decides whether a re-read value differs from
// the stored one; nil falls back to reflect.DeepEqual.
func New[K comparable, V any](reader Reader[K, V], feed Feed, equal func(a, b V) bool, cfg Config, logger *zap.Logger) *Multiplexer[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if equal == nil {
		equal = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	return &Multiplexer[K, V]{
		reader:          reader,
		feed:            feed,
		equal:           equal,
		logger:          logger,
		readConcurrency: cfg.ReadConcurrency,
		readTimeout:     cfg.ReadTimeout,
		records:         make(map[K]*record[V]),
	}
}

// Observe registers fn for key. The current value is delivered to fn before
// Observe returns; afterwards fn receives every change until the handle is
// cancelled or the feed fails.
func (m *Multiplexer[K, V]) Observe(ctx context.Context, key K, fn Listener[V]) (*Handle[K, V], error) {
	if fn == nil {
		return nil, fmt.Errorf("listener is nil")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	rec, ok := m.records[key]
	creator := !ok
	if creator {
		rec = &record[V]{ready: make(chan struct{})}
		m.records[key] = rec
		if m.active == nil {
			if err := m.startFeed(); err != nil {
				delete(m.records, key)
				m.mu.Unlock()
				return nil, err
			}
		}
	}
	m.nextID++
	l := &listener[V]{id: m.nextID, fn: fn}
	rec.refs++
	rec.listeners = append(rec.listeners, l)
	m.mu.Unlock()

	if creator {
		m.seed(ctx, key, rec)
	} else {
		select {
		case <-rec.ready:
		case <-ctx.Done():
			m.release(key, l)
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	if rec.err != nil {
		m.mu.Unlock()
		l.closed.Store(true)
		return nil, rec.err
	}
	current, block, seq := rec.value, rec.block, rec.seq
	m.mu.Unlock()

	l.deliver(seq, Update[V]{Value: current, Block: block})

	m.mu.Lock()
	err := rec.err
	m.mu.Unlock()
	if err != nil {
		l.closed.Store(true)
		return nil, err
	}
	return &Handle[K, V]{m: m, key: key, l: l}, nil
}

// seed performs the initial read for a freshly created record.
func (m *Multiplexer[K, V]) seed(ctx context.Context, key K, rec *record[V]) {
	value, err := m.read(ctx, key)

	m.mu.Lock()
	var stop *feedRun
	switch {
	case rec.dropped != nil:
		rec.err = rec.dropped
	case err != nil:
		rec.err = fmt.Errorf("seed read: %w", err)
		if m.records[key] == rec {
			delete(m.records, key)
			stop = m.stopIfEmpty()
		}
	default:
		rec.value = value
		rec.seq = 1
		rec.seeded = true
	}
	close(rec.ready)
	m.mu.Unlock()

	if stop != nil {
		stop.halt()
	}
	if err != nil {
		m.logger.Warn("seed read failed", zap.Any("key", key), zap.Error(err))
	}
}

// startFeed must be called with m.mu held.
func (m *Multiplexer[K, V]) startFeed() error {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan uint64, 1)
	sub, err := m.feed.Subscribe(ctx, ticks)
	if err != nil {
		cancel()
		return &SubscriptionError{Err: err}
	}
	run := &feedRun{sub: sub, cancel: cancel, done: make(chan struct{})}
	m.active = run
	m.logger.Debug("shared feed started")
	go m.loop(ctx, run, ticks)
	return nil
}

// stopIfEmpty must be called with m.mu held. The returned run must be halted
// after the lock is released.
func (m *Multiplexer[K, V]) stopIfEmpty() *feedRun {
	if len(m.records) > 0 || m.active == nil {
		return nil
	}
	run := m.active
	m.active = nil
	m.logger.Debug("shared feed stopped")
	return run
}

func (m *Multiplexer[K, V]) loop(ctx context.Context, run *feedRun, ticks <-chan uint64) {
	defer close(run.done)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-run.sub.Err():
			if !ok || err == nil {
				return
			}
			m.fail(run, err)
			return
		case block := <-ticks:
			m.tick(ctx, run, block)
		}
	}
}

func (m *Multiplexer[K, V]) tick(ctx context.Context, run *feedRun, block uint64) {
	m.mu.Lock()
	if m.active != run {
		m.mu.Unlock()
		return
	}
	snapshot := make(map[K]*record[V], len(m.records))
	for key, rec := range m.records {
		if rec.seeded {
			snapshot[key] = rec
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(m.readConcurrency)
	for key, rec := range snapshot {
		key, rec := key, rec
		g.Go(func() error {
			value, err := m.read(ctx, key)
			m.apply(ctx, run, key, rec, block, value, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Multiplexer[K, V]) read(ctx context.Context, key K) (V, error) {
	if m.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.readTimeout)
		defer cancel()
	}
	return m.reader.Read(ctx, key)
}

// apply stores a re-read value into rec and emits it if it changed. Results
// for records removed while the read was in flight are discarded, even when
// the key has been observed again since.
func (m *Multiplexer[K, V]) apply(ctx context.Context, run *feedRun, key K, rec *record[V], block uint64, value V, err error) {
	m.mu.Lock()
	if m.active != run || m.records[key] != rec {
		m.mu.Unlock()
		return
	}

	if err != nil {
		listeners := append([]*listener[V](nil), rec.listeners...)
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("re-read failed", zap.Any("key", key), zap.Uint64("block", block), zap.Error(err))
		for _, l := range listeners {
			l.deliverErr(err)
		}
		return
	}

	if m.equal(rec.value, value) {
		m.mu.Unlock()
		return
	}
	rec.value = value
	rec.block = block
	rec.seq++
	seq := rec.seq
	listeners := append([]*listener[V](nil), rec.listeners...)
	m.mu.Unlock()

	update := Update[V]{Value: value, Block: block}
	for _, l := range listeners {
		l.deliver(seq, update)
	}
}

// fail broadcasts a feed failure to every observed key and resets the registry.
func (m *Multiplexer[K, V]) fail(run *feedRun, cause error) {
	m.mu.Lock()
	if m.active != run {
		m.mu.Unlock()
		return
	}
	m.active = nil
	records := m.records
	m.records = make(map[K]*record[V])
	serr := &SubscriptionError{Err: cause}
	var notify []*listener[V]
	for _, rec := range records {
		if !rec.seeded {
			rec.dropped = serr
			continue
		}
		rec.err = serr
		notify = append(notify, rec.listeners...)
	}
	m.mu.Unlock()

	run.halt()
	m.logger.Error("shared feed failed", zap.Int("keys", len(records)), zap.Error(cause))
	for _, l := range notify {
		l.terminate(serr)
	}
}

// release drops one listener from its record.
func (m *Multiplexer[K, V]) release(key K, l *listener[V]) {
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	for i, existing := range rec.listeners {
		if existing.id == l.id {
			rec.listeners = append(rec.listeners[:i], rec.listeners[i+1:]...)
			rec.refs--
			break
		}
	}
	var stop *feedRun
	if rec.refs == 0 {
		delete(m.records, key)
		stop = m.stopIfEmpty()
	}
	m.mu.Unlock()

	if stop != nil {
		stop.halt()
	}
}

// Len returns the number of observed keys.
func (m *Multiplexer[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Refs returns the reference count of key, zero when it is not observed.
func (m *Multiplexer[K, V]) Refs(key K) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		return rec.refs
	}
	return 0
}

// FeedActive reports whether the shared feed is running.
func (m *Multiplexer[K, V]) FeedActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Close stops the feed, drops every record and waits for the feed goroutine.
// Outstanding handles become no-ops.
func (m *Multiplexer[K, V]) Close() {
	m.mu.Lock()
	m.closed = true
	run := m.active
	m.active = nil
	for _, rec := range m.records {
		if !rec.seeded {
			rec.dropped = ErrClosed
		}
	}
	m.records = make(map[K]*record[V])
	m.mu.Unlock()

	if run != nil {
		run.halt()
		<-run.done
	}
}

func (l *listener[V]) deliver(seq uint64, update Update[V]) {
	if l.closed.Load() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq <= l.seq || l.closed.Load() {
		return
	}
	l.seq = seq
	l.fn(update)
}

func (l *listener[V]) deliverErr(err error) {
	if l.closed.Load() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	l.fn(Update[V]{Err: err})
}

// terminate delivers a final error and closes the listener.
func (l *listener[V]) terminate(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Swap(true) {
		return
	}
	l.fn(Update[V]{Err: err})
}

// Handle is one subscriber's registration.
type Handle[K comparable, V any] struct {
	m    *Multiplexer[K, V]
	key  K
	l    *listener[V]
	once sync.Once
}

// Key returns the observed key.
func (h *Handle[K, V]) Key() K {
	return h.key
}

// Cancel stops delivery to this handle's listener and releases its reference.
// It is safe to call from inside the listener and more than once.
func (h *Handle[K, V]) Cancel() {
	h.once.Do(func() {
		h.l.closed.Store(true)
		h.m.release(h.key, h.l)
	})
}

package events

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"
	"go.uber.org/zap"
)

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("event bus is closed")

// Option is a function that configures the bus.
type Option func(*options)

// WithLog configures the bus with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPartitions sets the number of partitions.
func WithPartitions(n int) Option {
	return func(o *options) {
		o.Partitions = n
	}
}

// WithQueueSize sets the per-partition queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) {
		o.QueueSize = n
	}
}

type options struct {
	Log        *zap.SugaredLogger
	Partitions int
	QueueSize  int
}

func newOptions() *options {
	return &options{
		Log:        zap.NewNop().Sugar(),
		Partitions: 4,
		QueueSize:  256,
	}
}

// Stats are bus counters.
type Stats struct {
	Published int64
	Processed int64
	Dropped   int64
	Queued    []int
}

type partition struct {
	id    int
	queue chan *Event
}

// Bus is an in-memory partitioned event bus.
//
// Events are assigned to partitions by consistent hashing of their key and
// each partition is drained by its own goroutine, so ordering holds per
// key while unrelated keys do not block each other. Publishing never
// blocks: an event is rejected when its partition queue is full.
type Bus struct {
	partitions []*partition
	ring       *hashring.HashRing
	nodes      map[string]int
	log        *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers map[string][]Handler
	closed      bool
	wg          sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus and starts its partition workers.
func NewBus(options ...Option) *Bus {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}

	names := make([]string, opts.Partitions)
	nodes := make(map[string]int, opts.Partitions)
	for idx := range names {
		names[idx] = "partition-" + strconv.Itoa(idx)
		nodes[names[idx]] = idx
	}

	bus := &Bus{
		partitions:  make([]*partition, opts.Partitions),
		ring:        hashring.New(names),
		nodes:       nodes,
		log:         opts.Log,
		subscribers: map[string][]Handler{},
	}

	for idx := range bus.partitions {
		p := &partition{id: idx, queue: make(chan *Event, opts.QueueSize)}
		bus.partitions[idx] = p

		bus.wg.Add(1)
		go bus.run(p)
	}

	return bus
}

func (m *Bus) partitionOf(key string) *partition {
	node, ok := m.ring.GetNode(key)
	if !ok {
		return m.partitions[0]
	}
	return m.partitions[m.nodes[node]]
}

// Publish enqueues an event.
func (m *Bus) Publish(event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	p := m.partitionOf(event.Key)
	select {
	case p.queue <- event:
		m.published.Add(1)
		return nil
	default:
		m.dropped.Add(1)
		return fmt.Errorf("partition %d queue is full", p.id)
	}
}

// Subscribe registers a handler for a topic. Several handlers may share a
// topic; they are called in subscription order.
func (m *Bus) Subscribe(topic string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.subscribers[topic] = append(m.subscribers[topic], handler)
	m.log.Debugw("subscribed", zap.String("topic", topic))
	return nil
}

// Close stops accepting events and waits until the queued ones are
// handled.
func (m *Bus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, p := range m.partitions {
		close(p.queue)
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Stats returns the bus counters.
func (m *Bus) Stats() Stats {
	stats := Stats{
		Published: m.published.Load(),
		Processed: m.processed.Load(),
		Dropped:   m.dropped.Load(),
		Queued:    make([]int, len(m.partitions)),
	}
	for idx, p := range m.partitions {
		stats.Queued[idx] = len(p.queue)
	}
	return stats
}

func (m *Bus) handlers(topic string) []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.subscribers[topic]
}

func (m *Bus) run(p *partition) {
	defer m.wg.Done()

	for event := range p.queue {
		for _, handler := range m.handlers(event.Topic) {
			if err := handler(event); err != nil {
				m.log.Warnw("failed to handle event",
					zap.Int("partition", p.id),
					zap.String("topic", event.Topic),
					zap.Error(err),
				)
			}
		}
		m.processed.Add(1)
	}
}

// Package bufpool provides scratch-buffer pools scoped per transport kind.
//
// Pools are explicit values owned by a Registry rather than package globals,
// so tests can create their own, inspect Outstanding and hit-rate counters,
// and Reset between cases. Every Get must be paired with a Put; Outstanding
// returning to its baseline is how leaks are detected.
package bufpool

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultBufferSize is the initial capacity of a freshly allocated buffer.
	DefaultBufferSize = 4 << 10
	// DefaultMaxRetained is the largest capacity a buffer may grow to and
	// still be returned to the free list.
	DefaultMaxRetained = 1 << 20
	// DefaultFreeListSize is how many idle buffers a pool keeps.
	DefaultFreeListSize = 64
)

// Stats is a point-in-time view of a pool's counters.
type Stats struct {
	Gets        int64
	Hits        int64
	Misses      int64
	Puts        int64
	Dropped     int64
	Outstanding int64
}

// HitRate is the fraction of Gets served from the free list.
func (s Stats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Gets)
}

// Pool hands out *bytes.Buffer values.
type Pool struct {
	name        string
	initialSize int
	maxRetained int
	free        chan *bytes.Buffer

	gets, hits, misses, puts, dropped, outstanding atomic.Int64
}

func newPool(name string, initialSize, maxRetained, freeList int) *Pool {
	return &Pool{
		name:        name,
		initialSize: initialSize,
		maxRetained: maxRetained,
		free:        make(chan *bytes.Buffer, freeList),
	}
}

// Name returns the transport kind this pool serves.
func (p *Pool) Name() string { return p.name }

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	p.gets.Add(1)
	p.outstanding.Add(1)
	select {
	case b := <-p.free:
		p.hits.Add(1)
		return b
	default:
		p.misses.Add(1)
		return bytes.NewBuffer(make([]byte, 0, p.initialSize))
	}
}

// Put returns a buffer obtained from Get. Oversized buffers are dropped.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	p.puts.Add(1)
	p.outstanding.Add(-1)
	if b.Cap() > p.maxRetained {
		p.dropped.Add(1)
		return
	}
	b.Reset()
	select {
	case p.free <- b:
	default:
		p.dropped.Add(1)
	}
}

// Outstanding returns the number of buffers currently checked out.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Gets:        p.gets.Load(),
		Hits:        p.hits.Load(),
		Misses:      p.misses.Load(),
		Puts:        p.puts.Load(),
		Dropped:     p.dropped.Load(),
		Outstanding: p.outstanding.Load(),
	}
}

func (p *Pool) reset() {
	for {
		select {
		case <-p.free:
			continue
		default:
		}
		break
	}
	p.gets.Store(0)
	p.hits.Store(0)
	p.misses.Store(0)
	p.puts.Store(0)
	p.dropped.Store(0)
	p.outstanding.Store(0)
}

// Registry owns one Pool per transport kind.
type Registry struct {
	initialSize int
	maxRetained int
	freeList    int

	mu    sync.Mutex
	pools map[string]*Pool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithBufferSize sets the initial buffer capacity.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.initialSize = n
		}
	}
}

// WithMaxRetained sets the largest capacity kept on the free list.
func WithMaxRetained(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxRetained = n
		}
	}
}

// WithFreeListSize sets how many idle buffers each pool retains.
func WithFreeListSize(n int) Option {
	return func(r *Registry) {
		if n >= 0 {
			r.freeList = n
		}
	}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		initialSize: DefaultBufferSize,
		maxRetained: DefaultMaxRetained,
		freeList:    DefaultFreeListSize,
		pools:       make(map[string]*Pool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// For returns the pool for a transport kind, creating it on first use.
func (r *Registry) For(kind string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[kind]
	if !ok {
		p = newPool(kind, r.initialSize, r.maxRetained, r.freeList)
		r.pools[kind] = p
	}
	return p
}

// Stats snapshots every pool keyed by kind.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.pools))
	for k, p := range r.pools {
		out[k] = p.Stats()
	}
	return out
}

// Outstanding sums checked-out buffers across all pools.
func (r *Registry) Outstanding() int64 {
	var n int64
	for _, s := range r.Stats() {
		n += s.Outstanding
	}
	return n
}

// Reset empties every free list and zeroes counters.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.reset()
	}
}

var (
	getsDesc        = prometheus.NewDesc("mcp_proxy_buffer_gets_total", "Buffers requested from the pool.", []string{"kind"}, nil)
	hitsDesc        = prometheus.NewDesc("mcp_proxy_buffer_hits_total", "Buffer requests served from the free list.", []string{"kind"}, nil)
	outstandingDesc = prometheus.NewDesc("mcp_proxy_buffer_outstanding", "Buffers currently checked out.", []string{"kind"}, nil)
)

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- getsDesc
	ch <- hitsDesc
	ch <- outstandingDesc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	stats := r.Stats()
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		s := stats[k]
		ch <- prometheus.MustNewConstMetric(getsDesc, prometheus.CounterValue, float64(s.Gets), k)
		ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(s.Hits), k)
		ch <- prometheus.MustNewConstMetric(outstandingDesc, prometheus.GaugeValue, float64(s.Outstanding), k)
	}
}

var _ prometheus.Collector = (*Registry)(nil)

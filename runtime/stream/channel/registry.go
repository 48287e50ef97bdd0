package channel

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
)

// Default tuning values. Overridable through Options (typically populated
// from the config package).
const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultFanoutTimeout  = 50 * time.Millisecond
	DefaultReaderCapacity = 64
)

type (
	// Options configures a Registry. The zero value selects the documented
	// defaults.
	Options struct {
		// IdleTimeout is how long a channel may go without reads or writes
		// before it is eligible for eviction. Defaults to 5 minutes.
		IdleTimeout time.Duration
		// SweepInterval is how often the janitor scans for idle channels.
		// Defaults to 30 seconds. Negative disables the janitor (tests).
		SweepInterval time.Duration
		// FanoutTimeout bounds how long an append blocks on one slow
		// reader before dropping it. Defaults to 50ms.
		FanoutTimeout time.Duration
		// ReaderCapacity is the per-reader queue size. Defaults to 64.
		ReaderCapacity int
	}

	// Registry maps channel ids to buffers. It is the only process-wide
	// mutable state in the delivery layer and is constructor-injected into
	// transports so tests get an isolated instance. Unrelated channels
	// never contend beyond the registry map lock, which is held only for
	// map operations.
	//
	// Expired channels are recreated on the next write (last-writer-wins):
	// a producer that outlives its channel's idle timeout starts over with
	// a fresh, empty buffer rather than erroring. This tolerates loosely
	// coordinated restarts at the cost of exactly-once delivery.
	Registry struct {
		mu      sync.RWMutex
		buffers map[string]*Buffer
		opts    Options

		stop      chan struct{}
		closeOnce sync.Once
	}
)

// NewRegistry returns a registry with its janitor goroutine started
// (unless SweepInterval is negative). Call Close to release it.
func NewRegistry(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = DefaultFanoutTimeout
	}
	if opts.ReaderCapacity <= 0 {
		opts.ReaderCapacity = DefaultReaderCapacity
	}
	r := &Registry{
		buffers: make(map[string]*Buffer),
		opts:    opts,
		stop:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go r.janitor()
	}
	return r
}

// Obtain returns the channel's buffer, creating one if the channel is
// unknown and replacing one that has passed the idle timeout with a
// fresh, empty buffer.
func (r *Registry) Obtain(name string) *Buffer {
	r.mu.RLock()
	b, ok := r.buffers[name]
	r.mu.RUnlock()
	if ok && !r.expired(b) {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok = r.buffers[name]
	if ok && !r.expired(b) {
		return b
	}
	if ok {
		b.expire()
	}
	b = newBuffer(name, r.opts.FanoutTimeout)
	r.buffers[name] = b
	return b
}

// Lookup returns the channel's buffer without creating one. Expired
// channels are reported as absent.
func (r *Registry) Lookup(name string) (*Buffer, bool) {
	r.mu.RLock()
	b, ok := r.buffers[name]
	r.mu.RUnlock()
	if !ok || r.expired(b) {
		return nil, false
	}
	return b, true
}

// ReaderCapacity returns the configured per-reader queue size.
func (r *Registry) ReaderCapacity() int { return r.opts.ReaderCapacity }

// IdleTimeout returns the configured channel idle timeout.
func (r *Registry) IdleTimeout() time.Duration { return r.opts.IdleTimeout }

// Remove evicts the channel, closing any reader queues. No-op for unknown
// channels.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	b, ok := r.buffers[name]
	delete(r.buffers, name)
	r.mu.Unlock()
	if ok {
		b.expire()
	}
}

// Close stops the janitor and evicts every channel. The registry must not
// be used afterwards.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	buffers := r.buffers
	r.buffers = make(map[string]*Buffer)
	r.mu.Unlock()
	for _, b := range buffers {
		b.expire()
	}
}

func (r *Registry) expired(b *Buffer) bool {
	return time.Since(b.LastActivity()) > r.opts.IdleTimeout
}

// janitor periodically evicts idle channels so abandoned streams do not
// accumulate for the life of the process.
func (r *Registry) janitor() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	var evicted []*Buffer
	r.mu.Lock()
	for name, b := range r.buffers {
		if r.expired(b) {
			delete(r.buffers, name)
			evicted = append(evicted, b)
		}
	}
	r.mu.Unlock()
	for _, b := range evicted {
		b.expire()
		log.Debug(context.Background(), log.KV{K: "msg", V: "evicted idle channel"},
			log.KV{K: "channel", V: b.name})
	}
}

// Package channel implements the in-process channel state backing the
// local transport: a per-channel append-only buffer with poll snapshots
// and per-reader fan-out queues, and a registry that owns buffer
// lifecycle (creation, idle expiry, recreation).
package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/marker"
)

type (
	// Buffer accumulates one channel's events. It is the single
	// synchronization point for the channel: one writer appends, poll
	// consumers snapshot, and push consumers read per-reader queues, all
	// concurrently. Appending from multiple goroutines at once violates
	// the single-writer contract and forfeits ordering.
	//
	// The accumulated text is append-only and equals the concatenation of
	// every delta's prose plus the marker-encoded form of every control
	// event, in emission order. Once finished, further appends are
	// rejected (logged, not an error).
	Buffer struct {
		mu       sync.Mutex
		name     string
		text     strings.Builder
		events   int
		finished bool
		errmsg   string
		last     time.Time
		readers  []*Reader

		// sendMu serializes fan-out and queue closes so the janitor can
		// never close a queue mid-send.
		sendMu        sync.Mutex
		fanoutTimeout time.Duration
	}

	// Reader is one push consumer's view of a buffer. It receives every
	// event appended after registration, in append order, on a bounded
	// queue. The queue closes after the terminal event, when the channel
	// expires, or when the reader falls too far behind (see fan-out policy
	// on Buffer.Append).
	Reader struct {
		ch   chan stream.Event
		done chan struct{}
		buf  *Buffer

		chOnce   sync.Once
		doneOnce sync.Once
	}
)

func newBuffer(name string, fanoutTimeout time.Duration) *Buffer {
	return &Buffer{name: name, last: time.Now(), fanoutTimeout: fanoutTimeout}
}

// Append records a non-terminal event: the event's text fragment (prose
// for deltas, inline marker for control events) is appended to the
// accumulated text and the event is fanned out to all registered readers.
// Appends after Finish are dropped and logged.
//
// Fan-out policy: the writer blocks up to the configured fan-out timeout
// per slow reader, then drops that reader (closing its queue) so an
// abandoned consumer cannot stall the channel indefinitely.
func (b *Buffer) Append(ctx context.Context, event stream.Event) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		log.Warn(ctx, log.KV{K: "msg", V: "append to finished channel dropped"},
			log.KV{K: "channel", V: b.name}, log.KV{K: "event", V: string(event.Type())})
		return
	}
	if frag, ok := marker.Encode(event); ok {
		b.text.WriteString(frag)
	}
	b.events++
	b.last = time.Now()
	readers := b.snapshotReaders()
	b.mu.Unlock()

	b.sendMu.Lock()
	b.fanout(ctx, readers, event)
	b.sendMu.Unlock()
}

// Finish marks the channel terminal with the given Complete or Error
// event. A Complete's full text replaces the accumulated text (the
// session's aggregate is authoritative); an Error records the sanitized
// message. The terminal event is the last value every reader receives
// before its queue closes. Finishing twice is a logged no-op.
func (b *Buffer) Finish(ctx context.Context, event stream.Event) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		log.Warn(ctx, log.KV{K: "msg", V: "channel already finished"},
			log.KV{K: "channel", V: b.name}, log.KV{K: "event", V: string(event.Type())})
		return
	}
	b.finished = true
	b.events++
	b.last = time.Now()
	switch e := event.(type) {
	case stream.Complete:
		// The session's aggregate is already sanitized and may contain
		// legitimate marker tokens, so it lands verbatim.
		b.text.Reset()
		b.text.WriteString(e.FullText)
	case stream.Error:
		b.errmsg = e.Data.Message
	}
	readers := b.snapshotReaders()
	b.readers = nil
	b.mu.Unlock()

	b.sendMu.Lock()
	b.fanout(ctx, readers, event)
	for _, r := range readers {
		r.closeQueue()
	}
	b.sendMu.Unlock()
}

// Snapshot returns the channel's current state without blocking. Reading
// counts as activity for idle-expiry purposes.
func (b *Buffer) Snapshot() stream.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = time.Now()
	return stream.Snapshot{
		Text:     b.text.String(),
		Finished: b.finished,
		Error:    b.errmsg,
		Events:   b.events,
	}
}

// RegisterReader creates an independent consumption queue receiving all
// events appended from this point on. Registering on a finished buffer
// returns an already-closed reader.
func (b *Buffer) RegisterReader(capacity int) *Reader {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Reader{ch: make(chan stream.Event, capacity), done: make(chan struct{}), buf: b}
	b.mu.Lock()
	b.last = time.Now()
	if b.finished {
		b.mu.Unlock()
		r.closeQueue()
		return r
	}
	b.readers = append(b.readers, r)
	b.mu.Unlock()
	return r
}

// Finished reports whether a terminal event was recorded.
func (b *Buffer) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// LastActivity returns the time of the most recent write or read.
func (b *Buffer) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// expire rejects future appends and closes all reader queues without a
// terminal event. Called by the registry janitor when the channel idles
// out; the next write to the channel id obtains a fresh buffer.
func (b *Buffer) expire() {
	b.mu.Lock()
	b.finished = true
	readers := b.snapshotReaders()
	b.readers = nil
	b.mu.Unlock()

	b.sendMu.Lock()
	for _, r := range readers {
		r.closeQueue()
	}
	b.sendMu.Unlock()
}

// snapshotReaders copies the reader list. Callers must hold b.mu.
func (b *Buffer) snapshotReaders() []*Reader {
	readers := make([]*Reader, len(b.readers))
	copy(readers, b.readers)
	return readers
}

// fanout delivers event to each reader, blocking at most fanoutTimeout per
// full queue before dropping the reader. Runs under sendMu, outside b.mu,
// so a slow reader never blocks snapshots or registration.
func (b *Buffer) fanout(ctx context.Context, readers []*Reader, event stream.Event) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for _, r := range readers {
		// The done check must come first, on its own: a reader that closed
		// between the reader-list snapshot and this point has a closed
		// queue, and a combined select would race the send case against it.
		// Once done is seen open the queue stays sendable for as long as
		// sendMu is held, because Close closes done before taking sendMu.
		select {
		case <-r.done:
			continue
		default:
		}
		select {
		case r.ch <- event:
			continue
		default:
		}
		if timer == nil {
			timer = time.NewTimer(b.fanoutTimeout)
		} else {
			timer.Reset(b.fanoutTimeout)
		}
		select {
		case r.ch <- event:
			if !timer.Stop() {
				<-timer.C
			}
		case <-r.done:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			log.Warn(ctx, log.KV{K: "msg", V: "dropping slow stream reader"},
				log.KV{K: "channel", V: b.name})
			b.removeReader(r)
			r.closeQueue()
		}
	}
}

func (b *Buffer) removeReader(r *Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cand := range b.readers {
		if cand == r {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			return
		}
	}
}

// Events returns the reader's queue. The queue closes when the stream
// terminates, the channel expires, the reader calls Close, or the reader
// is dropped for falling behind.
func (r *Reader) Events() <-chan stream.Event { return r.ch }

// Done closes when the reader is detached for any reason. Watchdog
// goroutines select on it to avoid outliving the reader.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Close unregisters the reader and closes its queue. Safe to call
// multiple times and concurrently with writer activity: the queue close
// waits for any in-flight fan-out to drain.
func (r *Reader) Close() {
	r.buf.removeReader(r)
	r.doneOnce.Do(func() { close(r.done) })
	r.buf.sendMu.Lock()
	r.chOnce.Do(func() { close(r.ch) })
	r.buf.sendMu.Unlock()
}

// closeQueue closes the reader's queue from the writer side (fan-out,
// Finish, expire). Callers hold sendMu, so a send can never race the
// close.
func (r *Reader) closeQueue() {
	r.doneOnce.Do(func() { close(r.done) })
	r.chOnce.Do(func() { close(r.ch) })
}

// Package local implements the development transport: events are fanned
// out to in-process consumers instead of a broker. Consumers either poll
// a channel's snapshot (long-poll endpoints) or subscribe for pushed
// events (SSE loops); both observe the same ordered stream the producing
// session emits.
//
// State lives in an injected channel.Registry, so tests and embedded
// servers get isolated instances and there is no package-level state.
// Channels expire after the registry's idle timeout; a write to an
// expired channel transparently starts a fresh one (last-writer-wins).
package local

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/channel"
)

type (
	// Options configures the local transport.
	Options struct {
		// Registry holds the per-channel buffers. Required.
		Registry *channel.Registry
	}

	// Transport delivers events to in-process readers through a channel
	// registry. It implements stream.Transport and stream.Poller.
	Transport struct {
		registry *channel.Registry
	}
)

// New constructs a local transport over the given registry.
func New(opts Options) (*Transport, error) {
	if opts.Registry == nil {
		return nil, errors.New("channel registry is required")
	}
	return &Transport{registry: opts.Registry}, nil
}

// Publish forwards the event to the channel's buffer: terminal events
// finish the channel, everything else appends. Publishing to an expired
// channel recreates it.
func (t *Transport) Publish(ctx context.Context, event stream.Event) error {
	buf := t.registry.Obtain(event.Channel())
	if event.Type().Terminal() {
		buf.Finish(ctx, event)
	} else {
		buf.Append(ctx, event)
	}
	return nil
}

// Close releases every channel. The registry owner may instead keep the
// registry alive across transports; Close here is for the common case
// where the transport owns it.
func (t *Transport) Close(context.Context) error {
	t.registry.Close()
	return nil
}

// Poll implements stream.Poller: it returns the channel's current text,
// finished flag, and event count without blocking. Unknown and expired
// channels yield the zero snapshot, which is exactly what a consumer that
// races the producer's first write should see.
func (t *Transport) Poll(channelID string) stream.Snapshot {
	buf, ok := t.registry.Lookup(channelID)
	if !ok {
		return stream.Snapshot{}
	}
	return buf.Snapshot()
}

// Subscribe registers a push reader on the channel and returns its event
// stream. The returned channel yields every event published after the
// call, in publish order, and closes when a terminal event has been
// delivered, the channel expires, ctx is canceled, or stop is called.
// Subscribing creates the channel if needed so a consumer may attach
// before the producer's first write.
func (t *Transport) Subscribe(ctx context.Context, channelID string) (<-chan stream.Event, func()) {
	buf := t.registry.Obtain(channelID)
	r := buf.RegisterReader(t.registry.ReaderCapacity())
	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() { close(stopped) })
		r.Close()
	}
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-stopped:
		case <-r.Done():
		}
	}()
	return r.Events(), stop
}

// IdleTimeout returns the registry's channel idle timeout, after which an
// untouched channel's subscribers are disconnected and its state is
// discarded.
func (t *Transport) IdleTimeout() time.Duration {
	return t.registry.IdleTimeout()
}

package session

import (
	"context"
	"fmt"
	"sync"

	"goa.design/clue/log"
)

type (
	// Producer is a synchronous production routine: it drives a session
	// (streaming text, emitting control events) and returns when the
	// response is complete. It typically wraps a blocking model-inference
	// loop with no asynchronous API of its own.
	Producer func(ctx context.Context, s *Session) error

	// Handle tracks a producer started by RunProducer. Consumers do not
	// need it (they poll or subscribe through the transport) but the
	// caller can join the producer or inspect its outcome.
	Handle struct {
		session *Session
		done    chan struct{}

		mu  sync.Mutex
		err error
	}
)

// RunProducer bridges a synchronous producer onto its own goroutine so
// the caller (typically a request handler that must return immediately)
// is never blocked by production. The producer gets a detached context:
// it outlives the inbound request that started it.
//
// Failure containment: a producer that returns an error or panics never
// propagates to the caller of RunProducer. The session is failed with a
// sanitized message and the cause is logged; the error is also available
// from Handle.Err after Handle.Done closes. A producer that returns
// without terminating the session is finalized on its behalf.
//
// The bridge exists for the local transport, whose producer would
// otherwise block the poll/subscribe consumers' goroutine; the broker
// transport is already non-blocking at the network layer.
func RunProducer(ctx context.Context, opts Options, fn Producer) (*Handle, error) {
	s, err := New(opts)
	if err != nil {
		return nil, err
	}
	h := &Handle{session: s, done: make(chan struct{})}
	pctx := context.WithoutCancel(ctx)
	go h.run(pctx, fn)
	return h, nil
}

// Session returns the producer's delivery session.
func (h *Handle) Session() *Session { return h.session }

// Done closes when the producer has returned and the channel is terminal.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the producer's error, if any. Only meaningful after Done
// has closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) run(ctx context.Context, fn Producer) {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("producer panic: %v", r)
			h.setErr(err)
			h.fail(ctx, err)
		}
	}()
	if err := fn(ctx, h.session); err != nil {
		h.setErr(err)
		h.fail(ctx, err)
		return
	}
	if h.session.Closed() {
		return
	}
	if _, err := h.session.Finalize(ctx); err != nil {
		h.setErr(err)
		log.Error(ctx, err, log.KV{K: "msg", V: "producer finalize failed"},
			log.KV{K: "channel", V: h.session.Channel()})
	}
}

// fail terminates the session with a sanitized message. The cause stays
// in server logs.
func (h *Handle) fail(ctx context.Context, cause error) {
	if h.session.Closed() {
		log.Error(ctx, cause, log.KV{K: "msg", V: "producer failed after session close"},
			log.KV{K: "channel", V: h.session.Channel()})
		return
	}
	if err := h.session.Fail(ctx, "The response could not be completed.", cause); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "producer fail delivery failed"},
			log.KV{K: "channel", V: h.session.Channel()})
	}
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

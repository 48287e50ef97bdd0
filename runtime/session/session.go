// Package session coordinates the delivery of one response. A Session
// serializes prose deltas and control events onto a stream.Transport in
// call order, aggregates the full response text, and owns the channel's
// terminal transition (Finalize or Fail).
//
// A session has exactly one writer: the producer goroutine driving it.
// Consumers read the same channel concurrently through the transport's
// poll/subscribe surface. Emit methods after Finalize or Fail return
// stream.ErrSessionClosed and are otherwise harmless.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/marker"
	"goa.design/lexia/runtime/telemetry"
)

type (
	// Options configures a Session.
	Options struct {
		// Transport delivers the session's events. Required.
		Transport stream.Transport
		// Request supplies the channel and response metadata. ChannelID is
		// required; a missing ResponseID is filled with a UUID.
		Request RequestContext
		// Recorder receives usage reports fire-and-forget. Optional.
		Recorder UsageRecorder
		// Metrics records delivery metrics. Optional; defaults to a no-op.
		Metrics telemetry.Metrics
	}

	// Session is the per-response delivery coordinator. All methods are
	// synchronous: when an emit returns, the event has been handed to the
	// transport (or the error tells the producer it was not). The session
	// mutex is held across the transport publish so events reach the
	// transport in call order even under misuse from multiple goroutines.
	Session struct {
		mu sync.Mutex

		req       RequestContext
		ref       stream.Ref
		transport stream.Transport
		recorder  UsageRecorder
		metrics   telemetry.Metrics

		state state
		full  strings.Builder
		final string
	}

	state int
)

const (
	stateOpen state = iota
	stateFinalized
	stateFailed
)

// New constructs a Session bound to the request's channel.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Request.ChannelID == "" {
		return nil, errors.New("channel id is required")
	}
	if opts.Request.ResponseID == "" {
		opts.Request.ResponseID = uuid.NewString()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Session{
		req:       opts.Request,
		ref:       opts.Request.ref(),
		transport: opts.Transport,
		recorder:  opts.Recorder,
		metrics:   metrics,
	}, nil
}

// Channel returns the channel id the session writes to.
func (s *Session) Channel() string { return s.req.ChannelID }

// ResponseID returns the response id stamped on every event.
func (s *Session) ResponseID() string { return s.req.ResponseID }

// Closed reports whether the session reached a terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateOpen
}

// StreamText appends one prose fragment to the response. May be called
// any number of times; the fragments concatenate, in call order, into the
// text Finalize returns.
func (s *Session) StreamText(ctx context.Context, text string) error {
	if err := s.emit(ctx, stream.NewDelta(s.ref, text)); err != nil {
		return fmt.Errorf("stream text: %w", err)
	}
	s.metrics.DeltaBytes(ctx, len(text))
	return nil
}

// StartLoading shows a loading indicator of the given kind.
func (s *Session) StartLoading(ctx context.Context, kind string) error {
	if err := s.emit(ctx, stream.NewLoadingStart(s.ref, kind)); err != nil {
		return fmt.Errorf("start loading: %w", err)
	}
	return nil
}

// EndLoading hides a loading indicator of the given kind. Pairing with
// StartLoading is the caller's responsibility: an unmatched EndLoading is
// delivered as-is and consumers ignore it.
func (s *Session) EndLoading(ctx context.Context, kind string) error {
	if err := s.emit(ctx, stream.NewLoadingEnd(s.ref, kind)); err != nil {
		return fmt.Errorf("end loading: %w", err)
	}
	return nil
}

// EmitImage renders an image at the current position in the stream. An
// empty URL is skipped with a warning, matching the permissive contract
// of the other emit operations.
func (s *Session) EmitImage(ctx context.Context, url string) error {
	if url == "" {
		log.Warn(ctx, log.KV{K: "msg", V: "image url is empty, skipping"},
			log.KV{K: "channel", V: s.req.ChannelID})
		return nil
	}
	if err := s.emit(ctx, stream.NewImage(s.ref, url)); err != nil {
		return fmt.Errorf("emit image: %w", err)
	}
	return nil
}

// EmitHTML renders a self-contained HTML fragment at the current position
// in the stream. Empty content is skipped with a warning.
func (s *Session) EmitHTML(ctx context.Context, html string) error {
	if html == "" {
		log.Warn(ctx, log.KV{K: "msg", V: "html content is empty, skipping"},
			log.KV{K: "channel", V: s.req.ChannelID})
		return nil
	}
	if err := s.emit(ctx, stream.NewHTML(s.ref, html)); err != nil {
		return fmt.Errorf("emit html: %w", err)
	}
	return nil
}

// EmitButton renders an interactive button at the current position in the
// stream.
func (s *Session) EmitButton(ctx context.Context, data stream.ButtonPayload) error {
	if err := s.emit(ctx, stream.NewButton(s.ref, data)); err != nil {
		return fmt.Errorf("emit button: %w", err)
	}
	return nil
}

// AppendTrace attaches diagnostic text to the stream. Visibility defaults
// to stream.TraceDeveloper.
func (s *Session) AppendTrace(ctx context.Context, text, visibility string) error {
	if err := s.emit(ctx, stream.NewTrace(s.ref, stream.TracePayload{Text: text, Visibility: visibility})); err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// RecordUsage reports token consumption. The usage event is delivered
// in-stream like any other event; the usage recorder, when configured, is
// invoked on a detached goroutine and its errors are logged, never
// returned. Usage accounting must not break the response.
func (s *Session) RecordUsage(ctx context.Context, usage stream.UsagePayload) error {
	if err := s.emit(ctx, stream.NewUsage(s.ref, usage)); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	s.metrics.UsageTokens(ctx, usage.Kind, usage.Tokens)
	if s.recorder != nil {
		rctx := context.WithoutCancel(ctx)
		go func() {
			if err := s.recorder.Record(rctx, s.req.ResponseID, usage); err != nil {
				log.Error(rctx, err, log.KV{K: "msg", V: "usage recording failed"},
					log.KV{K: "channel", V: s.req.ChannelID},
					log.KV{K: "response_id", V: s.req.ResponseID})
			}
		}()
	}
	return nil
}

// Finalize terminates the channel successfully and returns the final
// aggregated text: the concatenation of everything streamed, or explicit
// when the caller supplies an authoritative full response. Idempotent:
// repeat calls return the cached result without emitting another
// Complete event. After Fail, Finalize returns the text aggregated up to
// the failure.
func (s *Session) Finalize(ctx context.Context, explicit ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return s.final, nil
	}
	final := s.full.String()
	if len(explicit) > 0 && explicit[0] != "" {
		final = explicit[0]
	}
	ev := stream.NewComplete(s.ref, final)
	if err := s.transport.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	s.state = stateFinalized
	s.final = final
	s.metrics.EventPublished(ctx, string(stream.EventComplete))
	log.Debug(ctx, log.KV{K: "msg", V: "session finalized"},
		log.KV{K: "channel", V: s.req.ChannelID},
		log.KV{K: "chars", V: len(final)})
	return final, nil
}

// Fail terminates the channel in a failed state. Only the message (and
// optional short detail) crosses the transport; cause is captured in
// server-side logs. Consumers observe a terminal Error event and end
// their read loop exactly as they would on Complete.
func (s *Session) Fail(ctx context.Context, message string, cause error) error {
	if message == "" {
		message = "An unexpected error occurred."
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		log.Warn(ctx, log.KV{K: "msg", V: "fail on closed session ignored"},
			log.KV{K: "channel", V: s.req.ChannelID})
		return stream.ErrSessionClosed
	}
	log.Error(ctx, cause, log.KV{K: "msg", V: "session failed"},
		log.KV{K: "channel", V: s.req.ChannelID},
		log.KV{K: "response_id", V: s.req.ResponseID},
		log.KV{K: "user_message", V: message})
	ev := stream.NewError(s.ref, message, "")
	if err := s.transport.Publish(ctx, ev); err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	s.state = stateFailed
	s.final = s.full.String()
	s.metrics.EventPublished(ctx, string(stream.EventError))
	s.metrics.SessionFailed(ctx)
	return nil
}

// emit publishes one non-terminal event and, on success, appends its text
// fragment to the aggregate.
func (s *Session) emit(ctx context.Context, event stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		log.Warn(ctx, log.KV{K: "msg", V: "emit on closed session"},
			log.KV{K: "channel", V: s.req.ChannelID},
			log.KV{K: "event", V: string(event.Type())})
		return stream.ErrSessionClosed
	}
	if err := s.transport.Publish(ctx, event); err != nil {
		return err
	}
	if frag, ok := marker.Encode(event); ok {
		s.full.WriteString(frag)
	}
	s.metrics.EventPublished(ctx, string(event.Type()))
	return nil
}

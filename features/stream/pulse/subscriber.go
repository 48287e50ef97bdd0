package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/lexia/features/stream/pulse/clients/pulse"
	"goa.design/lexia/runtime/stream"
)

type (
	// EnvelopeDecoder converts raw Pulse payloads into stream events.
	// Override it to consume non-standard envelope formats.
	EnvelopeDecoder func([]byte) (stream.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "lexia_subscriber".
		SinkName string
		// StreamID derives the Pulse stream from a channel id. Must match
		// the transport's mapping. Defaults to "chan/<channel>".
		StreamID func(channel string) string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes payloads. Defaults to the built-in JSON
		// envelope decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes a channel's Pulse stream and emits typed stream
	// events. The event channel ends after the terminal event (Complete or
	// Error). Consumers treat both identically for loop termination and
	// distinguish them by event type.
	Subscriber struct {
		client   clientspulse.Client
		streamID func(string) string
		name     string
		buffer   int
		decode   EnvelopeDecoder
	}

	// decodedEvent implements stream.Event for envelopes read off Pulse.
	decodedEvent struct {
		t stream.EventType
		r stream.Ref
		p json.RawMessage
	}
)

func (e decodedEvent) Type() stream.EventType { return e.t }
func (e decodedEvent) Channel() string        { return e.r.Channel }
func (e decodedEvent) Ref() stream.Ref        { return e.r }
func (e decodedEvent) Payload() any           { return e.p }

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "lexia_subscriber"
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{client: opts.Client, streamID: streamID, name: name, buffer: buffer, decode: decoder}, nil
}

// Subscribe opens a consumer group on the channel's stream and returns
// channels for events and errors plus a cancel function. Events arrive in
// publish order; the event channel closes after the terminal event, on
// error, or when canceled.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, channelID)
//	defer cancel()
//	for evt := range events {
//	    // render evt
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	channelID string,
	opts ...streamopts.Sink,
) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.streamID(channelID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan stream.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads raw events from the Pulse sink, decodes them, emits them,
// and acks them. It returns (closing both channels) on the terminal
// event, on decode/ack failure, on cancellation, or when the sink closes.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
			if decoded.Type().Terminal() {
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format.
func decodeEnvelope(payload []byte) (stream.Event, error) {
	var env struct {
		Type       string          `json:"type"`
		Channel    string          `json:"channel"`
		ResponseID string          `json:"response_id"`
		ThreadID   string          `json:"thread_id"`
		Timestamp  time.Time       `json:"timestamp"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return decodedEvent{
		t: stream.EventType(env.Type),
		r: stream.Ref{Channel: env.Channel, ResponseID: env.ResponseID, ThreadID: env.ThreadID},
		p: env.Payload,
	}, nil
}

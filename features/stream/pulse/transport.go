// Package pulse implements the production delivery transport: events are
// published to goa.design/pulse streams (Redis streams) and fan-out to
// remote consumers is the broker's job. Pulse carries structured payloads
// natively, so events travel as JSON envelopes; the inline marker
// encoding is a local-transport concern and never touches this path.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/time/rate"

	clientspulse "goa.design/lexia/features/stream/pulse/clients/pulse"
	"goa.design/lexia/runtime/stream"
)

type (
	// TransportOptions configures the broker transport.
	TransportOptions struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from a channel id.
		// Defaults to "chan/<channel>".
		StreamID func(channel string) string
		// PublishRate caps publishes per second across all channels. Zero
		// means unlimited.
		PublishRate rate.Limit
		// PublishBurst is the rate limiter burst. Defaults to 1 when a
		// rate is set.
		PublishBurst int
	}

	// Transport publishes stream events to Pulse. It implements
	// stream.Transport; it deliberately does not implement stream.Poller:
	// pull-based consumption is a local-transport mode, remote consumers
	// subscribe through the broker (see Subscriber).
	//
	// Thread-safe: Publish may be called concurrently from any number of
	// sessions.
	Transport struct {
		client   clientspulse.Client
		streamID func(string) string
		limiter  *rate.Limiter
	}

	// envelope is the wire form of an event on a Pulse stream.
	envelope struct {
		// Type identifies the event kind (e.g. "delta", "complete").
		Type string `json:"type"`
		// Channel is the delivery channel id.
		Channel string `json:"channel"`
		// ResponseID identifies the response being streamed, if known.
		ResponseID string `json:"response_id,omitempty"`
		// ThreadID identifies the conversation thread, if known.
		ThreadID string `json:"thread_id,omitempty"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific data.
		Payload any `json:"payload,omitempty"`
	}
)

// NewTransport constructs a Pulse-backed delivery transport.
func NewTransport(opts TransportOptions) (*Transport, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.PublishRate, burst)
	}
	return &Transport{client: opts.Client, streamID: streamID, limiter: limiter}, nil
}

// Publish wraps the event in a JSON envelope and adds it to the channel's
// Pulse stream. Failures are classified into stream.TransportError kinds
// so the session caller can pick a retry policy.
func (t *Transport) Publish(ctx context.Context, event stream.Event) error {
	if event.Channel() == "" {
		return stream.NewTransportError(stream.TransportUnknown, "publish", errors.New("event missing channel id"))
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return classify("rate wait", err)
		}
	}
	handle, err := t.client.Stream(t.streamID(event.Channel()))
	if err != nil {
		return classify("open stream", err)
	}
	ref := event.Ref()
	env := envelope{
		Type:       string(event.Type()),
		Channel:    ref.Channel,
		ResponseID: ref.ResponseID,
		ThreadID:   ref.ThreadID,
		Timestamp:  time.Now().UTC(),
		Payload:    event.Payload(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return stream.NewTransportError(stream.TransportUnknown, "marshal envelope", err)
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return classify("add", err)
	}
	return nil
}

// Close delegates to the Pulse client.
func (t *Transport) Close(ctx context.Context) error {
	return t.client.Close(ctx)
}

func defaultStreamID(channel string) string {
	return fmt.Sprintf("chan/%s", channel)
}

// classify maps a Redis/Pulse failure onto the transport error taxonomy.
// Redis reports authentication problems as in-band error strings, so the
// auth check is textual by necessity.
func classify(op string, err error) *stream.TransportError {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"), strings.Contains(msg, "WRONGPASS"), strings.Contains(msg, "NOPERM"):
		return stream.NewTransportError(stream.TransportAuthFailed, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return stream.NewTransportError(stream.TransportNetwork, op, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			return stream.NewTransportError(stream.TransportNetwork, op, err)
		}
		return stream.NewTransportError(stream.TransportUnknown, op, err)
	}
}

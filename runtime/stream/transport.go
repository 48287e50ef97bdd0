package stream

import "context"

type (
	// Transport delivers events from a session to consumers. Two
	// implementations exist: features/stream/pulse publishes to a Pulse
	// (Redis streams) broker for production, and features/stream/local
	// fans events out to in-process readers for development and tests.
	//
	// Implementations must be thread-safe. Delivery failures are returned
	// to the caller, never swallowed: the session surfaces them so the
	// producer can retry or fail the response.
	Transport interface {
		// Publish delivers one event to the channel named by the event's
		// Ref. Events published by a single goroutine reach consumers in
		// publish order.
		Publish(ctx context.Context, event Event) error

		// Close releases resources owned by the transport. Idempotent.
		Close(ctx context.Context) error
	}

	// Poller is implemented by pull-based transports. The production
	// broker transport does not implement it; polling is a local/dev
	// consumption mode.
	Poller interface {
		// Poll returns the channel's current state without blocking. An
		// unknown or expired channel yields the zero Snapshot.
		Poll(channel string) Snapshot
	}

	// Snapshot is a cursor-free view of a channel for poll consumers. Text
	// grows append-only until Finished is set, after which it is frozen.
	Snapshot struct {
		// Text is the accumulated response text, with control events
		// marker-encoded inline.
		Text string `json:"text"`
		// Finished reports whether a terminal event was observed.
		Finished bool `json:"finished"`
		// Error is the sanitized failure message when the channel was
		// terminated by an Error event, empty otherwise.
		Error string `json:"error,omitempty"`
		// Events counts all events accepted by the channel since it was
		// created. It is a cumulative total, not the number of events new
		// in this poll: consumers that need "what changed" diff the value
		// against the one from their previous poll.
		Events int `json:"events"`
	}
)

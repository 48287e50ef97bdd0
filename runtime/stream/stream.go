// Package stream defines the event model shared by all Lexia delivery
// transports. A channel carries one response's events: incremental text
// deltas interleaved with control events (loading indicators, images,
// buttons, traces, usage reports) and exactly one terminal event
// (Complete or Error).
//
// Events form a discriminated union: all concrete types embed Base and
// implement the Event interface. Transports use the interface to marshal
// events generically; consumers type-assert to concrete types when they
// need structured field access.
//
// Events are immutable after construction and safe to publish concurrently,
// though within one channel a single session is the only writer and events
// are delivered in emission order.
package stream

type (
	// Event describes one entry in a channel's ordered stream. Concrete
	// types embed Base to inherit the accessor methods.
	Event interface {
		// Type returns the event type constant (e.g. EventDelta, EventComplete).
		Type() EventType

		// Channel returns the id of the channel the event belongs to. All
		// events produced by one session share the same channel id.
		Channel() string

		// Ref returns the full addressing metadata for the event (channel,
		// response id, thread id).
		Ref() Ref

		// Payload returns the event-specific data in a JSON-serializable
		// form. Transports marshal this value when the wire format carries
		// structured payloads.
		Payload() any
	}

	// Ref addresses a single in-flight response. The channel id scopes the
	// event stream; response and thread ids are opaque metadata carried for
	// consumers and may be empty.
	Ref struct {
		// Channel is the id of the channel the event stream belongs to.
		Channel string `json:"channel"`
		// ResponseID identifies the response being streamed.
		ResponseID string `json:"response_id,omitempty"`
		// ThreadID identifies the conversation thread, if any.
		ThreadID string `json:"thread_id,omitempty"`
	}

	// Base provides the default Event implementation. Field names are
	// abbreviated because events are built through the New* constructors
	// and the fields are rarely accessed directly.
	Base struct {
		// T is the event type constant.
		T EventType
		// R addresses the response the event belongs to.
		R Ref
		// P is the JSON-serializable payload returned by Payload().
		P any
	}

	// Delta carries one incremental fragment of generated prose text.
	// Consumers concatenate Text from sequential Delta events to
	// reconstruct the response as it is produced.
	Delta struct {
		Base
		// Text is the prose fragment. May be empty.
		Text string
	}

	// LoadingStart signals that a loading indicator of the given kind
	// should be shown. Pairing with LoadingEnd is the producer's
	// responsibility; an unmatched event is delivered as-is.
	LoadingStart struct {
		Base
		// Kind names the indicator (e.g. LoadingThinking).
		Kind string
	}

	// LoadingEnd signals that a loading indicator of the given kind should
	// be hidden.
	LoadingEnd struct {
		Base
		Kind string
	}

	// Image carries the URL of an image to render inline at the current
	// position in the stream.
	Image struct {
		Base
		// URL locates the image. Always an absolute URL; uploading raw
		// image bytes to obtain one is the producer's concern.
		URL string
	}

	// HTML carries a self-contained HTML fragment to render inline at the
	// current position in the stream. Consumers render it sandboxed; the
	// fragment never executes in the host page's origin.
	HTML struct {
		Base
		HTML string
	}

	// Button carries an interactive button to render inline.
	Button struct {
		Base
		Data ButtonPayload
	}

	// Trace carries diagnostic text attached to the stream. Visibility
	// controls whether end users or only developers should see it.
	Trace struct {
		Base
		Data TracePayload
	}

	// Usage reports token consumption for one model call. Delivered
	// in-stream so consumers can display running cost, and independently
	// forwarded to the usage accounting service by the session.
	Usage struct {
		Base
		Data UsagePayload
	}

	// Complete terminates a channel successfully. It is the last event any
	// reader observes and carries the authoritative full response text.
	Complete struct {
		Base
		// FullText is the complete aggregated response.
		FullText string
	}

	// Error terminates a channel in a failed state. Consumers treat it
	// like Complete for the purpose of ending their read loop. The message
	// is sanitized: internal error details never cross the transport.
	Error struct {
		Base
		Data ErrorPayload
	}

	// ButtonPayload describes one inline button.
	ButtonPayload struct {
		// Label is the text rendered on the button.
		Label string `json:"label"`
		// Target is the action or URL the button triggers.
		Target string `json:"target"`
		// Color is an optional rendering hint (e.g. "primary", "#ff6600").
		Color string `json:"color,omitempty"`
	}

	// TracePayload describes one trace entry.
	TracePayload struct {
		Text string `json:"text"`
		// Visibility is TraceUser or TraceDeveloper. Empty means TraceDeveloper.
		Visibility string `json:"visibility,omitempty"`
	}

	// UsagePayload describes token consumption for one model call.
	UsagePayload struct {
		Tokens int    `json:"tokens"`
		Kind   string `json:"kind"`
		// Cost is the monetary cost in the accounting service's currency.
		// Zero when unknown.
		Cost float64 `json:"cost,omitempty"`
		// Label optionally names the call (e.g. the model id).
		Label string `json:"label,omitempty"`
	}

	// DeltaPayload is the wire payload for Delta events.
	DeltaPayload struct {
		Text string `json:"text"`
	}

	// LoadingPayload is the wire payload for LoadingStart and LoadingEnd events.
	LoadingPayload struct {
		Kind string `json:"kind"`
	}

	// ImagePayload is the wire payload for Image events.
	ImagePayload struct {
		URL string `json:"url"`
	}

	// HTMLPayload is the wire payload for HTML events.
	HTMLPayload struct {
		HTML string `json:"html"`
	}

	// CompletePayload is the wire payload for Complete events.
	CompletePayload struct {
		FullText string `json:"full_text"`
	}

	// ErrorPayload is the wire payload for Error events. Detail is a short
	// sanitized hint, never raw exception text.
	ErrorPayload struct {
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	}
)

// EventType enumerates stream event flavors.
type EventType string

const (
	// EventDelta is an incremental prose fragment.
	EventDelta EventType = "delta"
	// EventLoadingStart shows a loading indicator.
	EventLoadingStart EventType = "loading_start"
	// EventLoadingEnd hides a loading indicator.
	EventLoadingEnd EventType = "loading_end"
	// EventImage renders an inline image.
	EventImage EventType = "image"
	// EventHTML renders an inline HTML fragment.
	EventHTML EventType = "html"
	// EventButton renders an inline button.
	EventButton EventType = "button"
	// EventTrace attaches diagnostic text to the stream.
	EventTrace EventType = "trace"
	// EventUsage reports token consumption.
	EventUsage EventType = "usage"
	// EventComplete terminates the channel successfully.
	EventComplete EventType = "complete"
	// EventError terminates the channel in a failed state.
	EventError EventType = "error"
)

// Loading indicator kinds understood by standard consumers. Producers may
// use arbitrary kind strings; these cover the common cases.
const (
	// LoadingThinking indicates model reasoning in progress.
	LoadingThinking = "thinking"
	// LoadingSearching indicates a retrieval or web search in progress.
	LoadingSearching = "searching"
	// LoadingGenerating indicates media generation in progress.
	LoadingGenerating = "generating"
)

// Trace visibility levels.
const (
	// TraceUser marks a trace entry safe to show to end users.
	TraceUser = "user"
	// TraceDeveloper restricts a trace entry to developer tooling.
	TraceDeveloper = "developer"
)

// Usage kinds reported by model calls.
const (
	// UsagePrompt counts tokens consumed by the prompt.
	UsagePrompt = "prompt"
	// UsageCompletion counts tokens produced by the completion.
	UsageCompletion = "completion"
)

// Type implements Event.Type.
func (e Base) Type() EventType { return e.T }

// Channel implements Event.Channel.
func (e Base) Channel() string { return e.R.Channel }

// Ref implements Event.Ref.
func (e Base) Ref() Ref { return e.R }

// Payload implements Event.Payload.
func (e Base) Payload() any { return e.P }

// NewDelta builds a Delta event.
func NewDelta(ref Ref, text string) Delta {
	return Delta{Base: Base{T: EventDelta, R: ref, P: DeltaPayload{Text: text}}, Text: text}
}

// NewLoadingStart builds a LoadingStart event.
func NewLoadingStart(ref Ref, kind string) LoadingStart {
	return LoadingStart{Base: Base{T: EventLoadingStart, R: ref, P: LoadingPayload{Kind: kind}}, Kind: kind}
}

// NewLoadingEnd builds a LoadingEnd event.
func NewLoadingEnd(ref Ref, kind string) LoadingEnd {
	return LoadingEnd{Base: Base{T: EventLoadingEnd, R: ref, P: LoadingPayload{Kind: kind}}, Kind: kind}
}

// NewImage builds an Image event.
func NewImage(ref Ref, url string) Image {
	return Image{Base: Base{T: EventImage, R: ref, P: ImagePayload{URL: url}}, URL: url}
}

// NewHTML builds an HTML event.
func NewHTML(ref Ref, html string) HTML {
	return HTML{Base: Base{T: EventHTML, R: ref, P: HTMLPayload{HTML: html}}, HTML: html}
}

// NewButton builds a Button event.
func NewButton(ref Ref, data ButtonPayload) Button {
	return Button{Base: Base{T: EventButton, R: ref, P: data}, Data: data}
}

// NewTrace builds a Trace event. An empty visibility defaults to TraceDeveloper.
func NewTrace(ref Ref, data TracePayload) Trace {
	if data.Visibility == "" {
		data.Visibility = TraceDeveloper
	}
	return Trace{Base: Base{T: EventTrace, R: ref, P: data}, Data: data}
}

// NewUsage builds a Usage event.
func NewUsage(ref Ref, data UsagePayload) Usage {
	return Usage{Base: Base{T: EventUsage, R: ref, P: data}, Data: data}
}

// NewComplete builds a Complete event carrying the final response text.
func NewComplete(ref Ref, fullText string) Complete {
	return Complete{Base: Base{T: EventComplete, R: ref, P: CompletePayload{FullText: fullText}}, FullText: fullText}
}

// NewError builds an Error event. The message and detail must already be
// sanitized for end-user display.
func NewError(ref Ref, message, detail string) Error {
	data := ErrorPayload{Message: message, Detail: detail}
	return Error{Base: Base{T: EventError, R: ref, P: data}, Data: data}
}

// Terminal reports whether t ends a channel's stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

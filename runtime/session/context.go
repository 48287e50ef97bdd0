package session

import (
	"context"

	"goa.design/lexia/runtime/stream"
)

type (
	// RequestContext carries the inbound request metadata a session needs:
	// the channel to write to and the response/thread ids stamped on every
	// event. The delivery layer never inspects anything beyond these; Meta
	// is passed through untouched for the application's benefit.
	RequestContext struct {
		// ChannelID scopes the response's event stream. Required.
		ChannelID string
		// ResponseID identifies the response. Filled with a UUID when empty.
		ResponseID string
		// ThreadID identifies the conversation thread, if any.
		ThreadID string
		// Meta holds application metadata opaque to this layer.
		Meta map[string]string
	}

	// UsageRecorder forwards usage reports to the accounting service.
	// RecordUsage invokes it fire-and-forget: errors are logged and never
	// reach the producer, because usage tracking must not break the
	// user-visible response.
	UsageRecorder interface {
		Record(ctx context.Context, responseID string, usage stream.UsagePayload) error
	}
)

// ref returns the stream addressing metadata for the request.
func (r RequestContext) ref() stream.Ref {
	return stream.Ref{Channel: r.ChannelID, ResponseID: r.ResponseID, ThreadID: r.ThreadID}
}

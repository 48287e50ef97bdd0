package session

import (
	"context"

	"goa.design/lexia/runtime/stream"
)

// Flow accumulates a scripted sequence of emit operations and replays them
// on the session in order. It lets producers assemble a response
// declaratively before anything touches the transport:
//
//	err := s.Flow().
//		Loading(stream.LoadingThinking).
//		Text("Here is the chart: ").
//		Image(url).
//		DoneLoading(stream.LoadingThinking).
//		Run(ctx)
//
// A Flow is single use and not safe for concurrent mutation. Run stops at
// the first operation that fails and returns its error.
type Flow struct {
	s   *Session
	ops []func(context.Context) error
}

// Flow starts an empty operation sequence bound to the session.
func (s *Session) Flow() *Flow {
	return &Flow{s: s}
}

// Text queues a prose delta.
func (f *Flow) Text(text string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.StreamText(ctx, text) })
}

// Loading queues a loading indicator start of the given kind.
func (f *Flow) Loading(kind string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.StartLoading(ctx, kind) })
}

// DoneLoading queues a loading indicator end of the given kind.
func (f *Flow) DoneLoading(kind string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.EndLoading(ctx, kind) })
}

// Image queues an inline image.
func (f *Flow) Image(url string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.EmitImage(ctx, url) })
}

// HTML queues an inline HTML fragment.
func (f *Flow) HTML(html string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.EmitHTML(ctx, html) })
}

// Button queues an inline button.
func (f *Flow) Button(data stream.ButtonPayload) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.EmitButton(ctx, data) })
}

// Trace queues a trace entry.
func (f *Flow) Trace(text, visibility string) *Flow {
	return f.add(func(ctx context.Context) error { return f.s.AppendTrace(ctx, text, visibility) })
}

// Run replays the queued operations on the session in the order they were
// added and clears the queue. The first failing operation aborts the run.
func (f *Flow) Run(ctx context.Context) error {
	ops := f.ops
	f.ops = nil
	for _, op := range ops {
		if err := op(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flow) add(op func(context.Context) error) *Flow {
	f.ops = append(f.ops, op)
	return f
}

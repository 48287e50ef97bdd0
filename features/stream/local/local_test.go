package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/lexia/runtime/session"
	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/channel"
)

func newTransport(t *testing.T, opts channel.Options) *Transport {
	t.Helper()
	if opts.SweepInterval == 0 {
		opts.SweepInterval = -1
	}
	reg := channel.NewRegistry(opts)
	t.Cleanup(reg.Close)
	tr, err := New(Options{Registry: reg})
	require.NoError(t, err)
	return tr
}

func newLocalSession(t *testing.T, tr *Transport, channelID string) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		Transport: tr,
		Request:   session.RequestContext{ChannelID: channelID, ResponseID: "r1", ThreadID: "t1"},
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "channel registry is required")
}

func TestPollBeforeAnyWrite(t *testing.T) {
	tr := newTransport(t, channel.Options{})

	snap := tr.Poll("nothing-here")
	require.Equal(t, stream.Snapshot{}, snap)

	// Repeated polls stay empty and never create the channel.
	snap = tr.Poll("nothing-here")
	require.Equal(t, "", snap.Text)
	require.False(t, snap.Finished)
	require.Zero(t, snap.Events)
}

func TestStreamAndPollScenario(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})
	s := newLocalSession(t, tr, "c1")

	require.NoError(t, s.StreamText(ctx, "Hello, "))
	require.NoError(t, s.StreamText(ctx, "world!"))
	require.NoError(t, s.RecordUsage(ctx, stream.UsagePayload{Tokens: 10, Kind: stream.UsagePrompt}))
	_, err := s.Finalize(ctx)
	require.NoError(t, err)

	snap := tr.Poll("c1")
	require.True(t, snap.Finished)
	require.Contains(t, snap.Text, "Hello, world!")
	require.Empty(t, snap.Error)
	require.Equal(t, 4, snap.Events)
}

func TestPollGrowsWithWrites(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})
	s := newLocalSession(t, tr, "c1")

	require.NoError(t, s.StreamText(ctx, "a"))
	first := tr.Poll("c1")
	require.Equal(t, "a", first.Text)
	require.Equal(t, 1, first.Events)

	require.NoError(t, s.StreamText(ctx, "b"))
	second := tr.Poll("c1")
	require.Equal(t, "ab", second.Text)
	require.Equal(t, 2, second.Events)
	require.False(t, second.Finished)
}

func TestTwoSubscribersObserveEmissionOrder(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})

	events1, stop1 := tr.Subscribe(ctx, "c1")
	defer stop1()
	events2, stop2 := tr.Subscribe(ctx, "c1")
	defer stop2()

	s := newLocalSession(t, tr, "c1")
	require.NoError(t, s.StreamText(ctx, "a"))
	require.NoError(t, s.StreamText(ctx, "b"))
	_, err := s.Finalize(ctx)
	require.NoError(t, err)

	for _, events := range []<-chan stream.Event{events1, events2} {
		var types []stream.EventType
		var texts []string
		for ev := range events {
			types = append(types, ev.Type())
			if d, ok := ev.(stream.Delta); ok {
				texts = append(texts, d.Text)
			}
		}
		require.Equal(t, []stream.EventType{stream.EventDelta, stream.EventDelta, stream.EventComplete}, types)
		require.Equal(t, []string{"a", "b"}, texts)
	}
}

func TestSubscribeEndsOnError(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})

	events, stop := tr.Subscribe(ctx, "c1")
	defer stop()

	s := newLocalSession(t, tr, "c1")
	require.NoError(t, s.StreamText(ctx, "partial"))
	require.NoError(t, s.Fail(ctx, "boom", errors.New("x")))

	var last stream.Event
	for ev := range events {
		last = ev
	}
	errEv, ok := last.(stream.Error)
	require.True(t, ok)
	require.Equal(t, "boom", errEv.Data.Message)
	// The internal cause never reaches consumers.
	require.NotContains(t, errEv.Data.Message, "x: ")

	snap := tr.Poll("c1")
	require.True(t, snap.Finished)
	require.Equal(t, "boom", snap.Error)
}

func TestSubscribeCancelViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := newTransport(t, channel.Options{})

	events, stop := tr.Subscribe(ctx, "c1")
	defer stop()
	cancel()

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription did not end on context cancellation")
	}
}

func TestExpiredChannelRestartsFresh(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{IdleTimeout: 20 * time.Millisecond})

	s1 := newLocalSession(t, tr, "c1")
	require.NoError(t, s1.StreamText(ctx, "old text"))

	time.Sleep(40 * time.Millisecond)

	// After expiry the channel reads as brand new.
	require.Equal(t, stream.Snapshot{}, tr.Poll("c1"))

	// A new write lands in a fresh buffer with no residue.
	s2 := newLocalSession(t, tr, "c1")
	require.NoError(t, s2.StreamText(ctx, "new text"))
	snap := tr.Poll("c1")
	require.Equal(t, "new text", snap.Text)
	require.Equal(t, 1, snap.Events)
}

func TestLateWriterAfterFinishIsIgnored(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})

	s1 := newLocalSession(t, tr, "c1")
	_, err := s1.Finalize(ctx, "done")
	require.NoError(t, err)

	// A second session writing to the finished channel is dropped by the
	// buffer (the first writer won).
	s2 := newLocalSession(t, tr, "c1")
	require.NoError(t, s2.StreamText(ctx, "interloper"))
	snap := tr.Poll("c1")
	require.Equal(t, "done", snap.Text)
}

func TestProducerBridgeWithLocalConsumer(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t, channel.Options{})

	events, stop := tr.Subscribe(ctx, "c1")
	defer stop()

	h, err := session.RunProducer(ctx, session.Options{
		Transport: tr,
		Request:   session.RequestContext{ChannelID: "c1"},
	}, func(pctx context.Context, s *session.Session) error {
		for _, frag := range []string{"a", "b", "c"} {
			if serr := s.StreamText(pctx, frag); serr != nil {
				return serr
			}
		}
		return nil
	})
	require.NoError(t, err)

	// The consumer drains the stream concurrently with production.
	var got string
	for ev := range events {
		switch e := ev.(type) {
		case stream.Delta:
			got += e.Text
		case stream.Complete:
			require.Equal(t, "abc", e.FullText)
		}
	}
	require.Equal(t, "abc", got)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not finish")
	}
	require.NoError(t, h.Err())
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/lexia/runtime/stream"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not finish")
	}
}

func TestRunProducerFinalizesOnReturn(t *testing.T) {
	tr := &fakeTransport{}
	h, err := RunProducer(context.Background(), Options{
		Transport: tr,
		Request:   RequestContext{ChannelID: "c1"},
	}, func(ctx context.Context, s *Session) error {
		require.NoError(t, s.StreamText(ctx, "Hello, "))
		require.NoError(t, s.StreamText(ctx, "world!"))
		return nil
	})
	require.NoError(t, err)
	waitDone(t, h)

	require.NoError(t, h.Err())
	types := tr.types()
	require.Equal(t, stream.EventComplete, types[len(types)-1])
	complete := tr.all()[len(types)-1].(stream.Complete)
	require.Equal(t, "Hello, world!", complete.FullText)
}

func TestRunProducerRespectsExplicitFinalize(t *testing.T) {
	tr := &fakeTransport{}
	h, err := RunProducer(context.Background(), Options{
		Transport: tr,
		Request:   RequestContext{ChannelID: "c1"},
	}, func(ctx context.Context, s *Session) error {
		_, ferr := s.Finalize(ctx, "explicit")
		return ferr
	})
	require.NoError(t, err)
	waitDone(t, h)

	// Exactly one Complete event: the bridge does not finalize again.
	require.Equal(t, []stream.EventType{stream.EventComplete}, tr.types())
}

func TestRunProducerConvertsErrorToFail(t *testing.T) {
	tr := &fakeTransport{}
	cause := errors.New("model exploded: internal detail")
	h, err := RunProducer(context.Background(), Options{
		Transport: tr,
		Request:   RequestContext{ChannelID: "c1"},
	}, func(context.Context, *Session) error {
		return cause
	})
	require.NoError(t, err)
	waitDone(t, h)

	require.ErrorIs(t, h.Err(), cause)
	events := tr.all()
	require.Len(t, events, 1)
	errEv, ok := events[0].(stream.Error)
	require.True(t, ok)
	require.NotContains(t, errEv.Data.Message, "internal detail")
}

func TestRunProducerContainsPanic(t *testing.T) {
	tr := &fakeTransport{}
	h, err := RunProducer(context.Background(), Options{
		Transport: tr,
		Request:   RequestContext{ChannelID: "c1"},
	}, func(context.Context, *Session) error {
		panic("kaboom")
	})
	require.NoError(t, err)
	waitDone(t, h)

	require.ErrorContains(t, h.Err(), "kaboom")
	events := tr.all()
	require.Len(t, events, 1)
	errEv, ok := events[0].(stream.Error)
	require.True(t, ok)
	require.NotContains(t, errEv.Data.Message, "kaboom")
}

func TestRunProducerOutlivesCallerContext(t *testing.T) {
	tr := &fakeTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h, err := RunProducer(ctx, Options{
		Transport: tr,
		Request:   RequestContext{ChannelID: "c1"},
	}, func(pctx context.Context, s *Session) error {
		close(started)
		// The caller's cancellation must not abort production.
		<-time.After(20 * time.Millisecond)
		require.NoError(t, pctx.Err())
		return s.StreamText(pctx, "survived")
	})
	require.NoError(t, err)
	<-started
	cancel()
	waitDone(t, h)

	require.NoError(t, h.Err())
	final := tr.all()[len(tr.all())-1].(stream.Complete)
	require.Equal(t, "survived", final.FullText)
}

func TestRunProducerInvalidOptions(t *testing.T) {
	_, err := RunProducer(context.Background(), Options{}, func(context.Context, *Session) error {
		return nil
	})
	require.Error(t, err)
}

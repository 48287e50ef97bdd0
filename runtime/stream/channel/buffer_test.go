package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/marker"
)

func testRef(channel string) stream.Ref { return stream.Ref{Channel: channel} }

func TestAppendAccumulatesText(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	b.Append(ctx, stream.NewDelta(testRef("c1"), "Hello, "))
	b.Append(ctx, stream.NewDelta(testRef("c1"), "world!"))
	b.Append(ctx, stream.NewImage(testRef("c1"), "https://example.com/a.png"))

	snap := b.Snapshot()
	require.Equal(t, "Hello, world!"+marker.EncodeImage("https://example.com/a.png"), snap.Text)
	require.False(t, snap.Finished)
	require.Equal(t, 3, snap.Events)
}

func TestSnapshotBeforeAnyWrite(t *testing.T) {
	b := newBuffer("c1", DefaultFanoutTimeout)
	snap := b.Snapshot()
	require.Equal(t, stream.Snapshot{}, snap)
}

func TestFinishFreezesBuffer(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	b.Append(ctx, stream.NewDelta(testRef("c1"), "partial"))
	b.Finish(ctx, stream.NewComplete(testRef("c1"), "authoritative"))

	snap := b.Snapshot()
	require.True(t, snap.Finished)
	require.Equal(t, "authoritative", snap.Text)

	// Appends after finish are dropped.
	b.Append(ctx, stream.NewDelta(testRef("c1"), "late"))
	snap = b.Snapshot()
	require.Equal(t, "authoritative", snap.Text)
	require.Equal(t, 2, snap.Events)

	// A second finish is a no-op.
	b.Finish(ctx, stream.NewComplete(testRef("c1"), "other"))
	require.Equal(t, "authoritative", b.Snapshot().Text)
}

func TestFinishWithErrorRecordsMessage(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	b.Append(ctx, stream.NewDelta(testRef("c1"), "so far"))
	b.Finish(ctx, stream.NewError(testRef("c1"), "boom", ""))

	snap := b.Snapshot()
	require.True(t, snap.Finished)
	require.Equal(t, "boom", snap.Error)
	require.Equal(t, "so far", snap.Text)
}

func TestTwoReadersObserveSameOrder(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	r1 := b.RegisterReader(8)
	r2 := b.RegisterReader(8)

	b.Append(ctx, stream.NewDelta(testRef("c1"), "a"))
	b.Append(ctx, stream.NewDelta(testRef("c1"), "b"))
	b.Finish(ctx, stream.NewComplete(testRef("c1"), "ab"))

	for _, r := range []*Reader{r1, r2} {
		var types []stream.EventType
		var texts []string
		for ev := range r.Events() {
			types = append(types, ev.Type())
			if d, ok := ev.(stream.Delta); ok {
				texts = append(texts, d.Text)
			}
		}
		require.Equal(t, []stream.EventType{stream.EventDelta, stream.EventDelta, stream.EventComplete}, types)
		require.Equal(t, []string{"a", "b"}, texts)
	}
}

func TestReaderRegisteredAfterFinishIsClosed(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)
	b.Finish(ctx, stream.NewComplete(testRef("c1"), "done"))

	r := b.RegisterReader(8)
	_, open := <-r.Events()
	require.False(t, open)
}

func TestSlowReaderIsDropped(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", 10*time.Millisecond)

	slow := b.RegisterReader(1)
	fast := b.RegisterReader(8)

	// Fill the slow reader's queue, then overflow it.
	b.Append(ctx, stream.NewDelta(testRef("c1"), "1"))
	b.Append(ctx, stream.NewDelta(testRef("c1"), "2"))
	b.Append(ctx, stream.NewDelta(testRef("c1"), "3"))

	// The slow reader's queue was closed after it fell behind.
	var got int
	for range slow.Events() {
		got++
	}
	require.Equal(t, 1, got)

	// The fast reader still receives everything.
	require.Len(t, fast.Events(), 3)
}

func TestReaderCloseDoesNotBlockWriter(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	r := b.RegisterReader(1)
	b.Append(ctx, stream.NewDelta(testRef("c1"), "1"))
	r.Close()

	// Writer keeps going without waiting on the closed reader.
	start := time.Now()
	b.Append(ctx, stream.NewDelta(testRef("c1"), "2"))
	b.Append(ctx, stream.NewDelta(testRef("c1"), "3"))
	require.Less(t, time.Since(start), DefaultFanoutTimeout)
}

func TestFanoutSkipsReaderClosedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	// Force the worst interleaving: the writer snapshots the reader list,
	// the reader closes (done first, queue closed under sendMu), and only
	// then does the writer fan out with the stale snapshot. The send must
	// be skipped, not attempted on the closed queue.
	for i := 0; i < 100; i++ {
		r := b.RegisterReader(1)
		b.mu.Lock()
		readers := b.snapshotReaders()
		b.mu.Unlock()
		r.Close()
		b.sendMu.Lock()
		b.fanout(ctx, readers, stream.NewDelta(testRef("c1"), "x"))
		b.sendMu.Unlock()
	}
}

func TestCloseDuringAppendStress(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Append(ctx, stream.NewDelta(testRef("c1"), "x"))
		}
	}()
	for i := 0; i < 200; i++ {
		r := b.RegisterReader(1)
		r.Close()
	}
	<-done
}

func TestExpireClosesReaders(t *testing.T) {
	ctx := context.Background()
	b := newBuffer("c1", DefaultFanoutTimeout)

	r := b.RegisterReader(8)
	b.Append(ctx, stream.NewDelta(testRef("c1"), "x"))
	b.expire()

	var got []stream.Event
	for ev := range r.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	require.True(t, b.Finished())
}

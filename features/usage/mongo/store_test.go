package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/lexia/features/usage/mongo/clients/mongo"
	"goa.design/lexia/runtime/stream"
)

type fakeClient struct {
	inserted []clientsmongo.Record
	listed   []clientsmongo.Record
	err      error
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) InsertUsage(_ context.Context, rec clientsmongo.Record) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeClient) ListByResponse(context.Context, string) ([]clientsmongo.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.listed, nil
}

func TestNewRecorderRequiresClient(t *testing.T) {
	_, err := NewRecorder(nil)
	require.EqualError(t, err, "client is required")
}

func TestRecordDelegatesToClient(t *testing.T) {
	fc := &fakeClient{}
	rec, err := NewRecorder(fc)
	require.NoError(t, err)

	err = rec.Record(context.Background(), "r1", stream.UsagePayload{
		Tokens: 42, Kind: stream.UsageCompletion, Cost: 0.002, Label: "claude",
	})
	require.NoError(t, err)
	require.Len(t, fc.inserted, 1)
	got := fc.inserted[0]
	require.Equal(t, "r1", got.ResponseID)
	require.Equal(t, stream.UsageCompletion, got.Kind)
	require.Equal(t, 42, got.Tokens)
	require.Equal(t, 0.002, got.Cost)
	require.Equal(t, "claude", got.Label)
	require.False(t, got.RecordedAt.IsZero())
}

func TestTotalsByResponse(t *testing.T) {
	now := time.Now().UTC()
	fc := &fakeClient{listed: []clientsmongo.Record{
		{ResponseID: "r1", Kind: "prompt", Tokens: 100, Cost: 0.001, RecordedAt: now},
		{ResponseID: "r1", Kind: "completion", Tokens: 60, Cost: 0.003, RecordedAt: now},
		{ResponseID: "r1", Kind: "completion", Tokens: 40, RecordedAt: now},
	}}
	rec, err := NewRecorder(fc)
	require.NoError(t, err)

	totals, err := rec.TotalsByResponse(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, 100, totals.TokensByKind["prompt"])
	require.Equal(t, 100, totals.TokensByKind["completion"])
	require.InDelta(t, 0.004, totals.Cost, 1e-9)
}

package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type fakeCollection struct {
	docs         []usageDocument
	indexCreated int
	insertErr    error
	findErr      error
}

func (f *fakeCollection) InsertOne(_ context.Context, doc any,
	_ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.docs = append(f.docs, doc.(usageDocument))
	return &mongodriver.InsertOneResult{}, nil
}

func (f *fakeCollection) Find(_ context.Context, filter any,
	_ ...options.Lister[options.FindOptions]) (cursor, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	responseID, _ := filter.(bson.M)["response_id"].(string)
	var matched []usageDocument
	for _, doc := range f.docs {
		if doc.ResponseID == responseID {
			matched = append(matched, doc)
		}
	}
	return &fakeCursor{docs: matched}, nil
}

func (f *fakeCollection) Indexes() indexView {
	return fakeIndexView{created: &f.indexCreated}
}

type fakeIndexView struct {
	created *int
}

func (v fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...options.Lister[options.CreateIndexesOptions]) (string, error) {
	*v.created++
	return "", nil
}

type fakeCursor struct {
	docs []usageDocument
	pos  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	*val.(*usageDocument) = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func mustNewTestClient(t *testing.T) (*client, *fakeCollection) {
	t.Helper()
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c, coll
}

func TestEnsureIndexes(t *testing.T) {
	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 2, coll.indexCreated)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{Database: "lexia"})
	require.EqualError(t, err, "mongo client is required")
}

func TestInsertAndListByResponse(t *testing.T) {
	c, _ := mustNewTestClient(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.InsertUsage(ctx, Record{
		ResponseID: "r1", ThreadID: "t1", Kind: "prompt", Tokens: 120, Label: "claude", RecordedAt: base,
	}))
	require.NoError(t, c.InsertUsage(ctx, Record{
		ResponseID: "r1", Kind: "completion", Tokens: 80, Cost: 0.004, RecordedAt: base.Add(time.Second),
	}))
	require.NoError(t, c.InsertUsage(ctx, Record{
		ResponseID: "r2", Kind: "prompt", Tokens: 5, RecordedAt: base,
	}))

	recs, err := c.ListByResponse(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "prompt", recs[0].Kind)
	require.Equal(t, 120, recs[0].Tokens)
	require.Equal(t, "t1", recs[0].ThreadID)
	require.Equal(t, "claude", recs[0].Label)
	require.Equal(t, "completion", recs[1].Kind)
	require.Equal(t, 0.004, recs[1].Cost)
}

func TestInsertConvertsToUTC(t *testing.T) {
	c, coll := mustNewTestClient(t)
	local := time.Date(2026, 8, 30, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	require.NoError(t, c.InsertUsage(context.Background(), Record{
		ResponseID: "r1", Kind: "prompt", Tokens: 1, RecordedAt: local,
	}))
	require.Equal(t, time.UTC, coll.docs[0].RecordedAt.Location())
	require.True(t, coll.docs[0].RecordedAt.Equal(local))
}

func TestInsertDefaultsRecordedAt(t *testing.T) {
	c, coll := mustNewTestClient(t)
	require.NoError(t, c.InsertUsage(context.Background(), Record{
		ResponseID: "r1", Kind: "prompt", Tokens: 1,
	}))
	require.False(t, coll.docs[0].RecordedAt.IsZero())
}

func TestInsertValidation(t *testing.T) {
	c, _ := mustNewTestClient(t)
	ctx := context.Background()

	err := c.InsertUsage(ctx, Record{Kind: "prompt", Tokens: 1})
	require.EqualError(t, err, "response id is required")

	err = c.InsertUsage(ctx, Record{ResponseID: "r1", Tokens: 1})
	require.EqualError(t, err, "usage kind is required")

	err = c.InsertUsage(ctx, Record{ResponseID: "r1", Kind: "prompt", Tokens: -1})
	require.EqualError(t, err, "token count must not be negative")
}

func TestListValidation(t *testing.T) {
	c, _ := mustNewTestClient(t)
	_, err := c.ListByResponse(context.Background(), "")
	require.EqualError(t, err, "response id is required")
}

func TestListPropagatesFindError(t *testing.T) {
	c, coll := mustNewTestClient(t)
	coll.findErr = errors.New("network down")
	_, err := c.ListByResponse(context.Background(), "r1")
	require.ErrorContains(t, err, "network down")
}

func TestClientName(t *testing.T) {
	c, _ := mustNewTestClient(t)
	require.Equal(t, "usage-mongo", c.Name())
}

// Package mongo hosts the MongoDB client used by the usage recorder.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultUsageCollection = "usage_records"
	defaultOpTimeout       = 5 * time.Second
	usageClientName        = "usage-mongo"
)

// Client exposes Mongo-backed operations for usage accounting.
type Client interface {
	health.Pinger

	// InsertUsage appends one usage record. Records are append-only;
	// corrections are new records, never updates.
	InsertUsage(ctx context.Context, rec Record) error

	// ListByResponse returns all usage records for a response in
	// recording order.
	ListByResponse(ctx context.Context, responseID string) ([]Record, error)
}

// Record is one usage accounting entry.
type Record struct {
	// ResponseID identifies the response the usage belongs to.
	ResponseID string
	// ThreadID identifies the conversation thread, if known.
	ThreadID string
	// Kind is the usage kind ("prompt" or "completion").
	Kind string
	// Tokens is the token count for this entry.
	Tokens int
	// Cost is the monetary cost, zero when unknown.
	Cost float64
	// Label optionally names the model call.
	Label string
	// RecordedAt is when the entry was recorded (UTC).
	RecordedAt time.Time
}

// Options configures the Mongo usage client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	usage   collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultUsageCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	wrapper := mongoCollection{coll: coll}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return usageClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertUsage(ctx context.Context, rec Record) error {
	if rec.ResponseID == "" {
		return errors.New("response id is required")
	}
	if rec.Kind == "" {
		return errors.New("usage kind is required")
	}
	if rec.Tokens < 0 {
		return errors.New("token count must not be negative")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.usage.InsertOne(ctx, fromRecord(rec))
	return err
}

func (c *client) ListByResponse(ctx context.Context, responseID string) ([]Record, error) {
	if responseID == "" {
		return nil, errors.New("response id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"response_id": responseID}
	cur, err := c.usage.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []Record
	for cur.Next(ctx) {
		var doc usageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type usageDocument struct {
	ResponseID string    `bson:"response_id"`
	ThreadID   string    `bson:"thread_id,omitempty"`
	Kind       string    `bson:"kind"`
	Tokens     int       `bson:"tokens"`
	Cost       float64   `bson:"cost,omitempty"`
	Label      string    `bson:"label,omitempty"`
	RecordedAt time.Time `bson:"recorded_at"`
}

func fromRecord(rec Record) usageDocument {
	return usageDocument{
		ResponseID: rec.ResponseID,
		ThreadID:   rec.ThreadID,
		Kind:       rec.Kind,
		Tokens:     rec.Tokens,
		Cost:       rec.Cost,
		Label:      rec.Label,
		RecordedAt: rec.RecordedAt.UTC(),
	}
}

func (doc usageDocument) toRecord() Record {
	return Record{
		ResponseID: doc.ResponseID,
		ThreadID:   doc.ThreadID,
		Kind:       doc.Kind,
		Tokens:     doc.Tokens,
		Cost:       doc.Cost,
		Label:      doc.Label,
		RecordedAt: doc.RecordedAt,
	}
}

func ensureIndexes(ctx context.Context, usageColl collection) error {
	responseIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "response_id", Value: 1}},
	}
	if _, err := usageColl.Indexes().CreateOne(ctx, responseIndex); err != nil {
		return err
	}
	responseKindIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "response_id", Value: 1},
			{Key: "kind", Value: 1},
		},
	}
	if _, err := usageColl.Indexes().CreateOne(ctx, responseKindIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, usageColl collection, timeout time.Duration) (*client, error) {
	if usageColl == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		usage:   usageColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any,
		opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any,
	opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

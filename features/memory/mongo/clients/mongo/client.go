// Package mongo implements the low-level MongoDB client used by the durable
// L4 vector store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/loom/runtime/memory"
)

const (
	defaultCollection = "memory_entries"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for embedded memory entries.
type Client interface {
	health.Pinger

	Upsert(ctx context.Context, entry *memory.Entry) error
	Search(ctx context.Context, vector []float32, k int) ([]memory.Hit, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Upsert(ctx context.Context, entry *memory.Entry) error {
	if entry == nil {
		return errors.New("entry is required")
	}
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := toEntryDocument(entry, time.Now().UTC())
	filter := bson.M{"id": entry.ID}
	update := bson.M{"$set": doc}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) Search(ctx context.Context, vector []float32, k int) ([]memory.Hit, error) {
	if len(vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if k <= 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Scoring happens client side: every stored vector is compared against
	// the query and only positive similarities rank.
	cur, err := c.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var hits []memory.Hit
	for cur.Next(ctx) {
		var doc entryDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		score := cosine(vector, doc.Embedding)
		if score <= 0 {
			continue
		}
		hits = append(hits, memory.Hit{Entry: fromEntryDocument(doc), Score: score})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entry.CreatedAt.After(hits[j].Entry.CreatedAt)
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("entry id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.DeleteOne(ctx, bson.M{"id": id})
	return err
}

func (c *client) Clear(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.DeleteMany(ctx, bson.M{})
	return err
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

type entryDocument struct {
	ID         string    `bson:"id"`
	SessionID  string    `bson:"session_id,omitempty"`
	Content    string    `bson:"content"`
	Importance float64   `bson:"importance"`
	Tier       string    `bson:"tier"`
	Scope      string    `bson:"scope,omitempty"`
	Embedding  []float32 `bson:"embedding,omitempty"`
	SourceIDs  []string  `bson:"source_ids,omitempty"`
	CreatedAt  time.Time `bson:"created_at"`
	LastAccess time.Time `bson:"last_access,omitempty"`
	Accesses   int       `bson:"accesses,omitempty"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func toEntryDocument(entry *memory.Entry, now time.Time) entryDocument {
	created := entry.CreatedAt
	if created.IsZero() {
		created = now
	}
	return entryDocument{
		ID:         entry.ID,
		SessionID:  entry.SessionID,
		Content:    entry.Content,
		Importance: entry.Importance,
		Tier:       string(entry.Tier),
		Scope:      string(entry.Scope),
		Embedding:  cloneVector(entry.Embedding),
		SourceIDs:  cloneIDs(entry.SourceIDs),
		CreatedAt:  created.UTC(),
		LastAccess: entry.LastAccess.UTC(),
		Accesses:   entry.Accesses,
		UpdatedAt:  now,
	}
}

func fromEntryDocument(doc entryDocument) *memory.Entry {
	return &memory.Entry{
		ID:         doc.ID,
		SessionID:  doc.SessionID,
		Content:    doc.Content,
		Importance: doc.Importance,
		Tier:       memory.Tier(doc.Tier),
		Scope:      memory.Scope(doc.Scope),
		Embedding:  cloneVector(doc.Embedding),
		SourceIDs:  cloneIDs(doc.SourceIDs),
		CreatedAt:  doc.CreatedAt,
		LastAccess: doc.LastAccess,
		Accesses:   doc.Accesses,
	}
}

func cloneVector(src []float32) []float32 {
	if len(src) == 0 {
		return nil
	}
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}

func cloneIDs(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

// cosine returns the cosine similarity of two vectors, zero when the
// dimensions differ or either vector is empty or all-zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

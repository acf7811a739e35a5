// Package mongo implements DocumentRepository on MongoDB. Every document is
// one record keyed by its full path; batches run in a multi-document
// transaction, so the server must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

// CollectionName is the MongoDB collection holding every document.
const CollectionName = "documents"

type record struct {
	Path       string    `bson:"_id"`
	Collection string    `bson:"collection"`
	DocID      string    `bson:"doc_id"`
	Data       bson.M    `bson:"data"`
	Version    int64     `bson:"version"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// DocumentRepo implements DocumentRepository on one MongoDB collection.
type DocumentRepo struct {
	client *mongo.Client
	coll   *mongo.Collection
	hub    *remote.Hub
	log    *zap.Logger
	now    func() time.Time

	external atomic.Bool // Watch feeds the hub instead of Commit
}

// Connect opens a client for uri and pings the primary.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewDocumentRepo constructs a repository on database db.
func NewDocumentRepo(client *mongo.Client, db string, log *zap.Logger) *DocumentRepo {
	if log == nil {
		log = zap.NewNop()
	}
	r := &DocumentRepo{
		client: client,
		coll:   client.Database(db).Collection(CollectionName),
		log:    log.Named("mongo"),
		now:    time.Now,
	}
	r.hub = remote.NewHub(r.load, r.log)
	return r
}

// EnsureIndexes creates the listing index.
func (r *DocumentRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}, {Key: "created_at", Value: 1}, {Key: "doc_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Create inserts a document, assigning a ULID when id is empty.
func (r *DocumentRepo) Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := r.Commit(ctx, []remote.Write{remote.CreateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// Get reads a document.
func (r *DocumentRepo) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return remote.Document{}, err
	}
	rec, err := r.find(ctx, remote.DocPath(collection, id))
	if err != nil {
		return remote.Document{}, err
	}
	return rec.document(), nil
}

// Update applies fields, including transforms, to an existing document.
func (r *DocumentRepo) Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := r.Commit(ctx, []remote.Write{remote.UpdateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// List reads every document of a collection in creation order.
func (r *DocumentRepo) List(ctx context.Context, collection string) ([]remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "doc_id", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"collection": collection}, opts)
	if err != nil {
		return nil, err
	}
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	out := make([]remote.Document, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.document())
	}
	return out, nil
}

// Commit applies writes in one transaction and notifies subscribers afterwards.
func (r *DocumentRepo) Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	for i, w := range writes {
		if err := remote.ValidateCollection(w.Collection); err != nil {
			return nil, fmt.Errorf("write[%d]: %w", i, err)
		}
	}
	sess, err := r.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	res, err := sess.WithTransaction(ctx, func(sc context.Context) (any, error) {
		return r.apply(sc, writes)
	})
	if err != nil {
		return nil, err
	}
	out := res.([]remote.Document)

	if !r.external.Load() {
		seen := map[string]bool{}
		for _, d := range out {
			if !seen[d.Path()] {
				seen[d.Path()] = true
				r.hub.Notify(ctx, d.Collection, d.ID)
			}
		}
	}
	return out, nil
}

// Subscribe delivers snapshots of a collection or document path.
func (r *DocumentRepo) Subscribe(ctx context.Context, path string, onChange func(remote.Snapshot)) (func(), error) {
	return r.hub.Subscribe(ctx, path, onChange)
}

func (r *DocumentRepo) apply(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	now := r.now().UTC().Truncate(time.Millisecond)
	out := make([]remote.Document, 0, len(writes))
	for i, w := range writes {
		var (
			doc remote.Document
			err error
		)
		switch w.Kind {
		case remote.WriteCreate:
			doc, err = r.insert(ctx, w, now)
		case remote.WriteUpdate:
			doc, err = r.update(ctx, w, now)
		default:
			err = fmt.Errorf("unknown write kind %d", w.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("write[%d]: %w", i, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *DocumentRepo) insert(ctx context.Context, w remote.Write, now time.Time) (remote.Document, error) {
	if remote.HasTransforms(w.Fields) {
		return remote.Document{}, fmt.Errorf("%w: transforms are not allowed on create", errs.ErrValidation)
	}
	id := w.ID
	if id == "" {
		id = ulid.Make().String()
	}
	rec := record{
		Path:       remote.DocPath(w.Collection, id),
		Collection: w.Collection,
		DocID:      id,
		Data:       remote.ApplyUpdate(nil, w.Fields),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return remote.Document{}, fmt.Errorf("%s: %w", rec.Path, errs.ErrAlreadyExists)
		}
		return remote.Document{}, err
	}
	return rec.document(), nil
}

func (r *DocumentRepo) update(ctx context.Context, w remote.Write, now time.Time) (remote.Document, error) {
	rec, err := r.find(ctx, remote.DocPath(w.Collection, w.ID))
	if err != nil {
		return remote.Document{}, err
	}
	prev := rec.Version
	rec.Data = remote.ApplyUpdate(fromBSONMap(rec.Data), w.Fields)
	rec.Version++
	rec.UpdatedAt = now

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": rec.Path, "version": prev}, rec)
	if err != nil {
		return remote.Document{}, err
	}
	if res.MatchedCount == 0 {
		return remote.Document{}, fmt.Errorf("%s: %w", rec.Path, errs.ErrVersionConflict)
	}
	return rec.document(), nil
}

func (r *DocumentRepo) find(ctx context.Context, path string) (record, error) {
	var rec record
	if err := r.coll.FindOne(ctx, bson.M{"_id": path}).Decode(&rec); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return record{}, fmt.Errorf("%s: %w", path, errs.ErrNotFound)
		}
		return record{}, err
	}
	return rec, nil
}

func (r *DocumentRepo) load(ctx context.Context, p remote.Path) ([]remote.Document, error) {
	if !p.IsDocument() {
		return r.List(ctx, p.Collection)
	}
	doc, err := r.Get(ctx, p.Collection, p.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []remote.Document{doc}, nil
}

func (rec record) document() remote.Document {
	return remote.Document{
		Collection: rec.Collection,
		ID:         rec.DocID,
		Fields:     fromBSONMap(rec.Data),
		Version:    rec.Version,
		CreateTime: rec.CreatedAt.UTC(),
		UpdateTime: rec.UpdatedAt.UTC(),
	}
}

package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/remote"
)

type changeEvent struct {
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// Watch relays the collection's change stream into the hub until ctx is
// done, reopening the stream with backoff. Writes made by other server
// instances reach local subscribers this way. Call it instead of relying
// on Commit's local notifications.
func (r *DocumentRepo) Watch(ctx context.Context) error {
	r.external.Store(true)
	defer r.external.Store(false)

	backoff := 500 * time.Millisecond
	for {
		err := r.watchOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("change stream broken", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (r *DocumentRepo) watchOnce(ctx context.Context) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace", "delete"}}}}}}},
	}
	cs, err := r.coll.Watch(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cs.Close(context.WithoutCancel(ctx))
	r.log.Info("change stream open")

	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			r.log.Warn("bad change event", zap.Error(err))
			continue
		}
		r.handle(ctx, ev.DocumentKey.ID)
	}
	return cs.Err()
}

func (r *DocumentRepo) handle(ctx context.Context, path string) {
	p, err := remote.ParsePath(path)
	if err != nil || !p.IsDocument() {
		r.log.Warn("change event for bad path", zap.String("path", path))
		return
	}
	r.hub.Notify(ctx, p.Collection, p.ID)
}

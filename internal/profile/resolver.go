// Package profile resolves the live version of a user embedded in a post or comment.
package profile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// Viewer reports the signed-in user.
type Viewer interface {
	CurrentUser() (model.User, bool)
}

// Resolver reads profiles on demand.
type Resolver struct {
	docs      remote.DocumentStore
	viewer    Viewer
	log       *zap.Logger
	opTimeout time.Duration
}

// NewResolver constructs a Resolver. A zero timeout means 10s.
func NewResolver(docs remote.DocumentStore, viewer Viewer, log *zap.Logger, opTimeout time.Duration) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Resolver{docs: docs, viewer: viewer, log: log.Named("profile"), opTimeout: opTimeout}
}

// Resolve returns the viewer's own live profile when snapshot is the viewer,
// otherwise the stored users document. Any failure falls back to snapshot.
func (r *Resolver) Resolve(ctx context.Context, snapshot model.User) model.User {
	if me, ok := r.viewer.CurrentUser(); ok && me.ID == snapshot.ID {
		return me
	}
	if snapshot.ID == "" {
		return snapshot
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	doc, err := r.docs.Get(ctx, remote.UsersCollection, snapshot.ID)
	if err != nil {
		r.log.Debug("profile lookup failed, using snapshot", zap.String("uid", snapshot.ID), zap.Error(err))
		return snapshot
	}
	return model.UserFromDocument(doc)
}

// ResolveAll resolves a list of user ids, skipping those that cannot be read.
func (r *Resolver) ResolveAll(ctx context.Context, ids []string) []model.User {
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u := r.Resolve(ctx, model.User{ID: id})
		if u.Name == "" && u.Email == "" {
			continue
		}
		out = append(out, u)
	}
	return out
}

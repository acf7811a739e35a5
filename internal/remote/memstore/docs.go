// Package memstore is an in-process implementation of the remote interfaces.
// It backs the store tests and the CLI's -local mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

// Docs is an in-memory remote.DocumentStore.
type Docs struct {
	mu   sync.RWMutex
	data map[string]map[string]remote.Document // collection -> id -> doc
	hub  *remote.Hub
	now  func() time.Time

	// FailNext, when set, is returned (once) by the next write.
	failMu   sync.Mutex
	failNext error
}

var _ remote.DocumentStore = (*Docs)(nil)

// NewDocs constructs an empty document store.
func NewDocs(log *zap.Logger) *Docs {
	d := &Docs{
		data: map[string]map[string]remote.Document{},
		now:  time.Now,
	}
	d.hub = remote.NewHub(d.load, log)
	return d
}

// FailNextWrite makes the next write return err without changing anything.
func (d *Docs) FailNextWrite(err error) {
	d.failMu.Lock()
	d.failNext = err
	d.failMu.Unlock()
}

// Subscribers reports live subscriptions.
func (d *Docs) Subscribers() int { return d.hub.Subscribers() }

func (d *Docs) takeFailure() error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	err := d.failNext
	d.failNext = nil
	return err
}

// Create implements remote.DocumentStore.
func (d *Docs) Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := d.Commit(ctx, []remote.Write{remote.CreateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// Get implements remote.DocumentStore.
func (d *Docs) Get(_ context.Context, collection, id string) (remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return remote.Document{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.data[collection][id]
	if !ok {
		return remote.Document{}, fmt.Errorf("%s: %w", remote.DocPath(collection, id), errs.ErrNotFound)
	}
	return copyDoc(doc), nil
}

// Update implements remote.DocumentStore.
func (d *Docs) Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := d.Commit(ctx, []remote.Write{remote.UpdateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// List implements remote.DocumentStore.
func (d *Docs) List(_ context.Context, collection string) ([]remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listLocked(collection), nil
}

// Commit implements remote.DocumentStore. All writes are validated against a
// working copy first; nothing is stored unless every write succeeds.
func (d *Docs) Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	if err := d.takeFailure(); err != nil {
		return nil, err
	}
	for i, w := range writes {
		if err := remote.ValidateCollection(w.Collection); err != nil {
			return nil, fmt.Errorf("write[%d]: %w", i, err)
		}
	}

	d.mu.Lock()
	now := d.now().UTC()
	staged := map[string]remote.Document{}
	out := make([]remote.Document, 0, len(writes))
	for i, w := range writes {
		cur, exists := d.lookupLocked(staged, w.Collection, w.ID)
		switch w.Kind {
		case remote.WriteCreate:
			id := w.ID
			if id == "" {
				id = ulid.Make().String()
			} else if exists {
				d.mu.Unlock()
				return nil, fmt.Errorf("write[%d] %s: %w", i, remote.DocPath(w.Collection, id), errs.ErrAlreadyExists)
			}
			if remote.HasTransforms(w.Fields) {
				d.mu.Unlock()
				return nil, fmt.Errorf("write[%d]: %w: transforms are not allowed on create", i, errs.ErrValidation)
			}
			cur = remote.Document{
				Collection: w.Collection,
				ID:         id,
				Fields:     remote.ApplyUpdate(nil, w.Fields),
				Version:    1,
				CreateTime: now,
				UpdateTime: now,
			}
		case remote.WriteUpdate:
			if !exists {
				d.mu.Unlock()
				return nil, fmt.Errorf("write[%d] %s: %w", i, remote.DocPath(w.Collection, w.ID), errs.ErrNotFound)
			}
			cur.Fields = remote.ApplyUpdate(cur.Fields, w.Fields)
			cur.Version++
			cur.UpdateTime = now
		default:
			d.mu.Unlock()
			return nil, fmt.Errorf("write[%d]: unknown kind %d", i, w.Kind)
		}
		staged[cur.Path()] = cur
		out = append(out, copyDoc(cur))
	}
	for _, doc := range staged {
		if d.data[doc.Collection] == nil {
			d.data[doc.Collection] = map[string]remote.Document{}
		}
		d.data[doc.Collection][doc.ID] = doc
	}
	d.mu.Unlock()

	for _, doc := range staged {
		d.hub.Notify(ctx, doc.Collection, doc.ID)
	}
	return out, nil
}

// Subscribe implements remote.DocumentStore.
func (d *Docs) Subscribe(ctx context.Context, path string, onChange func(remote.Snapshot)) (func(), error) {
	return d.hub.Subscribe(ctx, path, onChange)
}

func (d *Docs) lookupLocked(staged map[string]remote.Document, collection, id string) (remote.Document, bool) {
	if id == "" {
		return remote.Document{}, false
	}
	if doc, ok := staged[remote.DocPath(collection, id)]; ok {
		return doc, true
	}
	doc, ok := d.data[collection][id]
	return doc, ok
}

func (d *Docs) load(_ context.Context, p remote.Path) ([]remote.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p.IsDocument() {
		doc, ok := d.data[p.Collection][p.ID]
		if !ok {
			return nil, nil
		}
		return []remote.Document{copyDoc(doc)}, nil
	}
	return d.listLocked(p.Collection), nil
}

func (d *Docs) listLocked(collection string) []remote.Document {
	out := make([]remote.Document, 0, len(d.data[collection]))
	for _, doc := range d.data[collection] {
		out = append(out, copyDoc(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].CreateTime.Before(out[j].CreateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyDoc(d remote.Document) remote.Document {
	d.Fields = remote.ApplyUpdate(d.Fields, nil)
	return d
}

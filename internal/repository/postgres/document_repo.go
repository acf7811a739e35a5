package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

// DocumentRepo implements DocumentRepository on a single jsonb table.
// Every write bumps the row version; batches run in one transaction.
type DocumentRepo struct {
	db  *DB
	hub *remote.Hub
	log *zap.Logger
	now func() time.Time

	external atomic.Bool // a Listener feeds the hub instead of Commit
}

// NewDocumentRepo constructs a document repository.
func NewDocumentRepo(db *DB, log *zap.Logger) *DocumentRepo {
	if log == nil {
		log = zap.NewNop()
	}
	r := &DocumentRepo{db: db, log: log.Named("documents"), now: time.Now}
	r.hub = remote.NewHub(r.load, r.log)
	return r
}

// Hub exposes the subscription hub so a Listener can feed it.
func (r *DocumentRepo) Hub() *remote.Hub { return r.hub }

// UseExternalNotify stops Commit from notifying the hub directly. Call it
// when a Listener relays database notifications instead.
func (r *DocumentRepo) UseExternalNotify() { r.external.Store(true) }

// Create inserts a document, assigning a ULID when id is empty.
func (r *DocumentRepo) Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := r.Commit(ctx, []remote.Write{remote.CreateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// Get selects a document.
func (r *DocumentRepo) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return remote.Document{}, err
	}
	const q = `
SELECT fields, version, created_at, updated_at
FROM documents WHERE collection=$1 AND id=$2`
	doc := remote.Document{Collection: collection, ID: id}
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, q, collection, id).Scan(&raw, &doc.Version, &doc.CreateTime, &doc.UpdateTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.Document{}, fmt.Errorf("%s: %w", remote.DocPath(collection, id), errs.ErrNotFound)
		}
		return remote.Document{}, err
	}
	if doc.Fields, err = decodeFields(raw); err != nil {
		return remote.Document{}, err
	}
	return doc, nil
}

// Update applies fields, including transforms, to an existing document.
func (r *DocumentRepo) Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	out, err := r.Commit(ctx, []remote.Write{remote.UpdateWrite(collection, id, fields)})
	if err != nil {
		return remote.Document{}, err
	}
	return out[0], nil
}

// List selects every document of a collection in creation order.
func (r *DocumentRepo) List(ctx context.Context, collection string) ([]remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return nil, err
	}
	const q = `
SELECT id, fields, version, created_at, updated_at
FROM documents
WHERE collection=$1
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []remote.Document{}
	for rows.Next() {
		doc := remote.Document{Collection: collection}
		var raw []byte
		if err = rows.Scan(&doc.ID, &raw, &doc.Version, &doc.CreateTime, &doc.UpdateTime); err != nil {
			return nil, err
		}
		if doc.Fields, err = decodeFields(raw); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Commit applies writes in one transaction and notifies subscribers afterwards.
func (r *DocumentRepo) Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	for i, w := range writes {
		if err := remote.ValidateCollection(w.Collection); err != nil {
			return nil, fmt.Errorf("write[%d]: %w", i, err)
		}
	}
	out, err := r.commitTx(ctx, writes)
	if err != nil {
		return nil, err
	}
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

func (r *DocumentRepo) commitTx(ctx context.Context, writes []remote.Write) (out []remote.Document, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	now := r.now().UTC()
	out = make([]remote.Document, 0, len(writes))
	for i, w := range writes {
		var doc remote.Document
		switch w.Kind {
		case remote.WriteCreate:
			doc, err = insertDocument(ctx, tx, w, now)
		case remote.WriteUpdate:
			doc, err = updateDocument(ctx, tx, w, now)
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

func insertDocument(ctx context.Context, tx pgx.Tx, w remote.Write, now time.Time) (remote.Document, error) {
	if remote.HasTransforms(w.Fields) {
		return remote.Document{}, fmt.Errorf("%w: transforms are not allowed on create", errs.ErrValidation)
	}
	id := w.ID
	if id == "" {
		id = ulid.Make().String()
	}
	fields := remote.ApplyUpdate(nil, w.Fields)
	raw, err := json.Marshal(fields)
	if err != nil {
		return remote.Document{}, err
	}

	const ins = `
INSERT INTO documents (collection, id, fields, version, created_at, updated_at)
VALUES ($1, $2, $3, 1, $4, $4)`
	if _, err := tx.Exec(ctx, ins, w.Collection, id, raw, now); err != nil {
		if isUniqueViolation(err) {
			return remote.Document{}, fmt.Errorf("%s: %w", remote.DocPath(w.Collection, id), errs.ErrAlreadyExists)
		}
		return remote.Document{}, err
	}
	return remote.Document{
		Collection: w.Collection,
		ID:         id,
		Fields:     fields,
		Version:    1,
		CreateTime: now,
		UpdateTime: now,
	}, nil
}

func updateDocument(ctx context.Context, tx pgx.Tx, w remote.Write, now time.Time) (remote.Document, error) {
	const sel = `SELECT fields, version, created_at FROM documents WHERE collection=$1 AND id=$2 FOR UPDATE`
	const upd = `UPDATE documents SET fields=$3, version=$4, updated_at=$5 WHERE collection=$1 AND id=$2`

	doc := remote.Document{Collection: w.Collection, ID: w.ID, UpdateTime: now}
	var raw []byte
	if err := tx.QueryRow(ctx, sel, w.Collection, w.ID).Scan(&raw, &doc.Version, &doc.CreateTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return remote.Document{}, fmt.Errorf("%s: %w", remote.DocPath(w.Collection, w.ID), errs.ErrNotFound)
		}
		return remote.Document{}, err
	}
	cur, err := decodeFields(raw)
	if err != nil {
		return remote.Document{}, err
	}
	doc.Fields = remote.ApplyUpdate(cur, w.Fields)
	doc.Version++
	if raw, err = json.Marshal(doc.Fields); err != nil {
		return remote.Document{}, err
	}
	if _, err := tx.Exec(ctx, upd, w.Collection, w.ID, raw, doc.Version, now); err != nil {
		return remote.Document{}, err
	}
	return doc, nil
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

func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return remote.NormalizeFields(fields), nil
}

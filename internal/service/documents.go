package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/repository"
)

// DefaultMaxBatch caps the number of writes in one Commit.
const DefaultMaxBatch = 500

// DocumentService validates document operations and delegates them to a repository.
type DocumentService interface {
	Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error)
	Get(ctx context.Context, collection, id string) (remote.Document, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error)
	List(ctx context.Context, collection string) ([]remote.Document, error)
	Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error)
	Subscribe(ctx context.Context, path string, onChange func(remote.Snapshot)) (func(), error)
}

type DocumentServiceImpl struct {
	repo     repository.DocumentRepository
	maxBatch int
	log      *zap.Logger
}

// NewDocumentService constructs DocumentService with batch limits.
func NewDocumentService(repo repository.DocumentRepository, maxBatch int, log *zap.Logger) *DocumentServiceImpl {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentServiceImpl{repo: repo, maxBatch: maxBatch, log: log.Named("documents")}
}

// Create validates the collection and inserts.
func (s *DocumentServiceImpl) Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return remote.Document{}, err
	}
	if remote.HasTransforms(fields) {
		return remote.Document{}, fmt.Errorf("%w: transforms are not allowed on create", errs.ErrValidation)
	}
	return s.repo.Create(ctx, collection, id, fields)
}

// Get reads one document.
func (s *DocumentServiceImpl) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	if err := validateDoc(collection, id); err != nil {
		return remote.Document{}, err
	}
	return s.repo.Get(ctx, collection, id)
}

// Update applies a partial update.
func (s *DocumentServiceImpl) Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	if err := validateDoc(collection, id); err != nil {
		return remote.Document{}, err
	}
	if len(fields) == 0 {
		return remote.Document{}, fmt.Errorf("%w: empty update", errs.ErrValidation)
	}
	return s.repo.Update(ctx, collection, id, fields)
}

// List reads a collection.
func (s *DocumentServiceImpl) List(ctx context.Context, collection string) ([]remote.Document, error) {
	if err := remote.ValidateCollection(collection); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, collection)
}

// Commit validates every write and applies the batch atomically.
// Validation rules:
// - 0 < len(writes) <= maxBatch
// - every collection is a collection path
// - updates name a document id and carry at least one field
func (s *DocumentServiceImpl) Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	if len(writes) == 0 {
		return []remote.Document{}, nil
	}
	if len(writes) > s.maxBatch {
		return nil, fmt.Errorf("%w: batch too large (%d > %d)", errs.ErrValidation, len(writes), s.maxBatch)
	}
	for i, w := range writes {
		if err := remote.ValidateCollection(w.Collection); err != nil {
			return nil, fmt.Errorf("write[%d]: %w", i, err)
		}
		if w.Kind == remote.WriteUpdate && (w.ID == "" || len(w.Fields) == 0) {
			return nil, fmt.Errorf("%w: write[%d] update needs an id and fields", errs.ErrValidation, i)
		}
	}
	out, err := s.repo.Commit(ctx, writes)
	if err != nil {
		return nil, err
	}
	s.log.Debug("batch committed", zap.Int("writes", len(writes)))
	return out, nil
}

// Subscribe validates path and registers onChange.
func (s *DocumentServiceImpl) Subscribe(ctx context.Context, path string, onChange func(remote.Snapshot)) (func(), error) {
	if _, err := remote.ParsePath(path); err != nil {
		return nil, err
	}
	return s.repo.Subscribe(ctx, path, onChange)
}

func validateDoc(collection, id string) error {
	if err := remote.ValidateCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: empty document id in %s", errs.ErrValidation, collection)
	}
	return nil
}

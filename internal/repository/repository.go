// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
)

// AccountRepository stores credentials.
type AccountRepository interface {
	// Create inserts a new account; a taken email fails with errs.ErrAlreadyExists.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// GetByEmail loads an account by lower-cased email.
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	// SetDisplayName replaces the account's display name.
	SetDisplayName(ctx context.Context, id uuid.UUID, name string) error
	// SetPassword replaces the account's password hash and salt.
	SetPassword(ctx context.Context, id uuid.UUID, hash, salt []byte) error
}

// BlobRepository stores binary objects by path.
type BlobRepository interface {
	// Put inserts or replaces the blob at b.Path.
	Put(ctx context.Context, b model.Blob) error
	// Get loads a blob or fails with errs.ErrNotFound.
	Get(ctx context.Context, path string) (*model.Blob, error)
}

// DocumentRepository is a versioned document database with change subscriptions.
type DocumentRepository interface {
	remote.DocumentStore
}

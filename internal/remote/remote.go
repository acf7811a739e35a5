// Package remote declares the narrow interfaces the stores consume from the
// backend (documents, credentials, blobs) and the plumbing shared by every
// implementation of them.
package remote

import (
	"context"
	"time"
)

// Document is a loosely typed record stored under a collection path.
// Fields hold JSON-like values only: string, float64, bool, []any,
// map[string]any and nil (see Normalize).
type Document struct {
	Collection string
	ID         string
	Fields     map[string]any
	Version    int64 // bumped by the backend on every write
	CreateTime time.Time
	UpdateTime time.Time
}

// Path returns the full document path, e.g. "posts/01J.../comments/01K...".
func (d Document) Path() string { return DocPath(d.Collection, d.ID) }

// Snapshot is the full state of a subscribed path at one point in time.
// For a document path Docs holds zero (missing) or one document.
type Snapshot struct {
	Path string
	Docs []Document
	Err  error
}

// WriteKind selects the operation of a batched Write.
type WriteKind int

// Batched write kinds.
const (
	WriteCreate WriteKind = iota + 1
	WriteUpdate
)

// Write is one element of an atomic Commit.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string // empty on create: the backend assigns one
	Fields     map[string]any
}

// CreateWrite builds a create write; id may be empty.
func CreateWrite(collection, id string, fields map[string]any) Write {
	return Write{Kind: WriteCreate, Collection: collection, ID: id, Fields: fields}
}

// UpdateWrite builds an update write; fields may carry transforms.
func UpdateWrite(collection, id string, fields map[string]any) Write {
	return Write{Kind: WriteUpdate, Collection: collection, ID: id, Fields: fields}
}

// DocumentStore is a remote document database.
type DocumentStore interface {
	// Create inserts a document. An empty id asks the backend to assign one;
	// a taken id fails with errs.ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, fields map[string]any) (Document, error)
	// Get reads one document or fails with errs.ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges fields into an existing document, applying transforms atomically.
	Update(ctx context.Context, collection, id string, fields map[string]any) (Document, error)
	// List returns every document of a collection in creation order.
	List(ctx context.Context, collection string) ([]Document, error)
	// Commit applies all writes atomically and returns the resulting documents in order.
	Commit(ctx context.Context, writes []Write) ([]Document, error)
	// Subscribe delivers the current snapshot of path and then one snapshot per change
	// until the returned function is called.
	Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (unsubscribe func(), err error)
}

// Credential is the signed-in identity as reported by the credential service.
type Credential struct {
	UID         string
	Email       string
	DisplayName string
	AccessToken string
	ExpiresAt   time.Time
}

// CredentialService authenticates users and reports auth-state changes.
type CredentialService interface {
	CreateAccount(ctx context.Context, email, password string) (Credential, error)
	VerifyCredential(ctx context.Context, email, password string) (Credential, error)
	SetDisplayName(ctx context.Context, cred Credential, name string) error
	// ChangePassword re-authenticates cred with oldPassword and replaces it
	// with newPassword. The session stays signed in.
	ChangePassword(ctx context.Context, cred Credential, oldPassword, newPassword string) error
	SignOut(ctx context.Context) error
	// OnAuthStateChange calls cb with the current identity (nil when signed out)
	// and again on every change until unsubscribe is called.
	OnAuthStateChange(cb func(*Credential)) (unsubscribe func())
	// Current reports the signed-in identity, if any.
	Current() (Credential, bool)
}

// BlobHandle identifies an uploaded blob.
type BlobHandle struct {
	Path        string
	ContentType string
	Size        int64
}

// BlobStore stores binary objects (avatars, post images).
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (BlobHandle, error)
	PublicURL(ctx context.Context, h BlobHandle) (string, error)
}

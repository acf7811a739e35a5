package memstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

// Blobs is an in-memory remote.BlobStore.
type Blobs struct {
	baseURL string

	mu    sync.RWMutex
	items map[string]blob
}

type blob struct {
	data        []byte
	contentType string
}

var _ remote.BlobStore = (*Blobs)(nil)

// NewBlobs constructs a blob store whose public URLs start with baseURL.
func NewBlobs(baseURL string) *Blobs {
	return &Blobs{baseURL: strings.TrimRight(baseURL, "/"), items: map[string]blob{}}
}

// Upload implements remote.BlobStore.
func (b *Blobs) Upload(_ context.Context, path string, data []byte, contentType string) (remote.BlobHandle, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return remote.BlobHandle{}, fmt.Errorf("%w: empty blob path", errs.ErrInvalidPath)
	}
	b.mu.Lock()
	b.items[path] = blob{data: append([]byte(nil), data...), contentType: contentType}
	b.mu.Unlock()
	return remote.BlobHandle{Path: path, ContentType: contentType, Size: int64(len(data))}, nil
}

// PublicURL implements remote.BlobStore.
func (b *Blobs) PublicURL(_ context.Context, h remote.BlobHandle) (string, error) {
	b.mu.RLock()
	_, ok := b.items[h.Path]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("blob %s: %w", h.Path, errs.ErrNotFound)
	}
	return b.baseURL + "/blobs/" + (&url.URL{Path: h.Path}).EscapedPath(), nil
}

// Get returns a stored blob.
func (b *Blobs) Get(path string) ([]byte, string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	it, ok := b.items[path]
	return it.data, it.contentType, ok
}

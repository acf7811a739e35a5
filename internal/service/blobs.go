package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/repository"
)

// DefaultMaxBlobSize caps uploads.
const DefaultMaxBlobSize = 10 << 20

// BlobService stores uploads and hands out their public URLs.
type BlobService interface {
	Upload(ctx context.Context, p string, data []byte, contentType string) (remote.BlobHandle, error)
	PublicURL(h remote.BlobHandle) string
	Get(ctx context.Context, p string) (*model.Blob, error)
}

type BlobServiceImpl struct {
	repo    repository.BlobRepository
	baseURL string
	maxSize int
}

// NewBlobService constructs BlobService. baseURL is where the HTTP blob endpoint is reachable.
func NewBlobService(repo repository.BlobRepository, baseURL string, maxSize int) *BlobServiceImpl {
	if maxSize <= 0 {
		maxSize = DefaultMaxBlobSize
	}
	return &BlobServiceImpl{repo: repo, baseURL: strings.TrimRight(baseURL, "/"), maxSize: maxSize}
}

// Upload validates and stores data under p. An empty content type is sniffed.
func (s *BlobServiceImpl) Upload(ctx context.Context, p string, data []byte, contentType string) (remote.BlobHandle, error) {
	p, err := CleanBlobPath(p)
	if err != nil {
		return remote.BlobHandle{}, err
	}
	if len(data) == 0 {
		return remote.BlobHandle{}, fmt.Errorf("upload %s: %w", p, errs.ErrEmptyContent)
	}
	if len(data) > s.maxSize {
		return remote.BlobHandle{}, fmt.Errorf("%w: blob too large (%d > %d)", errs.ErrValidation, len(data), s.maxSize)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if err := s.repo.Put(ctx, model.Blob{Path: p, ContentType: contentType, Data: data}); err != nil {
		return remote.BlobHandle{}, err
	}
	return remote.BlobHandle{Path: p, ContentType: contentType, Size: int64(len(data))}, nil
}

// PublicURL is baseURL/blobs/{path}.
func (s *BlobServiceImpl) PublicURL(h remote.BlobHandle) string {
	return s.baseURL + "/blobs/" + (&url.URL{Path: h.Path}).EscapedPath()
}

// Get loads a blob.
func (s *BlobServiceImpl) Get(ctx context.Context, p string) (*model.Blob, error) {
	p, err := CleanBlobPath(p)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, p)
}

// CleanBlobPath rejects empty and escaping paths and strips leading slashes.
func CleanBlobPath(p string) (string, error) {
	p = strings.TrimLeft(p, "/")
	if p == "" || strings.Contains(p, "..") {
		return "", fmt.Errorf("%w: blob path %q", errs.ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

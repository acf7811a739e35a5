package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

type fakeBlobs struct {
	m      map[string]model.Blob
	putErr error
}

var _ repository.BlobRepository = (*fakeBlobs)(nil)

func (f *fakeBlobs) Put(_ context.Context, b model.Blob) error {
	if f.putErr != nil {
		return f.putErr
	}
	if f.m == nil {
		f.m = map[string]model.Blob{}
	}
	f.m[b.Path] = b
	return nil
}

func (f *fakeBlobs) Get(_ context.Context, p string) (*model.Blob, error) {
	b, ok := f.m[p]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &b, nil
}

func TestBlobs_UploadAndGet(t *testing.T) {
	t.Parallel()
	repo := &fakeBlobs{}
	s := NewBlobService(repo, "https://cdn.example.com/", 8)
	ctx := context.Background()

	h, err := s.Upload(ctx, "/avatars/u1", []byte("hello"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if h.Path != "avatars/u1" || h.Size != 5 || h.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("handle: %+v", h)
	}
	if got := s.PublicURL(h); got != "https://cdn.example.com/blobs/avatars/u1" {
		t.Fatalf("PublicURL=%q", got)
	}

	b, err := s.Get(ctx, "avatars/u1")
	if err != nil || !bytes.Equal(b.Data, []byte("hello")) {
		t.Fatalf("Get: %+v %v", b, err)
	}
	if _, err := s.Get(ctx, "avatars/none"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	h, err = s.Upload(ctx, "posts/u1/x", []byte{1}, "image/png")
	if err != nil || h.ContentType != "image/png" {
		t.Fatalf("explicit type: %+v %v", h, err)
	}
}

func TestBlobs_UploadRejects(t *testing.T) {
	t.Parallel()
	repo := &fakeBlobs{}
	s := NewBlobService(repo, "", 4)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "", []byte("x"), ""); !errors.Is(err, errs.ErrInvalidPath) {
		t.Fatalf("empty path: %v", err)
	}
	if _, err := s.Upload(ctx, "a/../b", []byte("x"), ""); !errors.Is(err, errs.ErrInvalidPath) {
		t.Fatalf("escaping path: %v", err)
	}
	if _, err := s.Upload(ctx, "a", nil, ""); !errors.Is(err, errs.ErrEmptyContent) {
		t.Fatalf("empty data: %v", err)
	}
	if _, err := s.Upload(ctx, "a", []byte("12345"), ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("too large: %v", err)
	}

	repo.putErr = errors.New("boom")
	if _, err := s.Upload(ctx, "a", []byte("1"), ""); err == nil {
		t.Fatalf("want propagated repo error")
	}
}

func TestBlobs_PublicURLEscapes(t *testing.T) {
	t.Parallel()
	s := NewBlobService(&fakeBlobs{}, "http://h", 0)
	h, err := s.Upload(context.Background(), "posts/a b/c", []byte("x"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := s.PublicURL(h); got != "http://h/blobs/posts/a%20b/c" {
		t.Fatalf("PublicURL=%q", got)
	}
}

func Test_CleanBlobPath(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"a/b":     "a/b",
		"///a//b": "a/b",
		"a/./b/":  "a/b",
	} {
		got, err := CleanBlobPath(in)
		if err != nil || got != want {
			t.Fatalf("CleanBlobPath(%q)=%q,%v want %q", in, got, err, want)
		}
	}
}

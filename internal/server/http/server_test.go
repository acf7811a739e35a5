package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/service"
)

type fakeBlobs map[string]model.Blob

func (f fakeBlobs) Get(_ context.Context, p string) (*model.Blob, error) {
	p, err := service.CleanBlobPath(p)
	if err != nil {
		return nil, err
	}
	b, ok := f[p]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &b, nil
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestBlob_Served(t *testing.T) {
	t.Parallel()
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := New(fakeBlobs{
		"avatars/u1": {Path: "avatars/u1", ContentType: "image/png", Data: []byte("png"), UpdatedAt: updated},
	}, nil, zaptest.NewLogger(t))

	rec := do(t, e, "/blobs/avatars/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "png", rec.Body.String())
	require.Equal(t, updated.Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestBlob_Errors(t *testing.T) {
	t.Parallel()
	e := New(fakeBlobs{}, nil, zaptest.NewLogger(t))

	require.Equal(t, http.StatusNotFound, do(t, e, "/blobs/avatars/missing").Code)
	require.Equal(t, http.StatusBadRequest, do(t, e, "/blobs/a/%2E%2E/b").Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ok := New(fakeBlobs{}, func(context.Context) error { return nil }, zaptest.NewLogger(t))
	require.Equal(t, http.StatusOK, do(t, ok, "/healthz").Code)

	down := New(fakeBlobs{}, func(context.Context) error { return errors.New("db down") }, zaptest.NewLogger(t))
	require.Equal(t, http.StatusServiceUnavailable, do(t, down, "/healthz").Code)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/rpc"
)

var errNoURL = errors.New("no public URL known for blob")

// Blobs implements remote.BlobStore over gRPC. The public URL of an upload
// is returned by the server and remembered per path.
type Blobs struct {
	api *rpc.BackendClient

	mu   sync.Mutex
	urls map[string]string
}

var _ remote.BlobStore = (*Blobs)(nil)

// Upload implements remote.BlobStore.
func (b *Blobs) Upload(ctx context.Context, path string, data []byte, contentType string) (remote.BlobHandle, error) {
	out, err := b.api.Call(ctx, rpc.MethodUploadBlob, convert.UploadToStruct(path, data, contentType))
	if err != nil {
		return remote.BlobHandle{}, fromStatus(err)
	}
	h, url := convert.BlobHandleFromStruct(out)
	b.mu.Lock()
	b.urls[h.Path] = url
	b.mu.Unlock()
	return h, nil
}

// PublicURL implements remote.BlobStore.
func (b *Blobs) PublicURL(_ context.Context, h remote.BlobHandle) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	url, ok := b.urls[h.Path]
	if !ok {
		return "", fmt.Errorf("%s: %w", h.Path, errNoURL)
	}
	return url, nil
}

package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/rpc"
)

const (
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 10 * time.Second
)

// Documents implements remote.DocumentStore over gRPC.
type Documents struct {
	api *rpc.BackendClient
	log *zap.Logger
}

var _ remote.DocumentStore = (*Documents)(nil)

// Create implements remote.DocumentStore.
func (d *Documents) Create(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	return d.one(ctx, rpc.MethodCreateDocument, convert.DocumentRequest{Collection: collection, ID: id, Fields: fields})
}

// Get implements remote.DocumentStore.
func (d *Documents) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	return d.one(ctx, rpc.MethodGetDocument, convert.DocumentRequest{Collection: collection, ID: id})
}

// Update implements remote.DocumentStore.
func (d *Documents) Update(ctx context.Context, collection, id string, fields map[string]any) (remote.Document, error) {
	return d.one(ctx, rpc.MethodUpdateDocument, convert.DocumentRequest{Collection: collection, ID: id, Fields: fields})
}

// List implements remote.DocumentStore.
func (d *Documents) List(ctx context.Context, collection string) ([]remote.Document, error) {
	in, err := convert.DocumentRequest{Collection: collection}.Struct()
	if err != nil {
		return nil, err
	}
	out, err := d.api.Call(ctx, rpc.MethodListDocuments, in)
	if err != nil {
		return nil, fromStatus(err)
	}
	return convert.DocumentsFromStruct(out)
}

// Commit implements remote.DocumentStore.
func (d *Documents) Commit(ctx context.Context, writes []remote.Write) ([]remote.Document, error) {
	in, err := convert.WritesToStruct(writes)
	if err != nil {
		return nil, err
	}
	out, err := d.api.Call(ctx, rpc.MethodCommit, in)
	if err != nil {
		return nil, fromStatus(err)
	}
	return convert.DocumentsFromStruct(out)
}

func (d *Documents) one(ctx context.Context, method string, req convert.DocumentRequest) (remote.Document, error) {
	in, err := req.Struct()
	if err != nil {
		return remote.Document{}, err
	}
	out, err := d.api.Call(ctx, method, in)
	if err != nil {
		return remote.Document{}, fromStatus(err)
	}
	return convert.DocumentFromStruct(out)
}

// Subscribe implements remote.DocumentStore. The first snapshot is received
// before Subscribe returns; ctx bounds only that wait. A broken stream is
// reported as a snapshot with Err and reopened with backoff until
// unsubscribe is called.
func (d *Documents) Subscribe(ctx context.Context, path string, onChange func(remote.Snapshot)) (func(), error) {
	if _, err := remote.ParsePath(path); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	stream, first, err := d.open(sctx, path)
	stop()
	if err != nil {
		cancel()
		return nil, err
	}
	onChange(first)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.pump(sctx, path, stream, onChange)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (d *Documents) open(ctx context.Context, path string) (grpc.ServerStreamingClient[structpb.Struct], remote.Snapshot, error) {
	stream, err := d.api.Watch(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"path": structpb.NewStringValue(path),
	}})
	if err != nil {
		return nil, remote.Snapshot{}, fromStatus(err)
	}
	snap, err := recvSnapshot(stream)
	if err != nil {
		return nil, remote.Snapshot{}, err
	}
	return stream, snap, nil
}

func (d *Documents) pump(ctx context.Context, path string, stream grpc.ServerStreamingClient[structpb.Struct], onChange func(remote.Snapshot)) {
	backoff := watchBackoffMin
	for {
		snap, err := recvSnapshot(stream)
		if err == nil {
			backoff = watchBackoffMin
			onChange(snap)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.log.Warn("watch broken", zap.String("path", path), zap.Error(err))
		onChange(remote.Snapshot{Path: path, Err: err})

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, watchBackoffMax)

			var first remote.Snapshot
			stream, first, err = d.open(ctx, path)
			if err == nil {
				onChange(first)
				break
			}
			if ctx.Err() != nil {
				return
			}
			d.log.Debug("watch reopen failed", zap.String("path", path), zap.Error(err))
		}
	}
}

func recvSnapshot(stream grpc.ServerStreamingClient[structpb.Struct]) (remote.Snapshot, error) {
	msg, err := stream.Recv()
	if err != nil {
		return remote.Snapshot{}, fromStatus(err)
	}
	snap, err := convert.SnapshotFromStruct(msg)
	if err != nil {
		return remote.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

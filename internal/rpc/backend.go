// Package rpc declares the inkwell.v1.Backend gRPC service. Every method
// exchanges google.protobuf.Struct messages; the shapes are defined by
// package convert.
package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified service name.
const ServiceName = "inkwell.v1.Backend"

// Method names.
const (
	MethodCreateAccount    = "CreateAccount"
	MethodVerifyCredential = "VerifyCredential"
	MethodSetDisplayName   = "SetDisplayName"
	MethodChangePassword   = "ChangePassword"
	MethodCreateDocument   = "CreateDocument"
	MethodGetDocument      = "GetDocument"
	MethodUpdateDocument   = "UpdateDocument"
	MethodListDocuments    = "ListDocuments"
	MethodCommit           = "Commit"
	MethodUploadBlob       = "UploadBlob"
	MethodWatch            = "Watch"
)

// FullMethod returns "/inkwell.v1.Backend/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// PublicMethods need no bearer token.
var PublicMethods = map[string]bool{
	FullMethod(MethodCreateAccount):    true,
	FullMethod(MethodVerifyCredential): true,
}

// WatchStream is the server side of a Watch call.
type WatchStream = grpc.ServerStreamingServer[structpb.Struct]

// BackendServer is implemented by the gRPC handlers.
type BackendServer interface {
	CreateAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyCredential(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDisplayName(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChangePassword(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDocuments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UploadBlob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchStream) error
}

// RegisterBackendServer registers srv on s.
func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryCall func(BackendServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BackendServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BackendServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BackendServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes inkwell.v1.Backend.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateAccount, BackendServer.CreateAccount),
		unary(MethodVerifyCredential, BackendServer.VerifyCredential),
		unary(MethodSetDisplayName, BackendServer.SetDisplayName),
		unary(MethodChangePassword, BackendServer.ChangePassword),
		unary(MethodCreateDocument, BackendServer.CreateDocument),
		unary(MethodGetDocument, BackendServer.GetDocument),
		unary(MethodUpdateDocument, BackendServer.UpdateDocument),
		unary(MethodListDocuments, BackendServer.ListDocuments),
		unary(MethodCommit, BackendServer.Commit),
		unary(MethodUploadBlob, BackendServer.UploadBlob),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: MethodWatch, Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "inkwell/v1/backend.proto",
}

// BackendClient is the client side of inkwell.v1.Backend.
type BackendClient struct{ cc grpc.ClientConnInterface }

// NewBackendClient wraps cc.
func NewBackendClient(cc grpc.ClientConnInterface) *BackendClient { return &BackendClient{cc: cc} }

// Call invokes a unary method by name.
func (c *BackendClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch opens the server stream of snapshots for in["path"].
func (c *BackendClient) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	// io.EOF means the server already ended the stream; Recv reports its status.
	if err := x.ClientStream.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

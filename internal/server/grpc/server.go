// Package grpcserver exposes the inkwell.v1.Backend gRPC handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/inkwell/internal/convert"
	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/rpc"
	"github.com/and161185/inkwell/internal/service"
	"github.com/and161185/inkwell/internal/watch"
)

// Server wires services into gRPC handlers.
type Server struct {
	auth    service.AuthService
	docs    service.DocumentService
	blobs   service.BlobService
	signKey []byte
	log     *zap.Logger
}

var _ rpc.BackendServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, docs service.DocumentService, blobs service.BlobService, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, docs: docs, blobs: blobs, signKey: signKey, log: log.Named("grpc")}
}

// --- Credentials ---

// CreateAccount registers an email/password credential and signs it in.
func (s *Server) CreateAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	email, password := convert.String(in, "email"), convert.String(in, "password")
	if email == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "empty email/password")
	}
	acc, tok, err := s.auth.CreateAccount(ctx, email, password)
	if err != nil {
		return nil, toStatus("create account", err)
	}
	return credential(acc, tok), nil
}

// VerifyCredential signs in with email/password.
func (s *Server) VerifyCredential(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	acc, tok, err := s.auth.VerifyCredential(ctx, convert.String(in, "email"), convert.String(in, "password"), remoteIP(ctx))
	if err != nil {
		return nil, toStatus("verify credential", err)
	}
	return credential(acc, tok), nil
}

// SetDisplayName renames the caller's account.
func (s *Server) SetDisplayName(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.SetDisplayName(ctx, id, convert.String(in, "displayName")); err != nil {
		return nil, toStatus("set display name", err)
	}
	return &structpb.Struct{}, nil
}

// ChangePassword replaces the caller's password after re-checking the old one.
func (s *Server) ChangePassword(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	oldPassword, newPassword := convert.String(in, "oldPassword"), convert.String(in, "newPassword")
	if oldPassword == "" || newPassword == "" {
		return nil, status.Error(codes.InvalidArgument, "empty password")
	}
	if err := s.auth.ChangePassword(ctx, id, oldPassword, newPassword, remoteIP(ctx)); err != nil {
		return nil, toStatus("change password", err)
	}
	return &structpb.Struct{}, nil
}

func credential(acc model.Account, tok model.Tokens) *structpb.Struct {
	return convert.CredentialToStruct(remote.Credential{
		UID:         acc.ID.String(),
		Email:       acc.Email,
		DisplayName: acc.DisplayName,
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.ExpiresAt,
	})
}

// --- Documents ---

// CreateDocument inserts a document.
func (s *Server) CreateDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	req, err := convert.DocumentRequestFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad document: %v", err)
	}
	doc, err := s.docs.Create(ctx, req.Collection, req.ID, req.Fields)
	if err != nil {
		return nil, toStatus("create document", err)
	}
	return document(doc)
}

// GetDocument reads one document.
func (s *Server) GetDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	doc, err := s.docs.Get(ctx, convert.String(in, "collection"), convert.String(in, "id"))
	if err != nil {
		return nil, toStatus("get document", err)
	}
	return document(doc)
}

// UpdateDocument merges fields into a document.
func (s *Server) UpdateDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	req, err := convert.DocumentRequestFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad document: %v", err)
	}
	doc, err := s.docs.Update(ctx, req.Collection, req.ID, req.Fields)
	if err != nil {
		return nil, toStatus("update document", err)
	}
	return document(doc)
}

// ListDocuments reads a whole collection.
func (s *Server) ListDocuments(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	docs, err := s.docs.List(ctx, convert.String(in, "collection"))
	if err != nil {
		return nil, toStatus("list documents", err)
	}
	return documents(docs)
}

// Commit applies a batch of writes atomically.
func (s *Server) Commit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	writes, err := convert.WritesFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad writes: %v", err)
	}
	docs, err := s.docs.Commit(ctx, writes)
	if err != nil {
		return nil, toStatus("commit", err)
	}
	return documents(docs)
}

// Watch streams snapshots of in["path"] until the client goes away. A slow
// client only ever receives the newest snapshot.
func (s *Server) Watch(in *structpb.Struct, stream rpc.WatchStream) error {
	ctx := stream.Context()
	uid, err := s.userID(ctx)
	if err != nil {
		return err
	}
	path := convert.String(in, "path")

	latest := watch.NewLatest[*remote.Snapshot](nil)
	defer latest.Close()
	unsub, err := s.docs.Subscribe(ctx, path, func(snap remote.Snapshot) {
		latest.Set(&snap)
	})
	if err != nil {
		return toStatus("watch", err)
	}
	defer unsub()
	s.log.Debug("watch opened", zap.String("path", path), zap.String("uid", uid.String()))

	for snap := range latest.Watch(ctx) {
		if snap == nil {
			continue
		}
		msg, err := convert.SnapshotToStruct(*snap)
		if err != nil {
			return status.Errorf(codes.Internal, "encode snapshot: %v", err)
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	s.log.Debug("watch closed", zap.String("path", path), zap.String("uid", uid.String()))
	return nil
}

func document(doc remote.Document) (*structpb.Struct, error) {
	out, err := convert.DocumentToStruct(doc)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	return out, nil
}

func documents(docs []remote.Document) (*structpb.Struct, error) {
	out, err := convert.DocumentsToStruct(docs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode documents: %v", err)
	}
	return out, nil
}

// --- Blobs ---

// UploadBlob stores a blob and returns its handle and public URL.
func (s *Server) UploadBlob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.userID(ctx); err != nil {
		return nil, err
	}
	p, data, ct, err := convert.UploadFromStruct(in)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad upload: %v", err)
	}
	h, err := s.blobs.Upload(ctx, p, data, ct)
	if err != nil {
		return nil, toStatus("upload", err)
	}
	return convert.BlobHandleToStruct(h, s.blobs.PublicURL(h)), nil
}

// userID returns the subject stored by AuthUnary/AuthStream, or verifies the
// bearer token itself when the server runs without those interceptors.
func (s *Server) userID(ctx context.Context) (uuid.UUID, error) {
	if id, ok := UserIDFromCtx(ctx); ok {
		return id, nil
	}
	id, err := authenticate(ctx, s.signKey)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.Aborted, "version conflict")
	case errors.Is(err, errs.ErrInvalidPath),
		errors.Is(err, errs.ErrEmptyContent),
		errors.Is(err, errs.ErrValidation),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, pkgcrypto.ErrWeakPassword):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

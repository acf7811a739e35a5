package grpcserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/remote/memstore"
	"github.com/and161185/inkwell/internal/rpc"
	"github.com/and161185/inkwell/internal/service"
)

type fakeAuth struct {
	key  []byte
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Account
	pwd  map[string]string
}

func newFakeAuth(key []byte) *fakeAuth {
	return &fakeAuth{key: key, byID: map[uuid.UUID]*model.Account{}, pwd: map[string]string{}}
}

func (f *fakeAuth) token(id uuid.UUID) model.Tokens {
	exp := time.Now().Add(time.Hour)
	s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(f.key)
	return model.Tokens{AccessToken: s, ExpiresAt: exp}
}

func (f *fakeAuth) CreateAccount(_ context.Context, email, password string) (model.Account, model.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pwd[email]; ok {
		return model.Account{}, model.Tokens{}, errs.ErrAlreadyExists
	}
	a := &model.Account{ID: uuid.Must(uuid.NewV4()), Email: email}
	f.byID[a.ID] = a
	f.pwd[email] = password
	return *a, f.token(a.ID), nil
}

func (f *fakeAuth) VerifyCredential(_ context.Context, email, password, _ string) (model.Account, model.Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if email == "blocked@x.io" {
		return model.Account{}, model.Tokens{}, errs.ErrRateLimited
	}
	if p, ok := f.pwd[email]; !ok || p != password {
		return model.Account{}, model.Tokens{}, errs.ErrUnauthorized
	}
	for _, a := range f.byID {
		if a.Email == email {
			return *a, f.token(a.ID), nil
		}
	}
	return model.Account{}, model.Tokens{}, errs.ErrUnauthorized
}

func (f *fakeAuth) SetDisplayName(_ context.Context, id uuid.UUID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	a.DisplayName = name
	return nil
}

func (f *fakeAuth) ChangePassword(_ context.Context, id uuid.UUID, oldPassword, newPassword, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return errs.ErrNotFound
	}
	if f.pwd[a.Email] != oldPassword {
		return errs.ErrUnauthorized
	}
	f.pwd[a.Email] = newPassword
	return nil
}

func (f *fakeAuth) Account(_ context.Context, id uuid.UUID) (model.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return model.Account{}, errs.ErrNotFound
	}
	return *a, nil
}

type fakeBlobRepo struct {
	mu    sync.Mutex
	blobs map[string]model.Blob
}

func (r *fakeBlobRepo) Put(_ context.Context, b model.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[b.Path] = b
	return nil
}

func (r *fakeBlobRepo) Get(_ context.Context, p string) (*model.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[p]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &b, nil
}

const bufSize = 1 << 20

type testEnv struct {
	auth *fakeAuth
	cl   *rpc.BackendClient
}

func startBufGRPC(t *testing.T) *testEnv {
	t.Helper()
	key := []byte("test-secret")
	log := zaptest.NewLogger(t)

	auth := newFakeAuth(key)
	docs := service.NewDocumentService(memstore.NewDocs(log), 0, log)
	blobs := service.NewBlobService(&fakeBlobRepo{blobs: map[string]model.Blob{}}, "http://blobs.test", 0)
	srv := New(auth, docs, blobs, key, log)

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(log), AuthUnary(key)),
		grpc.ChainStreamInterceptor(RecoverStream(log), AuthStream(key)),
	)
	rpc.RegisterBackendServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return &testEnv{auth: auth, cl: rpc.NewBackendClient(cc)}
}

func (e *testEnv) signup(t *testing.T, email string) (remote.Credential, context.Context) {
	t.Helper()
	out, err := e.cl.Call(context.Background(), rpc.MethodCreateAccount, &structpb.Struct{Fields: map[string]*structpb.Value{
		"email":    structpb.NewStringValue(email),
		"password": structpb.NewStringValue("secret1"),
	}})
	require.NoError(t, err)
	cred := convert.CredentialFromStruct(out)
	require.NotEmpty(t, cred.AccessToken)
	return cred, metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+cred.AccessToken)
}

func docRequest(t *testing.T, collection, id string, fields map[string]any) *structpb.Struct {
	t.Helper()
	in, err := convert.DocumentRequest{Collection: collection, ID: id, Fields: fields}.Struct()
	require.NoError(t, err)
	return in
}

func TestServer_E2E_DocumentFlow(t *testing.T) {
	t.Parallel()
	env := startBufGRPC(t)
	cred, ctx := env.signup(t, "ada@x.io")

	_, err := env.cl.Call(context.Background(), rpc.MethodGetDocument, docRequest(t, "posts", "p1", nil))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	out, err := env.cl.Call(ctx, rpc.MethodCreateDocument, docRequest(t, "posts", "", map[string]any{
		"title":      "Hello",
		"likedBy":    []any{},
		"likesCount": 0,
	}))
	require.NoError(t, err)
	created, err := convert.DocumentFromStruct(out)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, int64(1), created.Version)

	out, err = env.cl.Call(ctx, rpc.MethodUpdateDocument, docRequest(t, "posts", created.ID, map[string]any{
		"likedBy":    remote.Union(cred.UID),
		"likesCount": remote.Inc(1),
	}))
	require.NoError(t, err)
	updated, err := convert.DocumentFromStruct(out)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)
	require.Equal(t, []any{cred.UID}, updated.Fields["likedBy"])
	require.Equal(t, float64(1), updated.Fields["likesCount"])

	out, err = env.cl.Call(ctx, rpc.MethodGetDocument, docRequest(t, "posts", created.ID, nil))
	require.NoError(t, err)
	got, err := convert.DocumentFromStruct(out)
	require.NoError(t, err)
	require.Equal(t, "Hello", got.Fields["title"])

	_, err = env.cl.Call(ctx, rpc.MethodGetDocument, docRequest(t, "posts", "missing", nil))
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.cl.Call(ctx, rpc.MethodCreateDocument, docRequest(t, "posts", created.ID, map[string]any{"title": "dup"}))
	require.Equal(t, codes.AlreadyExists, status.Code(err))

	batch, err := convert.WritesToStruct([]remote.Write{
		remote.CreateWrite(remote.CommentsPath(created.ID), "", map[string]any{"content": "first"}),
		remote.UpdateWrite("posts", created.ID, map[string]any{"commentsCount": remote.Inc(1)}),
	})
	require.NoError(t, err)
	out, err = env.cl.Call(ctx, rpc.MethodCommit, batch)
	require.NoError(t, err)
	written, err := convert.DocumentsFromStruct(out)
	require.NoError(t, err)
	require.Len(t, written, 2)
	require.Equal(t, float64(1), written[1].Fields["commentsCount"])

	out, err = env.cl.Call(ctx, rpc.MethodListDocuments, docRequest(t, remote.CommentsPath(created.ID), "", nil))
	require.NoError(t, err)
	comments, err := convert.DocumentsFromStruct(out)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	require.Equal(t, "first", comments[0].Fields["content"])

	_, err = env.cl.Call(ctx, rpc.MethodUpdateDocument, docRequest(t, "posts", created.ID, map[string]any{}))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_E2E_Credentials(t *testing.T) {
	t.Parallel()
	env := startBufGRPC(t)
	cred, ctx := env.signup(t, "bob@x.io")

	verify := func(email, password string) error {
		_, err := env.cl.Call(context.Background(), rpc.MethodVerifyCredential, &structpb.Struct{Fields: map[string]*structpb.Value{
			"email":    structpb.NewStringValue(email),
			"password": structpb.NewStringValue(password),
		}})
		return err
	}
	require.NoError(t, verify("bob@x.io", "secret1"))
	require.Equal(t, codes.Unauthenticated, status.Code(verify("bob@x.io", "nope")))
	require.Equal(t, codes.ResourceExhausted, status.Code(verify("blocked@x.io", "secret1")))

	_, err := env.cl.Call(context.Background(), rpc.MethodCreateAccount, &structpb.Struct{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.cl.Call(ctx, rpc.MethodSetDisplayName, &structpb.Struct{Fields: map[string]*structpb.Value{
		"displayName": structpb.NewStringValue("Bob"),
	}})
	require.NoError(t, err)
	acc, err := env.auth.Account(context.Background(), uuid.FromStringOrNil(cred.UID))
	require.NoError(t, err)
	require.Equal(t, "Bob", acc.DisplayName)

	change := func(ctx context.Context, oldPassword, newPassword string) error {
		_, err := env.cl.Call(ctx, rpc.MethodChangePassword, &structpb.Struct{Fields: map[string]*structpb.Value{
			"oldPassword": structpb.NewStringValue(oldPassword),
			"newPassword": structpb.NewStringValue(newPassword),
		}})
		return err
	}
	require.Equal(t, codes.Unauthenticated, status.Code(change(context.Background(), "secret1", "secret2")))
	require.Equal(t, codes.InvalidArgument, status.Code(change(ctx, "secret1", "")))
	require.Equal(t, codes.Unauthenticated, status.Code(change(ctx, "wrong", "secret2")))
	require.NoError(t, change(ctx, "secret1", "secret2"))
	require.Equal(t, codes.Unauthenticated, status.Code(verify("bob@x.io", "secret1")))
	require.NoError(t, verify("bob@x.io", "secret2"))
}

func TestServer_E2E_UploadBlob(t *testing.T) {
	t.Parallel()
	env := startBufGRPC(t)
	_, ctx := env.signup(t, "cy@x.io")

	out, err := env.cl.Call(ctx, rpc.MethodUploadBlob, convert.UploadToStruct("avatars/u1", []byte("\x89PNG\r\n\x1a\nrest"), ""))
	require.NoError(t, err)
	h, url := convert.BlobHandleFromStruct(out)
	require.Equal(t, "avatars/u1", h.Path)
	require.Equal(t, "image/png", h.ContentType)
	require.Equal(t, "http://blobs.test/blobs/avatars/u1", url)

	_, err = env.cl.Call(ctx, rpc.MethodUploadBlob, convert.UploadToStruct("../etc/passwd", []byte("x"), ""))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServer_E2E_WatchDeliversSnapshots(t *testing.T) {
	t.Parallel()
	env := startBufGRPC(t)
	_, ctx := env.signup(t, "dee@x.io")

	_, err := env.cl.Call(ctx, rpc.MethodCreateDocument, docRequest(t, "posts", "", map[string]any{"title": "one"}))
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	stream, err := env.cl.Watch(wctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"path": structpb.NewStringValue("posts"),
	}})
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)
	snap, err := convert.SnapshotFromStruct(msg)
	require.NoError(t, err)
	require.Equal(t, "posts", snap.Path)
	require.Len(t, snap.Docs, 1)

	_, err = env.cl.Call(ctx, rpc.MethodCreateDocument, docRequest(t, "posts", "", map[string]any{"title": "two"}))
	require.NoError(t, err)

	for {
		msg, err := stream.Recv()
		require.NoError(t, err)
		snap, err := convert.SnapshotFromStruct(msg)
		require.NoError(t, err)
		if len(snap.Docs) == 2 {
			break
		}
	}
}

func TestServer_WatchRequiresAuth(t *testing.T) {
	t.Parallel()
	env := startBufGRPC(t)

	stream, err := env.cl.Watch(context.Background(), &structpb.Struct{Fields: map[string]*structpb.Value{
		"path": structpb.NewStringValue("posts"),
	}})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func Test_toStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want codes.Code
	}{
		{errs.ErrNotFound, codes.NotFound},
		{errs.ErrUnauthorized, codes.Unauthenticated},
		{errs.ErrRateLimited, codes.ResourceExhausted},
		{errs.ErrAlreadyExists, codes.AlreadyExists},
		{fmt.Errorf("wrap: %w", errs.ErrVersionConflict), codes.Aborted},
		{errs.ErrInvalidPath, codes.InvalidArgument},
		{fmt.Errorf("%w: too big", errs.ErrValidation), codes.InvalidArgument},
		{service.ErrInvalidEmail, codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{fmt.Errorf("db down"), codes.Internal},
	}
	for _, c := range cases {
		got := status.Code(toStatus("op", c.err))
		if got != c.want {
			t.Fatalf("%v: got %s, want %s", c.err, got, c.want)
		}
	}
}

func Test_Server_WithoutInterceptorsChecksToken(t *testing.T) {
	t.Parallel()
	s := &Server{signKey: []byte("k")}
	_, err := s.GetDocument(context.Background(), &structpb.Struct{})
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	sub := uuid.Must(uuid.NewV4())
	ctx := ctxWithAuth(makeJWT(t, sub.String(), s.signKey, jwt.SigningMethodHS256, time.Now().UTC(), time.Hour))
	id, err := s.userID(ctx)
	require.NoError(t, err)
	require.Equal(t, sub, id)
	require.True(t, strings.HasPrefix(rpc.FullMethod(rpc.MethodWatch), "/inkwell.v1.Backend/"))
}

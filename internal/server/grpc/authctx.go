package grpcserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/service"
)

type userIDKeyType struct{}

var userIDKey userIDKeyType

// WithUserID returns ctx carrying the authenticated account id.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx returns the account id stored by WithUserID.
func UserIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// authenticate verifies the bearer token of the incoming call.
func authenticate(ctx context.Context, signKey []byte) (uuid.UUID, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return service.ParseAccessToken(signKey, tok)
}

// bearerTokenFromMD returns the first non-empty "authorization: Bearer <token>"
// value; the scheme is matched case-insensitively.
func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no metadata", errs.ErrUnauthorized)
	}
	for _, v := range md.Get("authorization") {
		scheme, tok, found := strings.Cut(strings.TrimSpace(v), " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			continue
		}
		if tok = strings.TrimSpace(tok); tok != "" {
			return tok, nil
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}

package grpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestServer_userID_Sources(t *testing.T) {
	t.Parallel()

	key := []byte("k")
	s := &Server{signKey: key}
	stored := uuid.Must(uuid.NewV4())
	bearer := uuid.Must(uuid.NewV4())
	tok := makeJWT(t, bearer.String(), key, jwt.SigningMethodHS256, time.Now(), time.Minute)

	// the interceptor's subject wins over metadata
	ctx := WithUserID(ctxWithAuth(tok), stored)
	got, err := s.userID(ctx)
	if err != nil || got != stored {
		t.Fatalf("stored subject: got %s, %v", got, err)
	}

	// without interceptors the bearer token is verified in place
	got, err = s.userID(ctxWithAuth(tok))
	if err != nil || got != bearer {
		t.Fatalf("bearer subject: got %s, %v", got, err)
	}

	// a value of the wrong type under the key is not an identity
	bad := context.WithValue(context.Background(), userIDKey, bearer.String())
	if _, ok := UserIDFromCtx(bad); ok {
		t.Fatalf("string value must not read as a user id")
	}
	for name, c := range map[string]context.Context{
		"empty":      context.Background(),
		"wrong type": bad,
		"other key":  ctxWithAuth(makeJWT(t, bearer.String(), []byte("other"), jwt.SigningMethodHS256, time.Now(), time.Minute)),
	} {
		_, err := s.userID(c)
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("%s: want Unauthenticated, got %v", name, err)
		}
	}
}

package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/and161185/inkwell/internal/errs"
)

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func ctxWithAuth(token string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": "Bearer " + token,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

func Test_bearerTokenFromMD(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		headers []string
		want    string
	}{
		{"plain", []string{"Bearer abc.def.ghi"}, "abc.def.ghi"},
		{"lower case and padding", []string{"  bearer   tok.part.sig   "}, "tok.part.sig"},
		{"skips other schemes", []string{"Basic foo", "BEARER t2"}, "t2"},
		{"only basic", []string{"Basic foo"}, ""},
		{"empty token", []string{"Bearer   "}, ""},
		{"no header", nil, ""},
	}
	for _, c := range cases {
		md := metadata.New(nil)
		for _, h := range c.headers {
			md.Append("authorization", h)
		}
		got, err := bearerTokenFromMD(metadata.NewIncomingContext(context.Background(), md))
		if c.want == "" {
			if !errors.Is(err, errs.ErrUnauthorized) {
				t.Fatalf("%s: want ErrUnauthorized, got %q, %v", c.name, got, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%s: got %q, %v", c.name, got, err)
		}
	}

	if _, err := bearerTokenFromMD(context.Background()); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("no metadata: want ErrUnauthorized, got %v", err)
	}
}

func Test_authenticate(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	sub := uuid.Must(uuid.NewV4())
	j := makeJWT(t, sub.String(), key, jwt.SigningMethodHS256, time.Now().Add(-time.Minute), 10*time.Minute)

	id, err := authenticate(ctxWithAuth(j), key)
	if err != nil || id != sub {
		t.Fatalf("authenticate: got %s, %v", id, err)
	}
	if _, err := authenticate(ctxWithAuth(j), []byte("other")); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("wrong key: want ErrUnauthorized, got %v", err)
	}
	if _, err := authenticate(context.Background(), key); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("no metadata: want ErrUnauthorized, got %v", err)
	}
}

type loopbackAddr struct{}

func (loopbackAddr) Network() string { return "tcp" }
func (loopbackAddr) String() string  { return "127.0.0.1:5555" }

func Test_remoteIP(t *testing.T) {
	t.Parallel()
	if got := remoteIP(context.Background()); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
	pctx := peer.NewContext(context.Background(), &peer.Peer{Addr: loopbackAddr{}})
	if got := remoteIP(pctx); got != "127.0.0.1:5555" {
		t.Fatalf("want peer ip:port, got %q", got)
	}
}

// Package client implements the remote credential, document and blob
// services over the inkwell.v1.Backend gRPC API.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/inkwell/internal/rpc"
)

// Options configure Dial.
type Options struct {
	Addr      string
	CACert    string // PEM bundle; system roots when empty
	Plaintext bool   // no TLS (dev)
	TokenFile string // where the signed-in credential is kept; nothing persisted when empty
	Logger    *zap.Logger
}

// Client bundles the three remote services sharing one connection.
type Client struct {
	cc          *grpc.ClientConn
	Credentials *Credentials
	Documents   *Documents
	Blobs       *Blobs
}

// Dial connects to the backend. Calls carry the bearer token of the
// signed-in credential, if any.
func Dial(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	tc, err := loadTLS(opts.CACert, opts.Plaintext)
	if err != nil {
		return nil, err
	}
	creds := newCredentials(opts.TokenFile, opts.Logger)
	cc, err := grpc.NewClient(opts.Addr,
		grpc.WithTransportCredentials(tc),
		grpc.WithPerRPCCredentials(bearerCreds{src: creds}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Addr, err)
	}
	return newClient(cc, creds, opts.Logger), nil
}

func newClient(cc *grpc.ClientConn, creds *Credentials, log *zap.Logger) *Client {
	api := rpc.NewBackendClient(cc)
	creds.api = api
	creds.restore()
	return &Client{
		cc:          cc,
		Credentials: creds,
		Documents:   &Documents{api: api, log: log.Named("documents")},
		Blobs:       &Blobs{api: api, urls: map[string]string{}},
	}
}

// Close closes the connection.
func (c *Client) Close() error { return c.cc.Close() }

type tokenSource interface {
	accessToken() string
}

type bearerCreds struct{ src tokenSource }

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	tok := b.src.accessToken()
	if tok == "" {
		return nil, nil
	}
	return map[string]string{"authorization": "Bearer " + tok}, nil
}

// RequireTransportSecurity is false so that -insecure dev setups still
// authenticate.
func (b bearerCreds) RequireTransportSecurity() bool { return false }

func loadTLS(caPath string, plaintext bool) (credentials.TransportCredentials, error) {
	if plaintext {
		return insecure.NewCredentials(), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

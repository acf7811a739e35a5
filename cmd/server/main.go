// Command inkwell-server serves the inkwell.v1.Backend gRPC API and the
// blob HTTP endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/inkwell/internal/config"
	"github.com/and161185/inkwell/internal/limiter"
	"github.com/and161185/inkwell/internal/migrate"
	"github.com/and161185/inkwell/internal/repository"
	mongorepo "github.com/and161185/inkwell/internal/repository/mongo"
	"github.com/and161185/inkwell/internal/repository/postgres"
	"github.com/and161185/inkwell/internal/rpc"
	grpcserver "github.com/and161185/inkwell/internal/server/grpc"
	httpserver "github.com/and161185/inkwell/internal/server/http"
	"github.com/and161185/inkwell/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the gRPC and HTTP servers.
func main() {
	_ = config.LoadDotEnv(".env")
	cfg, err := config.ParseServer(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mig, err := migrate.Up(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}
	logger.Info("migrations applied", zap.Int("count", mig.Applied), zap.Int64("version", mig.Version))

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()

	// Repositories
	accounts := postgres.NewAccountRepo(db)
	blobRepo := postgres.NewBlobRepo(db)
	lim := limiter.NewPG(db.Pool, limiter.DefaultWindow, limiter.DefaultMaxFails, limiter.DefaultBlockFor)

	docRepo, relay, closeDocs, err := openDocuments(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("document backend", zap.Error(err))
	}
	defer closeDocs()

	// Services
	authSvc := service.NewAuthService(accounts, []byte(cfg.JWTKey), cfg.AccessTTL, lim, logger)
	docSvc := service.NewDocumentService(docRepo, service.DefaultMaxBatch, logger)
	blobSvc := service.NewBlobService(blobRepo, cfg.PublicURL, service.DefaultMaxBlobSize)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.JWTKey)),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
			grpcserver.AuthStream([]byte(cfg.JWTKey)),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	rpc.RegisterBackendServer(s, grpcserver.New(authSvc, docSvc, blobSvc, []byte(cfg.JWTKey), logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	// Blob HTTP endpoint
	web := httpserver.New(blobSvc, db.Pool.Ping, logger)
	hsrv := &http.Server{Addr: cfg.HTTPAddr, Handler: web, ReadHeaderTimeout: 10 * time.Second}

	// Listen
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		errCh <- s.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := relay(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	// graceful shutdown
	hs.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hsrv.Shutdown(sctx)

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		s.Stop()
	}

	logger.Info("shutdown complete")
}

// openDocuments picks the document backend. relay feeds database change
// notifications into the repository's subscription hub until ctx is done.
func openDocuments(ctx context.Context, cfg config.Server, db *postgres.DB, log *zap.Logger) (repository.DocumentRepository, func(context.Context) error, func(), error) {
	if cfg.Backend == "mongo" {
		client, err := mongorepo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		repo := mongorepo.NewDocumentRepo(client, cfg.MongoDB, log)
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		return repo, repo.Watch, closeFn, nil
	}

	repo := postgres.NewDocumentRepo(db, log)
	repo.UseExternalNotify()
	listener := postgres.NewListener(db.Raw(), repo.Hub(), log)
	return repo, listener.Run, func() {}, nil
}

func newLogger(dev bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

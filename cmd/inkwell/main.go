// Command inkwell is a terminal client for the inkwell blogging backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/app"
	"github.com/and161185/inkwell/internal/client"
	"github.com/and161185/inkwell/internal/config"
	"github.com/and161185/inkwell/internal/remote/memstore"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `inkwell CLI
Usage:
  inkwell [-addr HOST:PORT] [-cacert file | -insecure] [-local] <cmd> [args]

Commands:
  version
  signup    -name <name> -email <email> -password <password>
  login     -email <email> -password <password>     (saves token)
  logout
  passwd    -old <password> -new <password> -confirm <password>
  whoami
  feed      [-q <query>] [-tag <tag>]
  tags
  show      -id <post>
  post      -title <title> (-content <text> | -file <path|->) [-tags a,b] [-image <path>]
  like      -id <post>                              (toggles)
  comment   -id <post> -text <text>
  comments  -id <post>
  follow    -id <user>
  unfollow  -id <user>
  profile   [-id <user>]
  edit      [-name <name>] [-bio <bio>]
  avatar    -file <path>
  liked
  shell                                             (read commands from stdin)
`)
	os.Exit(2)
}

// main wires the stores over the gRPC client, or over in-memory services
// with -local, and dispatches one subcommand.
func main() {
	_ = config.LoadDotEnv(".env")
	flag.Usage = usage
	cfg, args, err := config.ParseClient(flag.CommandLine, os.Args[1:])
	if err != nil {
		usage()
	}
	if len(args) < 1 {
		usage()
	}
	if args[0] == "version" {
		fmt.Printf("inkwell %s (%s)\n", version, buildDate)
		return
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, closeDeps, err := buildDeps(cfg, logger)
	if err != nil {
		fail(err)
	}
	a := app.New(deps, app.Options{Logger: logger, OpTimeout: cfg.OpTimeout})
	c := &cli{app: a, out: os.Stdout}

	if args[0] == "shell" {
		err = c.shell(ctx, os.Stdin)
	} else {
		err = c.run(ctx, args)
	}
	a.Close()
	closeDeps()
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			usage()
		}
		fail(err)
	}
}

// buildDeps returns the remote services for cfg and a function releasing them.
func buildDeps(cfg config.Client, log *zap.Logger) (app.Deps, func(), error) {
	if cfg.Local {
		return app.Deps{
			Credentials: memstore.NewAuth(),
			Documents:   memstore.NewDocs(log),
			Blobs:       memstore.NewBlobs("mem://blobs"),
		}, func() {}, nil
	}
	cl, err := client.Dial(client.Options{
		Addr:      cfg.Addr,
		CACert:    cfg.CACert,
		Plaintext: cfg.Insecure,
		TokenFile: cfg.TokenFile,
		Logger:    log,
	})
	if err != nil {
		return app.Deps{}, nil, err
	}
	return app.Deps{
		Credentials: cl.Credentials,
		Documents:   cl.Documents,
		Blobs:       cl.Blobs,
	}, func() { _ = cl.Close() }, nil
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newLogger(dev bool) *zap.Logger {
	if !dev {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

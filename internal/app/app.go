// Package app wires the client-side stores over a set of remote services.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/content"
	"github.com/and161185/inkwell/internal/profile"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/session"
)

// Deps are the remote services the stores run against.
type Deps struct {
	Credentials remote.CredentialService
	Documents   remote.DocumentStore
	Blobs       remote.BlobStore
}

// Options tunes the stores.
type Options struct {
	Logger    *zap.Logger
	OpTimeout time.Duration
}

// App owns the Session Store, the Content Store and the profile resolver.
type App struct {
	log      *zap.Logger
	session  *session.Store
	content  *content.Store
	profiles *profile.Resolver

	mu          sync.Mutex
	sessionOpen bool
	contentOpen bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New builds the stores. Nothing is subscribed until Open.
func New(deps Deps, opts Options) *App {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	sess := session.New(deps.Credentials, deps.Documents, deps.Blobs, session.Options{
		Logger:    opts.Logger,
		OpTimeout: opts.OpTimeout,
	})
	cont := content.New(deps.Documents, sess, deps.Blobs, content.Options{
		Logger:    opts.Logger,
		OpTimeout: opts.OpTimeout,
	})
	return &App{
		log:      opts.Logger,
		session:  sess,
		content:  cont,
		profiles: profile.NewResolver(deps.Documents, sess, opts.Logger, opts.OpTimeout),
	}
}

// OpenSession starts only the session. Useful when the caller is not signed
// in yet and the backend refuses anonymous feed subscriptions.
func (a *App) OpenSession(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openSessionLocked(ctx)
}

func (a *App) openSessionLocked(ctx context.Context) error {
	if a.sessionOpen {
		return nil
	}
	if err := a.session.Open(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	a.sessionOpen = true
	return nil
}

// Open starts the session, if OpenSession has not, and then the content
// subscriptions. If content fails to open and the session was opened here,
// the session is closed again.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.contentOpen {
		return nil
	}
	fresh := !a.sessionOpen
	if err := a.openSessionLocked(ctx); err != nil {
		return err
	}
	if err := a.content.Open(ctx); err != nil {
		if fresh {
			a.session.Close()
		}
		return fmt.Errorf("open content: %w", err)
	}
	a.contentOpen = true

	wctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for range a.session.Watch(wctx) {
			a.content.ViewerChanged()
		}
	}()
	a.log.Debug("app opened")
	return nil
}

// Close releases every subscription in reverse order of Open.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.content.Close()
	a.session.Close()
	a.wg.Wait()
}

// Session returns the Session Store.
func (a *App) Session() *session.Store { return a.session }

// Content returns the Content Store.
func (a *App) Content() *content.Store { return a.content }

// Profiles returns the profile resolver.
func (a *App) Profiles() *profile.Resolver { return a.profiles }

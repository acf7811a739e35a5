// Package session holds the signed-in identity. Its state is driven only by
// the credential service's auth-state stream and by a live subscription on
// the user's own profile document, never by the return value of Login,
// Signup or Logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/watch"
)

// DefaultOpTimeout bounds every remote call made by the store.
const DefaultOpTimeout = 10 * time.Second

// Options tunes a Store.
type Options struct {
	Logger    *zap.Logger
	OpTimeout time.Duration
}

// Store exposes the authenticated identity and identity-mutating operations.
type Store struct {
	creds     remote.CredentialService
	docs      remote.DocumentStore
	blobs     remote.BlobStore
	log       *zap.Logger
	opTimeout time.Duration

	state   *watch.Latest[model.Session]
	notices chan model.Notice

	mu           sync.Mutex
	opened       bool
	closed       bool
	unsubAuth    func()
	unsubProfile func()
	gen          uint64 // bumped on every auth change; older profile callbacks are dropped
}

// New constructs a Store in the Unknown state (loading, not authenticated).
func New(creds remote.CredentialService, docs remote.DocumentStore, blobs remote.BlobStore, opts Options) *Store {
	if creds == nil || docs == nil {
		panic("session: nil credential service or document store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	return &Store{
		creds:     creds,
		docs:      docs,
		blobs:     blobs,
		log:       opts.Logger.Named("session"),
		opTimeout: opts.OpTimeout,
		state:     watch.NewLatest(model.Session{IsLoading: true}),
		notices:   make(chan model.Notice, 16),
	}
}

// Open subscribes to the auth-state stream.
func (s *Store) Open(context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return errors.New("session: store already opened")
	}
	s.opened = true
	s.mu.Unlock()

	unsub := s.creds.OnAuthStateChange(s.onAuth)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return errors.New("session: store closed during open")
	}
	s.unsubAuth = unsub
	s.mu.Unlock()
	return nil
}

// Close releases the auth and profile subscriptions. Safe to call more than once.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ua, up := s.unsubAuth, s.unsubProfile
	s.unsubAuth, s.unsubProfile = nil, nil
	s.mu.Unlock()

	if ua != nil {
		ua()
	}
	if up != nil {
		up()
	}
	s.state.Close()
}

// Snapshot returns the current session state.
func (s *Store) Snapshot() model.Session { return s.state.Get() }

// Watch streams session states; only the latest one is kept for slow readers.
func (s *Store) Watch(ctx context.Context) <-chan model.Session { return s.state.Watch(ctx) }

// Notices delivers one-shot failure notices for user-initiated operations.
func (s *Store) Notices() <-chan model.Notice { return s.notices }

// CurrentUser returns the signed-in user.
func (s *Store) CurrentUser() (model.User, bool) {
	st := s.state.Get()
	if !st.IsAuthenticated || st.CurrentUser == nil {
		return model.User{}, false
	}
	return *st.CurrentUser, true
}

// Login verifies credentials. The resulting identity arrives through the
// auth-state stream; on failure the session stays anonymous.
func (s *Store) Login(ctx context.Context, email, password string) error {
	s.setLoading(true)
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if _, err := s.creds.VerifyCredential(ctx, email, password); err != nil {
		s.log.Warn("login failed", zap.String("email", email), zap.Error(err))
		s.notify("Login failed", err)
		s.setLoading(false)
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// Signup creates a credential, names it and writes the profile document.
// A failure after the credential exists is reported; the profile is
// recreated on the next sign-in by the auth callback.
func (s *Store) Signup(ctx context.Context, name, email, password string) error {
	name = strings.TrimSpace(name)
	s.setLoading(true)
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cred, err := s.creds.CreateAccount(ctx, email, password)
	if err != nil {
		s.log.Warn("create account failed", zap.String("email", email), zap.Error(err))
		s.notify("Signup failed", err)
		s.setLoading(false)
		return fmt.Errorf("signup: %w", err)
	}

	if err := s.creds.SetDisplayName(ctx, cred, name); err != nil {
		s.log.Warn("set display name failed", zap.String("uid", cred.UID), zap.Error(err))
	}

	_, err = s.docs.Create(ctx, remote.UsersCollection, cred.UID, model.NewProfileFields(name, cred.Email))
	if errors.Is(err, errs.ErrAlreadyExists) {
		// the auth callback may have healed the profile first, without a name
		_, err = s.docs.Update(ctx, remote.UsersCollection, cred.UID, map[string]any{model.FieldName: name})
	}
	if err != nil {
		s.log.Error("create profile failed", zap.String("uid", cred.UID), zap.Error(err))
		s.notify("Signup incomplete", err)
		s.setLoading(false)
		return fmt.Errorf("signup profile: %w", err)
	}
	return nil
}

// Logout signs out; the auth-state stream then clears the session.
func (s *Store) Logout(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.creds.SignOut(ctx); err != nil {
		s.log.Warn("sign out failed", zap.Error(err))
		s.notify("Logout failed", err)
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// ChangePassword replaces the signed-in user's password. next must equal
// confirm; the current password is re-checked by the credential service.
func (s *Store) ChangePassword(ctx context.Context, current, next, confirm string) error {
	cred, ok := s.creds.Current()
	if !ok {
		return errs.ErrNotAuthenticated
	}
	if next == "" {
		return fmt.Errorf("new password: %w", errs.ErrEmptyContent)
	}
	if next != confirm {
		return errs.ErrPasswordMismatch
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.creds.ChangePassword(ctx, cred, current, next); err != nil {
		s.log.Warn("change password failed", zap.String("uid", cred.UID), zap.Error(err))
		s.notify("Password change failed", err)
		return fmt.Errorf("change password: %w", err)
	}
	s.log.Info("password changed", zap.String("uid", cred.UID))
	return nil
}

func (s *Store) onAuth(cred *remote.Credential) {
	if s.isClosed() {
		return
	}
	if cred == nil {
		s.mu.Lock()
		s.gen++
		unsub := s.unsubProfile
		s.unsubProfile = nil
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		s.state.Set(model.Session{})
		s.log.Debug("signed out")
		return
	}

	c := *cred
	ctx, cancel := s.opCtx(context.Background())
	defer cancel()
	user := s.loadProfile(ctx, c)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.unsubProfile
	s.unsubProfile = nil
	s.mu.Unlock()
	if old != nil {
		old()
	}

	s.state.Set(model.Session{CurrentUser: &user, IsAuthenticated: true})
	s.log.Debug("signed in", zap.String("uid", c.UID))

	unsub, err := s.docs.Subscribe(ctx, remote.DocPath(remote.UsersCollection, c.UID), func(snap remote.Snapshot) {
		s.onProfile(gen, c, snap)
	})
	if err != nil {
		s.log.Warn("profile subscription failed", zap.String("uid", c.UID), zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubProfile = unsub
	s.mu.Unlock()
}

// loadProfile reads users/{uid}, creating it when the credential has none.
func (s *Store) loadProfile(ctx context.Context, c remote.Credential) model.User {
	doc, err := s.docs.Get(ctx, remote.UsersCollection, c.UID)
	if errors.Is(err, errs.ErrNotFound) {
		name := c.DisplayName
		if name == "" {
			name, _, _ = strings.Cut(c.Email, "@")
		}
		doc, err = s.docs.Create(ctx, remote.UsersCollection, c.UID, model.NewProfileFields(name, c.Email))
		if errors.Is(err, errs.ErrAlreadyExists) {
			doc, err = s.docs.Get(ctx, remote.UsersCollection, c.UID)
		}
		if err == nil {
			s.log.Info("profile recreated", zap.String("uid", c.UID))
		}
	}
	if err != nil {
		s.log.Warn("profile read failed", zap.String("uid", c.UID), zap.Error(err))
		return mergeCredential(c, model.User{ID: c.UID})
	}
	return mergeCredential(c, model.UserFromDocument(doc))
}

func (s *Store) onProfile(gen uint64, c remote.Credential, snap remote.Snapshot) {
	if snap.Err != nil {
		s.log.Warn("profile snapshot failed", zap.String("uid", c.UID), zap.Error(snap.Err))
		return
	}
	if len(snap.Docs) == 0 {
		return
	}
	s.mu.Lock()
	stale := s.closed || s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.applyProfile(mergeCredential(c, model.UserFromDocument(snap.Docs[0])))
}

// applyProfile replaces CurrentUser if u is still the signed-in user.
func (s *Store) applyProfile(u model.User) {
	s.state.Update(func(cur model.Session) model.Session {
		if !cur.IsAuthenticated || cur.CurrentUser == nil || cur.CurrentUser.ID != u.ID {
			return cur
		}
		cur.CurrentUser = &u
		return cur
	})
}

func mergeCredential(c remote.Credential, u model.User) model.User {
	u.ID = c.UID
	if u.Name == "" {
		u.Name = c.DisplayName
	}
	if u.Email == "" {
		u.Email = c.Email
	}
	return u
}

func (s *Store) setLoading(v bool) {
	s.state.Update(func(cur model.Session) model.Session {
		cur.IsLoading = v
		return cur
	})
}

func (s *Store) notify(title string, err error) {
	select {
	case s.notices <- model.Notice{Title: title, Err: err}:
	default:
		s.log.Debug("notice dropped", zap.String("title", title))
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

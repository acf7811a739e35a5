package memstore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/remote"
)

type account struct {
	uid      string
	email    string
	password string
	name     string
}

type authListener struct {
	cb     func(*remote.Credential)
	mu     sync.Mutex
	closed bool
}

// Auth is an in-memory remote.CredentialService. Creating an account or
// verifying a credential signs the caller in, like a hosted auth SDK.
type Auth struct {
	mu        sync.Mutex
	byEmail   map[string]*account
	current   *remote.Credential
	listeners map[uint64]*authListener
	next      uint64
}

var _ remote.CredentialService = (*Auth)(nil)

// NewAuth constructs an empty credential service.
func NewAuth() *Auth {
	return &Auth{byEmail: map[string]*account{}, listeners: map[uint64]*authListener{}}
}

// CreateAccount implements remote.CredentialService.
func (a *Auth) CreateAccount(_ context.Context, email, password string) (remote.Credential, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return remote.Credential{}, fmt.Errorf("%w: empty email/password", errs.ErrUnauthorized)
	}
	a.mu.Lock()
	if _, ok := a.byEmail[email]; ok {
		a.mu.Unlock()
		return remote.Credential{}, fmt.Errorf("email %s: %w", email, errs.ErrAlreadyExists)
	}
	acc := &account{uid: uuid.Must(uuid.NewV4()).String(), email: email, password: password}
	a.byEmail[email] = acc
	cred := a.signInLocked(acc)
	a.mu.Unlock()

	a.broadcast(&cred)
	return cred, nil
}

// VerifyCredential implements remote.CredentialService.
func (a *Auth) VerifyCredential(_ context.Context, email, password string) (remote.Credential, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	a.mu.Lock()
	acc, ok := a.byEmail[email]
	if !ok || subtle.ConstantTimeCompare([]byte(acc.password), []byte(password)) != 1 {
		a.mu.Unlock()
		return remote.Credential{}, errs.ErrUnauthorized
	}
	cred := a.signInLocked(acc)
	a.mu.Unlock()

	a.broadcast(&cred)
	return cred, nil
}

// SetDisplayName implements remote.CredentialService.
func (a *Auth) SetDisplayName(_ context.Context, cred remote.Credential, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, acc := range a.byEmail {
		if acc.uid == cred.UID {
			acc.name = name
			if a.current != nil && a.current.UID == cred.UID {
				a.current.DisplayName = name
			}
			return nil
		}
	}
	return fmt.Errorf("account %s: %w", cred.UID, errs.ErrNotFound)
}

// ChangePassword implements remote.CredentialService.
func (a *Auth) ChangePassword(_ context.Context, cred remote.Credential, oldPassword, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: empty password", errs.ErrValidation)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, acc := range a.byEmail {
		if acc.uid != cred.UID {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(acc.password), []byte(oldPassword)) != 1 {
			return errs.ErrUnauthorized
		}
		acc.password = newPassword
		return nil
	}
	return fmt.Errorf("account %s: %w", cred.UID, errs.ErrNotFound)
}

// SignOut implements remote.CredentialService.
func (a *Auth) SignOut(context.Context) error {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
	a.broadcast(nil)
	return nil
}

// Current implements remote.CredentialService.
func (a *Auth) Current() (remote.Credential, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return remote.Credential{}, false
	}
	return *a.current, true
}

// OnAuthStateChange implements remote.CredentialService.
func (a *Auth) OnAuthStateChange(cb func(*remote.Credential)) func() {
	l := &authListener{cb: cb}
	a.mu.Lock()
	a.next++
	id := a.next
	a.listeners[id] = l
	var cur *remote.Credential
	if a.current != nil {
		c := *a.current
		cur = &c
	}
	a.mu.Unlock()

	l.fire(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// Listeners reports registered auth-state listeners.
func (a *Auth) Listeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

func (a *Auth) signInLocked(acc *account) remote.Credential {
	cred := remote.Credential{
		UID:         acc.uid,
		Email:       acc.email,
		DisplayName: acc.name,
		AccessToken: "mem-" + acc.uid,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	c := cred
	a.current = &c
	return cred
}

func (a *Auth) broadcast(cred *remote.Credential) {
	a.mu.Lock()
	ls := make([]*authListener, 0, len(a.listeners))
	for _, l := range a.listeners {
		ls = append(ls, l)
	}
	a.mu.Unlock()
	for _, l := range ls {
		var c *remote.Credential
		if cred != nil {
			cp := *cred
			c = &cp
		}
		l.fire(c)
	}
}

func (l *authListener) fire(c *remote.Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.cb(c)
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/inkwell/internal/convert"
	"github.com/and161185/inkwell/internal/remote"
	"github.com/and161185/inkwell/internal/rpc"
)

// tokenFile is the on-disk form of the signed-in credential.
type tokenFile struct {
	UID         string    `json:"uid"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type authListener struct {
	cb     func(*remote.Credential)
	mu     sync.Mutex
	closed bool
}

// Credentials implements remote.CredentialService. The signed-in
// credential survives restarts through the token file.
type Credentials struct {
	api  *rpc.BackendClient
	file string
	log  *zap.Logger

	mu        sync.Mutex
	current   *remote.Credential
	listeners map[uint64]*authListener
	next      uint64
}

var _ remote.CredentialService = (*Credentials)(nil)

func newCredentials(file string, log *zap.Logger) *Credentials {
	return &Credentials{file: file, log: log.Named("credentials"), listeners: map[uint64]*authListener{}}
}

// CreateAccount implements remote.CredentialService.
func (c *Credentials) CreateAccount(ctx context.Context, email, password string) (remote.Credential, error) {
	return c.signIn(ctx, rpc.MethodCreateAccount, email, password)
}

// VerifyCredential implements remote.CredentialService.
func (c *Credentials) VerifyCredential(ctx context.Context, email, password string) (remote.Credential, error) {
	return c.signIn(ctx, rpc.MethodVerifyCredential, email, password)
}

func (c *Credentials) signIn(ctx context.Context, method, email, password string) (remote.Credential, error) {
	out, err := c.api.Call(ctx, method, &structpb.Struct{Fields: map[string]*structpb.Value{
		"email":    structpb.NewStringValue(email),
		"password": structpb.NewStringValue(password),
	}})
	if err != nil {
		return remote.Credential{}, fromStatus(err)
	}
	cred := convert.CredentialFromStruct(out)
	c.set(&cred)
	c.log.Info("signed in", zap.String("uid", cred.UID))
	return cred, nil
}

// SetDisplayName implements remote.CredentialService. Like a hosted auth
// profile update it does not fire auth-state listeners.
func (c *Credentials) SetDisplayName(ctx context.Context, cred remote.Credential, name string) error {
	_, err := c.api.Call(ctx, rpc.MethodSetDisplayName, &structpb.Struct{Fields: map[string]*structpb.Value{
		"displayName": structpb.NewStringValue(name),
	}})
	if err != nil {
		return fromStatus(err)
	}
	c.mu.Lock()
	if c.current != nil && c.current.UID == cred.UID {
		c.current.DisplayName = name
		c.saveLocked()
	}
	c.mu.Unlock()
	return nil
}

// ChangePassword implements remote.CredentialService. The access token
// stays valid, so listeners are not fired.
func (c *Credentials) ChangePassword(ctx context.Context, _ remote.Credential, oldPassword, newPassword string) error {
	_, err := c.api.Call(ctx, rpc.MethodChangePassword, &structpb.Struct{Fields: map[string]*structpb.Value{
		"oldPassword": structpb.NewStringValue(oldPassword),
		"newPassword": structpb.NewStringValue(newPassword),
	}})
	if err != nil {
		return fromStatus(err)
	}
	c.log.Info("password changed")
	return nil
}

// SignOut implements remote.CredentialService.
func (c *Credentials) SignOut(context.Context) error {
	c.set(nil)
	return nil
}

// Current implements remote.CredentialService.
func (c *Credentials) Current() (remote.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return remote.Credential{}, false
	}
	return *c.current, true
}

// OnAuthStateChange implements remote.CredentialService.
func (c *Credentials) OnAuthStateChange(cb func(*remote.Credential)) func() {
	l := &authListener{cb: cb}
	c.mu.Lock()
	c.next++
	id := c.next
	c.listeners[id] = l
	cur := copyCred(c.current)
	c.mu.Unlock()

	l.fire(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Credentials) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

func (c *Credentials) set(cred *remote.Credential) {
	c.mu.Lock()
	c.current = copyCred(cred)
	c.saveLocked()
	ls := make([]*authListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l.fire(copyCred(cred))
	}
}

// restore loads an unexpired credential from the token file.
func (c *Credentials) restore() {
	if c.file == "" {
		return
	}
	b, err := os.ReadFile(c.file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("read token file", zap.String("file", c.file), zap.Error(err))
		}
		return
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		c.log.Warn("bad token file", zap.String("file", c.file), zap.Error(err))
		return
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return
	}
	c.mu.Lock()
	c.current = &remote.Credential{
		UID:         tf.UID,
		Email:       tf.Email,
		DisplayName: tf.DisplayName,
		AccessToken: tf.AccessToken,
		ExpiresAt:   tf.ExpiresAt,
	}
	c.mu.Unlock()
}

func (c *Credentials) saveLocked() {
	if c.file == "" {
		return
	}
	if err := writeTokenFile(c.file, c.current); err != nil {
		c.log.Warn("write token file", zap.String("file", c.file), zap.Error(err))
	}
}

func writeTokenFile(path string, cred *remote.Credential) error {
	if cred == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(tokenFile{
		UID:         cred.UID,
		Email:       cred.Email,
		DisplayName: cred.DisplayName,
		AccessToken: cred.AccessToken,
		ExpiresAt:   cred.ExpiresAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}

func copyCred(c *remote.Credential) *remote.Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (l *authListener) fire(c *remote.Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.cb(c)
}

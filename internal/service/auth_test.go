package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/limiter"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

type fakeAccounts struct {
	byEmail map[string]*model.Account

	createErr error
	getErr    error
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func (f *fakeAccounts) Create(_ context.Context, a *model.Account) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.byEmail == nil {
		f.byEmail = map[string]*model.Account{}
	}
	if _, exists := f.byEmail[a.Email]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *a
	f.byEmail[a.Email] = &cpy
	return nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	for _, a := range f.byEmail {
		if a.ID == id {
			c := *a
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byEmail[email]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeAccounts) SetDisplayName(_ context.Context, id uuid.UUID, name string) error {
	for _, a := range f.byEmail {
		if a.ID == id {
			a.DisplayName = name
			return nil
		}
	}
	return errs.ErrNotFound
}

func (f *fakeAccounts) SetPassword(_ context.Context, id uuid.UUID, hash, salt []byte) error {
	for _, a := range f.byEmail {
		if a.ID == id {
			a.PwdHash, a.SaltAuth = hash, salt
			return nil
		}
	}
	return errs.ErrNotFound
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

func TestAuth_CreateAccount_Basics(t *testing.T) {
	t.Parallel()
	accounts := &fakeAccounts{}
	s := NewAuthService(accounts, []byte("k"), time.Minute, &fakeLimiter{}, zaptest.NewLogger(t))
	ctx := context.Background()

	if _, _, err := s.CreateAccount(ctx, "not-an-email", "secret1"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("want ErrInvalidEmail, got %v", err)
	}
	if _, _, err := s.CreateAccount(ctx, "a@example.com", "123"); !errors.Is(err, pkgcrypto.ErrWeakPassword) {
		t.Fatalf("want ErrWeakPassword, got %v", err)
	}

	acc, tok, err := s.CreateAccount(ctx, "  Alice@Example.com ", "secret1")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.ID == uuid.Nil || acc.Email != "alice@example.com" {
		t.Fatalf("bad account: %+v", acc)
	}
	if tok.AccessToken == "" || !tok.ExpiresAt.After(time.Now()) {
		t.Fatalf("bad token: %+v", tok)
	}
	stored := accounts.byEmail["alice@example.com"]
	if stored == nil || !pkgcrypto.VerifyPassword([]byte("secret1"), stored.SaltAuth, stored.PwdHash) {
		t.Fatalf("password hash not stored: %+v", stored)
	}

	if _, _, err := s.CreateAccount(ctx, "alice@example.com", "secret2"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists on duplicate email, got %v", err)
	}

	accounts.createErr = errors.New("boom")
	if _, _, err := s.CreateAccount(ctx, "bob@example.com", "secret1"); err == nil {
		t.Fatalf("want propagated repo error")
	}
}

func TestAuth_VerifyCredential_RateLimiterAndCreds(t *testing.T) {
	t.Parallel()

	hash, salt, err := pkgcrypto.NewPasswordHash("correct")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := &model.Account{
		ID:       uuid.Must(uuid.NewV4()),
		Email:    "alice@example.com",
		SaltAuth: salt,
		PwdHash:  hash,
	}

	accounts := &fakeAccounts{byEmail: map[string]*model.Account{a.Email: a}}
	lim := &fakeLimiter{allowOK: true}
	s := NewAuthService(accounts, []byte("secret"), 2*time.Minute, lim, zaptest.NewLogger(t))
	ctx := context.Background()

	lim.allowErr = errors.New("lim-err")
	if _, _, err := s.VerifyCredential(ctx, a.Email, "correct", "1.2.3.4"); err == nil {
		t.Fatalf("want limiter error propagate")
	}
	lim.allowErr = nil

	lim.allowOK = false
	if _, _, err := s.VerifyCredential(ctx, a.Email, "correct", "1.2.3.4"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	lim.allowOK = true

	if _, _, err := s.VerifyCredential(ctx, "nope@example.com", "x", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on missing account, got %v", err)
	}

	accounts.getErr = errors.New("db down")
	if _, _, err := s.VerifyCredential(ctx, a.Email, "correct", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on lookup failure, got %v", err)
	}
	accounts.getErr = nil

	lim.failBlocked = true
	if _, _, err := s.VerifyCredential(ctx, a.Email, "wrong", ""); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited on blocked after failure, got %v", err)
	}

	lim.failBlocked = false
	if _, _, err := s.VerifyCredential(ctx, a.Email, "wrong", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on wrong password, got %v", err)
	}

	got, tok, err := s.VerifyCredential(ctx, " ALICE@example.com", "correct", "127.0.0.1:123")
	if err != nil {
		t.Fatalf("VerifyCredential success: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("bad account returned: %+v", got)
	}
	if tok.AccessToken == "" || tok.ExpiresAt.Before(time.Now()) {
		t.Fatalf("bad token: %+v", tok)
	}
	if lim.successCalls == 0 {
		t.Fatalf("expected Success() to be called")
	}
	if lim.failureCalls != 4 {
		t.Fatalf("failureCalls=%d, want 4", lim.failureCalls)
	}
}

func TestAuth_issueAccessToken_Claims(t *testing.T) {
	t.Parallel()

	s := NewAuthService(&fakeAccounts{}, []byte("k"), time.Minute, &fakeLimiter{allowOK: true}, nil)
	id := uuid.Must(uuid.NewV4())

	tok, err := s.issueAccessToken(id)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok.AccessToken, &claims, func(*jwt.Token) (any, error) {
		return []byte("k"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Subject != id.String() {
		t.Fatalf("sub=%q, want %q", claims.Subject, id)
	}
	if d := time.Until(tok.ExpiresAt); d <= 0 || d > time.Minute {
		t.Fatalf("unexpected expiry in %v", d)
	}
}

func TestParseAccessToken(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	id := uuid.Must(uuid.NewV4())
	now := time.Now()
	sign := func(sub string, k []byte, m jwt.SigningMethod, start time.Time, ttl time.Duration) string {
		tok, err := jwt.NewWithClaims(m, jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(start),
			NotBefore: jwt.NewNumericDate(start),
			ExpiresAt: jwt.NewNumericDate(start.Add(ttl)),
		}).SignedString(k)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}

	s := NewAuthService(&fakeAccounts{}, key, time.Hour, &fakeLimiter{allowOK: true}, nil)
	issued, err := s.issueAccessToken(id)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ok := map[string]string{
		"issued":           issued.AccessToken,
		"skew within 30s":  sign(id.String(), key, jwt.SigningMethodHS256, now.Add(10*time.Second), time.Hour),
		"expired just now": sign(id.String(), key, jwt.SigningMethodHS256, now.Add(-time.Hour), time.Hour-10*time.Second),
	}
	for name, tok := range ok {
		got, err := ParseAccessToken(key, tok)
		if err != nil || got != id {
			t.Fatalf("%s: got %s, %v", name, got, err)
		}
	}

	bad := map[string]string{
		"expired":       sign(id.String(), key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour),
		"not yet valid": sign(id.String(), key, jwt.SigningMethodHS256, now.Add(10*time.Minute), time.Hour),
		"bad subject":   sign("not-a-uuid", key, jwt.SigningMethodHS256, now, time.Hour),
		"wrong alg":     sign(id.String(), key, jwt.SigningMethodHS384, now, time.Hour),
		"wrong key":     sign(id.String(), []byte("other"), jwt.SigningMethodHS256, now, time.Hour),
		"garbage":       "this-is-not-a-jwt",
	}
	for name, tok := range bad {
		if _, err := ParseAccessToken(key, tok); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestAuth_SetDisplayName_And_Account(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	accounts := &fakeAccounts{byEmail: map[string]*model.Account{
		"u@example.com": {ID: id, Email: "u@example.com"},
	}}
	s := NewAuthService(accounts, []byte("k"), time.Minute, &fakeLimiter{allowOK: true}, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := s.SetDisplayName(ctx, uuid.Nil, "x"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want ErrValidation on nil id, got %v", err)
	}
	if err := s.SetDisplayName(ctx, id, "  Ulla  "); err != nil {
		t.Fatalf("SetDisplayName: %v", err)
	}
	a, err := s.Account(ctx, id)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if a.DisplayName != "Ulla" {
		t.Fatalf("name=%q", a.DisplayName)
	}
	if err := s.SetDisplayName(ctx, uuid.Must(uuid.NewV4()), "x"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Account(ctx, uuid.Must(uuid.NewV4())); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAuth_ChangePassword(t *testing.T) {
	t.Parallel()

	hash, salt, err := pkgcrypto.NewPasswordHash("old-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	a := &model.Account{ID: uuid.Must(uuid.NewV4()), Email: "u@example.com", PwdHash: hash, SaltAuth: salt}
	accounts := &fakeAccounts{byEmail: map[string]*model.Account{a.Email: a}}
	lim := &fakeLimiter{allowOK: true}
	s := NewAuthService(accounts, []byte("k"), time.Minute, lim, zaptest.NewLogger(t))
	ctx := context.Background()

	if err := s.ChangePassword(ctx, uuid.Must(uuid.NewV4()), "old-secret", "new-secret", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown account, got %v", err)
	}

	lim.allowOK = false
	if err := s.ChangePassword(ctx, a.ID, "old-secret", "new-secret", ""); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	lim.allowOK = true

	if err := s.ChangePassword(ctx, a.ID, "wrong", "new-secret", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on wrong old password, got %v", err)
	}
	if lim.failureCalls != 1 {
		t.Fatalf("failureCalls=%d, want 1", lim.failureCalls)
	}
	if err := s.ChangePassword(ctx, a.ID, "old-secret", "123", ""); !errors.Is(err, pkgcrypto.ErrWeakPassword) {
		t.Fatalf("want ErrWeakPassword, got %v", err)
	}

	if err := s.ChangePassword(ctx, a.ID, "old-secret", "new-secret", "10.0.0.1:1"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	stored := accounts.byEmail[a.Email]
	if !pkgcrypto.VerifyPassword([]byte("new-secret"), stored.SaltAuth, stored.PwdHash) {
		t.Fatalf("new password not stored")
	}
	if _, _, err := s.VerifyCredential(ctx, a.Email, "old-secret", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, _, err := s.VerifyCredential(ctx, a.Email, "new-secret", ""); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func Test_normalizeEmail(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"a@b.co":          "a@b.co",
		"  Mixed@Case.IO": "mixed@case.io",
	} {
		got, err := normalizeEmail(in)
		if err != nil || got != want {
			t.Fatalf("normalizeEmail(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "plain", "Name <a@b.co>", "a@b.co, c@d.co"} {
		if _, err := normalizeEmail(in); !errors.Is(err, ErrInvalidEmail) || !strings.Contains(err.Error(), "invalid email") {
			t.Fatalf("normalizeEmail(%q): want ErrInvalidEmail, got %v", in, err)
		}
	}
}

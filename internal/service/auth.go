// Package service contains the backend's application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/limiter"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// ErrInvalidEmail is returned for malformed email addresses.
var ErrInvalidEmail = errors.New("invalid email")

// AuthService creates and verifies credentials.
type AuthService interface {
	// CreateAccount stores a new credential and signs it in.
	CreateAccount(ctx context.Context, email, password string) (model.Account, model.Tokens, error)
	// VerifyCredential applies rate limiting by (email, ip) and issues a token.
	VerifyCredential(ctx context.Context, email, password, ip string) (model.Account, model.Tokens, error)
	// ChangePassword re-verifies the current password, rate limited like
	// VerifyCredential, and stores a hash of the new one.
	ChangePassword(ctx context.Context, id uuid.UUID, oldPassword, newPassword, ip string) error
	// SetDisplayName renames the account.
	SetDisplayName(ctx context.Context, id uuid.UUID, name string) error
	// Account loads an account by id.
	Account(ctx context.Context, id uuid.UUID) (model.Account, error)
}

type AuthServiceImpl struct {
	accounts  repository.AccountRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	log       *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(accounts repository.AccountRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{accounts: accounts, signKey: signKey, accessTTL: accessTTL, lim: lim, log: log.Named("auth")}
}

// CreateAccount validates input, hashes the password and inserts the account.
func (s *AuthServiceImpl) CreateAccount(ctx context.Context, email, password string) (model.Account, model.Tokens, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	hash, salt, err := pkgcrypto.NewPasswordHash(password)
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	a := model.Account{
		ID:        id,
		Email:     email,
		PwdHash:   hash,
		SaltAuth:  salt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, &a); err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	tok, err := s.issueAccessToken(a.ID)
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	s.log.Info("account created", zap.String("uid", a.ID.String()))
	return a, tok, nil
}

// VerifyCredential authenticates with rate limiting by (email, ip).
func (s *AuthServiceImpl) VerifyCredential(ctx context.Context, email, password, ip string) (model.Account, model.Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, email, ipHash)
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	if !allowed {
		return model.Account{}, model.Tokens{}, errs.ErrRateLimited
	}

	a, err := s.accounts.GetByEmail(ctx, email)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), a.SaltAuth, a.PwdHash) {
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("account lookup failed", zap.Error(err))
		}
		if blocked, _, ferr := s.lim.Failure(ctx, email, ipHash); ferr == nil && blocked {
			return model.Account{}, model.Tokens{}, errs.ErrRateLimited
		}
		// unknown email and wrong password look the same
		return model.Account{}, model.Tokens{}, errs.ErrUnauthorized
	}

	if err := s.lim.Success(ctx, email, ipHash); err != nil {
		s.log.Warn("limiter reset failed", zap.Error(err))
	}
	tok, err := s.issueAccessToken(a.ID)
	if err != nil {
		return model.Account{}, model.Tokens{}, err
	}
	return *a, tok, nil
}

// ChangePassword replaces the password of account id after checking the old one.
func (s *AuthServiceImpl) ChangePassword(ctx context.Context, id uuid.UUID, oldPassword, newPassword, ip string) error {
	a, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ipHash := limiter.HashIP(ip)
	allowed, _, err := s.lim.Allow(ctx, a.Email, ipHash)
	if err != nil {
		return err
	}
	if !allowed {
		return errs.ErrRateLimited
	}
	if !pkgcrypto.VerifyPassword([]byte(oldPassword), a.SaltAuth, a.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, a.Email, ipHash); ferr == nil && blocked {
			return errs.ErrRateLimited
		}
		return errs.ErrUnauthorized
	}
	if err := s.lim.Success(ctx, a.Email, ipHash); err != nil {
		s.log.Warn("limiter reset failed", zap.Error(err))
	}

	hash, salt, err := pkgcrypto.NewPasswordHash(newPassword)
	if err != nil {
		return err
	}
	if err := s.accounts.SetPassword(ctx, id, hash, salt); err != nil {
		return err
	}
	s.log.Info("password changed", zap.String("uid", id.String()))
	return nil
}

// SetDisplayName trims and stores name.
func (s *AuthServiceImpl) SetDisplayName(ctx context.Context, id uuid.UUID, name string) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: empty account id", errs.ErrValidation)
	}
	return s.accounts.SetDisplayName(ctx, id, strings.TrimSpace(name))
}

// Account loads an account.
func (s *AuthServiceImpl) Account(ctx context.Context, id uuid.UUID) (model.Account, error) {
	a, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return model.Account{}, err
	}
	return *a, nil
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(id uuid.UUID) (model.Tokens, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("sign token: %w", err)
	}
	return model.Tokens{AccessToken: signed, ExpiresAt: exp}, nil
}

// tokenLeeway is the accepted clock skew on exp and nbf.
const tokenLeeway = 30 * time.Second

// ParseAccessToken verifies a token issued by AuthServiceImpl and returns its
// subject. Every failure wraps errs.ErrUnauthorized.
func ParseAccessToken(signKey []byte, token string) (uuid.UUID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject %q", errs.ErrUnauthorized, claims.Subject)
	}
	return id, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return email, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionIssuer = "orgdash"
	defaultSessionTTL    = 30 * 24 * time.Hour
)

// Claims is the signed session token payload.
type Claims struct {
	Role               Role   `json:"role,omitempty"`
	IsOAuth            bool   `json:"isOAuth"`
	IsTwoFactorEnabled bool   `json:"isTwoFactorEnabled"`
	Name               string `json:"name,omitempty"`
	Email              string `json:"email,omitempty"`
	HasPasswordChanged bool   `json:"hasPasswordChanged,omitempty"`
	// IssuedAtMillis is iat in Unix milliseconds. NumericDate decodes through a
	// float64 and cannot carry it exactly.
	IssuedAtMillis     int64  `json:"iatMs,omitempty"`
	jwt.RegisteredClaims
}

// SessionUser is the identity exposed to request handlers.
type SessionUser struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Email              string `json:"email"`
	Role               Role   `json:"role"`
	IsOAuth            bool   `json:"isOAuth"`
	IsTwoFactorEnabled bool   `json:"isTwoFactorEnabled"`
	HasPasswordChanged bool   `json:"hasPasswordChanged"`
}

// Session is the materialized view of a session token.
type Session struct {
	User    SessionUser `json:"user"`
	Expires time.Time   `json:"expires"`
}

// Sessions mints, refreshes and verifies HS256 session tokens.
type Sessions struct {
	store  Store
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption configures Sessions.
type SessionOption func(*Sessions)

// WithSessionIssuer overrides the iss claim.
func WithSessionIssuer(issuer string) SessionOption {
	return func(s *Sessions) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithSessionTTL sets the token lifetime.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(s *Sessions) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSessions builds a session manager signing with secret.
func NewSessions(store Store, secret string, opts ...SessionOption) (*Sessions, error) {
	if store == nil {
		return nil, errors.New("auth: session store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: session secret is required")
	}
	s := &Sessions{
		store:  store,
		secret: []byte(secret),
		issuer: defaultSessionIssuer,
		ttl:    defaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL reports the configured token lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Mint creates claims for a freshly signed-in user and enriches them from the store.
func (s *Sessions) Mint(ctx context.Context, user *User) (*Claims, error) {
	if user == nil || user.ID == "" {
		return nil, errors.New("auth: user is required")
	}
	now := s.now().UTC()
	claims := &Claims{
		IssuedAtMillis: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return s.Refresh(ctx, claims)
}

// Refresh re-reads the subject and copies its current profile onto claims.
// Claims without a subject, or whose user no longer exists, pass through unchanged.
// HasPasswordChanged is set when the token predates the last password change and is
// never cleared.
func (s *Sessions) Refresh(ctx context.Context, claims *Claims) (*Claims, error) {
	if claims == nil || claims.Subject == "" {
		return claims, nil
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return claims, nil
		}
		return claims, err
	}

	if passwordChangedSince(claims, user) {
		claims.HasPasswordChanged = true
	}

	isOAuth := false
	if _, err := s.store.Accounts(ctx).FindByUserID(ctx, user.ID); err == nil {
		isOAuth = true
	} else if !errors.Is(err, ErrNotFound) {
		return claims, err
	}

	claims.IsOAuth = isOAuth
	claims.Name = user.Name
	claims.Email = user.Email
	claims.Role = user.Role
	claims.IsTwoFactorEnabled = user.IsTwoFactorEnabled
	return claims, nil
}

func passwordChangedSince(claims *Claims, user *User) bool {
	if user.PasswordChangedAt == nil {
		return false
	}
	iat := claims.IssuedAtMillis
	if iat == 0 {
		if claims.IssuedAt == nil {
			return false
		}
		iat = claims.IssuedAt.Unix() * 1000
	}
	return iat < user.PasswordChangedAt.UnixMilli()
}

// Sign encodes claims as a compact JWS.
func (s *Sessions) Sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature, issuer and lifetime of raw.
func (s *Sessions) Parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Materialize projects claims onto the outward session object.
func (s *Sessions) Materialize(claims *Claims) *Session {
	sess := &Session{
		User: SessionUser{
			ID:                 claims.Subject,
			Name:               claims.Name,
			Email:              claims.Email,
			Role:               claims.Role,
			IsOAuth:            claims.IsOAuth,
			IsTwoFactorEnabled: claims.IsTwoFactorEnabled,
			HasPasswordChanged: claims.HasPasswordChanged,
		},
	}
	if claims.ExpiresAt != nil {
		sess.Expires = claims.ExpiresAt.Time
	}
	return sess
}

// Resolve parses raw, refreshes its claims and re-signs them. The returned token
// replaces raw in the client's cookie.
func (s *Sessions) Resolve(ctx context.Context, raw string) (*Session, string, error) {
	claims, err := s.Parse(raw)
	if err != nil {
		return nil, "", err
	}
	claims, err = s.Refresh(ctx, claims)
	if err != nil {
		return nil, "", err
	}
	signed, err := s.Sign(claims)
	if err != nil {
		return nil, "", err
	}
	return s.Materialize(claims), signed, nil
}

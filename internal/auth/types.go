package auth

import "time"

// Role is the coarse authorization level carried in session claims.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is the persisted identity record.
type User struct {
	ID                 string
	Email              string
	PasswordHash       *string // nil for accounts that only sign in through a provider
	Name               string
	Role               Role
	EmailVerified      *time.Time
	IsTwoFactorEnabled bool
	PasswordChangedAt  *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasPassword reports whether the user can authenticate with credentials.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}

// UserUpdate lists mutable user fields; nil pointers are left unchanged.
type UserUpdate struct {
	Email              *string
	Name               *string
	PasswordHash       *string
	EmailVerified      *time.Time
	IsTwoFactorEnabled *bool
	PasswordChangedAt  *time.Time
}

// LinkedAccount ties a user to an external identity provider.
type LinkedAccount struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}

// TokenKind distinguishes the short-lived token families.
type TokenKind string

const (
	KindVerification  TokenKind = "verification"
	KindPasswordReset TokenKind = "password_reset"
	KindTwoFactor     TokenKind = "two_factor"
)

const (
	verificationTTL  = time.Hour
	passwordResetTTL = time.Hour
	twoFactorTTL     = 5 * time.Minute
)

// UniqueValue reports whether token values of this kind are unique across emails.
// 2FA codes are short and only ever looked up by email.
func (k TokenKind) UniqueValue() bool { return k != KindTwoFactor }

// TTL returns how long a freshly issued token of this kind stays valid.
func (k TokenKind) TTL() time.Duration {
	switch k {
	case KindVerification:
		return verificationTTL
	case KindPasswordReset:
		return passwordResetTTL
	case KindTwoFactor:
		return twoFactorTTL
	default:
		return 0
	}
}

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	return k.TTL() > 0
}

// Token is a single-use value bound to an email address.
type Token struct {
	ID      string
	Email   string
	Token   string
	Expires time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return t.Expires.Before(now)
}

// TwoFactorConfirmation marks a satisfied 2FA challenge for the next sign-in.
type TwoFactorConfirmation struct {
	ID     string
	UserID string
}

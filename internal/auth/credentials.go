package auth

import (
	"context"
	"errors"
	"strings"
)

// Validator checks credentials against stored password hashes.
type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidateLogin returns the user owning email when password matches its hash.
// Unknown emails, provider-only accounts and wrong passwords all yield ErrInvalidCredentials.
func (v *Validator) ValidateLogin(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := v.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.HasPassword() {
		return nil, ErrInvalidCredentials
	}
	if err := CheckPassword(*user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ValidateNewPassword rejects a candidate equal to the user's current password.
func (v *Validator) ValidateNewPassword(user *User, candidate string) error {
	if !user.HasPassword() {
		return nil
	}
	if CheckPassword(*user.PasswordHash, candidate) == nil {
		return ErrSamePassword
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

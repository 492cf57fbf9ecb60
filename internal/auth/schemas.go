package auth

import (
	"net/mail"
	"strings"
)

const minPasswordLength = 6

// LoginInput is the credential sign-in form. Code is the optional 2FA code.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code,omitempty"`
}

func (in *LoginInput) Validate() error {
	var verr ValidationError
	in.Email = normalizeEmail(in.Email)
	in.Code = strings.TrimSpace(in.Code)
	if !validEmail(in.Email) {
		verr.add("email", "Email is required")
	}
	if in.Password == "" {
		verr.add("password", "Password is required")
	}
	return verr.orNil()
}

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Name            string `json:"name"`
}

func (in *RegisterInput) Validate() error {
	var verr ValidationError
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if !validEmail(in.Email) {
		verr.add("email", "Email is required")
	}
	if len(in.Password) < minPasswordLength {
		verr.add("password", "Minimum 6 characters required")
	}
	// An omitted confirmation is accepted for API clients that do not echo the password.
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		verr.add("confirmPassword", "Passwords do not match")
	}
	if in.Name == "" {
		verr.add("name", "Name is required")
	}
	return verr.orNil()
}

// InitiateResetInput starts a password reset.
type InitiateResetInput struct {
	Email string `json:"email"`
}

func (in *InitiateResetInput) Validate() error {
	var verr ValidationError
	in.Email = normalizeEmail(in.Email)
	if !validEmail(in.Email) {
		verr.add("email", "Email is required")
	}
	return verr.orNil()
}

// CompleteResetInput finishes a password reset.
type CompleteResetInput struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (in *CompleteResetInput) Validate() error {
	var verr ValidationError
	in.Token = strings.TrimSpace(in.Token)
	if len(in.Password) < minPasswordLength {
		verr.add("password", "Minimum 6 characters required")
	}
	if len(in.ConfirmPassword) < minPasswordLength {
		verr.add("confirmPassword", "Minimum 6 characters required")
	} else if in.ConfirmPassword != in.Password {
		verr.add("confirmPassword", "Passwords do not match")
	}
	return verr.orNil()
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// ParseAddress accepts display-name forms; only a bare address is allowed here.
	return addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@"):], ".")
}

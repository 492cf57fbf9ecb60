package auth

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrAlreadyExists    = errors.New("auth: already exists")
	ErrStoreUnavailable = errors.New("auth: store unavailable")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenNotFound      = errors.New("auth: token not found")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMismatch      = errors.New("auth: token mismatch")
	ErrSamePassword       = errors.New("auth: new password equals current password")
	ErrEmailInUse         = errors.New("auth: email already in use")
	ErrGeneric            = errors.New("auth: unexpected failure")

	// ErrInvalidToken indicates a session token failed signature or claim validation.
	ErrInvalidToken = errors.New("auth: invalid session token")
)

// ValidationError reports schema-level input problems keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "auth: invalid input"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "auth: invalid input (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

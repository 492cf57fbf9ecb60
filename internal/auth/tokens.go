package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"orgdash.app/internal/obs"
)

const (
	twoFactorCodeMin = 100000
	twoFactorCodeMax = 999999

	maxIssueAttempts = 3
)

// Issuer creates, finds and consumes short-lived tokens.
type Issuer struct {
	tokens TokenRepository
	now    func() time.Time
	random io.Reader
}

// NewIssuer returns an Issuer over the given repository. A nil clock means time.Now.
func NewIssuer(tokens TokenRepository, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{tokens: tokens, now: now, random: rand.Reader}
}

// Issue creates a fresh token of kind for email, replacing any token the email held.
func (i *Issuer) Issue(ctx context.Context, kind TokenKind, email string) (*Token, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("auth: unknown token kind %q", kind)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("auth: email is required")
	}

	store := i.tokens.Tokens(ctx, kind)
	var err error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		var value string
		value, err = i.newValue(kind)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		tok := &Token{
			Email:   email,
			Token:   value,
			Expires: i.now().Add(kind.TTL()),
		}
		// A value already held by another email is regenerated.
		if err = store.Rotate(ctx, tok); errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		obs.RecordTokenIssued(string(kind))
		return tok, nil
	}
	return nil, err
}

func (i *Issuer) newValue(kind TokenKind) (string, error) {
	if kind == KindTwoFactor {
		return GenerateTwoFactorCode(i.random)
	}
	id, err := uuid.NewRandomFromReader(i.random)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Lookup finds a token by its value. Expiry is left to the caller.
func (i *Issuer) Lookup(ctx context.Context, kind TokenKind, value string) (*Token, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrTokenNotFound
	}
	tok, err := i.tokens.Tokens(ctx, kind).FindByToken(ctx, value)
	return tok, tokenErr(err)
}

// LookupByEmail finds the live token held by email, if any.
func (i *Issuer) LookupByEmail(ctx context.Context, kind TokenKind, email string) (*Token, error) {
	tok, err := i.tokens.Tokens(ctx, kind).FindByEmail(ctx, strings.TrimSpace(email))
	return tok, tokenErr(err)
}

// Consume deletes tok. A token already consumed elsewhere reports ErrTokenNotFound.
func (i *Issuer) Consume(ctx context.Context, kind TokenKind, tok *Token) error {
	return tokenErr(i.tokens.Tokens(ctx, kind).Delete(ctx, tok.ID))
}

func tokenErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}

// GenerateTwoFactorCode returns a uniformly distributed six digit code.
func GenerateTwoFactorCode(random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	n, err := rand.Int(random, big.NewInt(twoFactorCodeMax-twoFactorCodeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+twoFactorCodeMin), nil
}

package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ProviderCredentials names email/password sign-in.
const ProviderCredentials = "credentials"

// SignInFailure classifies why a sign-in did not complete.
type SignInFailure string

const (
	SignInFailureNone         SignInFailure = ""
	SignInFailureCredentials  SignInFailure = "CredentialsSignin"
	SignInFailureAccessDenied SignInFailure = "AccessDenied"
	SignInFailureInternal     SignInFailure = "Internal"
)

// SignInResult is the outcome of the session issuance step. A completed
// sign-in carries the signed token and the redirect target.
type SignInResult struct {
	Completed  bool
	Failure    SignInFailure
	Token      string
	Session    *Session
	RedirectTo string
	Err        error
}

// AuthorizeSignIn is the gate run before a session is created. Provider sign-ins
// always pass. Credential sign-ins require a verified email and, for 2FA users,
// a confirmation which is consumed here.
func (s *Service) AuthorizeSignIn(ctx context.Context, provider, userID string) (bool, error) {
	if provider != ProviderCredentials {
		return true, nil
	}
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if user.EmailVerified == nil {
		return false, nil
	}
	if !user.IsTwoFactorEnabled {
		return true, nil
	}

	confirmations := s.store.Confirmations(ctx)
	confirmation, err := confirmations.FindByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := confirmations.Delete(ctx, confirmation.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// consumed by a concurrent sign-in
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SignIn issues a session for user after the pre-session gate allows it.
func (s *Service) SignIn(ctx context.Context, provider string, user *User, redirectTo string) SignInResult {
	if user == nil {
		return SignInResult{Failure: SignInFailureCredentials}
	}
	allowed, err := s.AuthorizeSignIn(ctx, provider, user.ID)
	if err != nil {
		return SignInResult{Failure: SignInFailureInternal, Err: err}
	}
	if !allowed {
		return SignInResult{Failure: SignInFailureAccessDenied}
	}

	claims, err := s.sessions.Mint(ctx, user)
	if err != nil {
		return SignInResult{Failure: SignInFailureInternal, Err: err}
	}
	token, err := s.sessions.Sign(claims)
	if err != nil {
		return SignInResult{Failure: SignInFailureInternal, Err: err}
	}

	redirectTo = strings.TrimSpace(redirectTo)
	if !safeRedirect(redirectTo) {
		redirectTo = s.defaultRedirect
	}
	return SignInResult{
		Completed:  true,
		Token:      token,
		Session:    s.sessions.Materialize(claims),
		RedirectTo: redirectTo,
	}
}

// LinkAccount records a provider identity for userID. A provider vouches for the
// address, so the user's email is marked verified.
func (s *Service) LinkAccount(ctx context.Context, userID, provider, providerAccountID string) error {
	provider = strings.TrimSpace(provider)
	providerAccountID = strings.TrimSpace(providerAccountID)
	if userID == "" || provider == "" || providerAccountID == "" {
		return errors.New("auth: user, provider and provider account are required")
	}
	if provider == ProviderCredentials {
		return errors.New("auth: credentials is not a linkable provider")
	}
	if _, err := s.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}
	err := s.store.Accounts(ctx).Create(ctx, &LinkedAccount{
		UserID:            userID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
	})
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	now := s.now().UTC()
	if err := s.store.Users(ctx).Update(ctx, userID, UserUpdate{EmailVerified: &now}); err != nil {
		return err
	}
	s.log.Info("account linked",
		zap.String("user_id", userID),
		zap.String("provider", provider),
	)
	return nil
}

// safeRedirect accepts only same-origin absolute paths.
func safeRedirect(target string) bool {
	if target == "" || !strings.HasPrefix(target, "/") {
		return false
	}
	return !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\")
}

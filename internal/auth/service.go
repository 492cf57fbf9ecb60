package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orgdash.app/internal/obs"
)

const defaultRedirectPath = "/organisations"

// User-visible flow messages.
const (
	MsgInvalidFields      = "Invalid fields!"
	MsgInvalidEmail       = "Invalid email!"
	MsgInvalidCredentials = "Invalid credentials!"
	MsgConfirmationSent   = "Confirmation email sent!"
	MsgVerificationSent   = "Verification email sent!"
	MsgInvalidCode        = "Invalid code!"
	MsgCodeExpired        = "Code has expired!"
	MsgEmailInUse         = "Email already in use!"
	MsgTokenMissing       = "Token does not exist!"
	MsgTokenExpired       = "Token has expired!"
	MsgEmailMissing       = "Email does not exist!"
	MsgEmailVerified      = "Email verified!"
	MsgResetSent          = "Reset email sent!"
	MsgInvalidToken       = "Invalid token!"
	MsgSamePassword       = "You cannot use the same password. Please choose a new one."
	MsgPasswordUpdated    = "Password updated!"
	MsgGeneric            = "Something went wrong!"
)

// Notifier delivers the messages produced by the flows. Implementations should
// not block on slow transports.
type Notifier interface {
	SendVerification(ctx context.Context, email, token string) error
	SendPasswordReset(ctx context.Context, email, token string) error
	SendPasswordChanged(ctx context.Context, email string) error
	SendTwoFactorCode(ctx context.Context, email, code string) error
}

// ResultKind tags a flow outcome.
type ResultKind string

const (
	ResultError     ResultKind = "error"
	ResultSuccess   ResultKind = "success"
	ResultTwoFactor ResultKind = "twoFactor"
)

// Result is what every flow returns. Err holds the taxonomy error behind an
// error result; Fields is set for schema failures.
type Result struct {
	Kind    ResultKind
	Message string
	Err     error
	Fields  map[string]string

	// Set by a completed login.
	Token      string
	Session    *Session
	RedirectTo string
}

// OK reports whether the result is not an error.
func (r Result) OK() bool { return r.Kind != ResultError }

func success(msg string) Result { return Result{Kind: ResultSuccess, Message: msg} }

func failure(err error, msg string) Result {
	res := Result{Kind: ResultError, Message: msg, Err: err}
	var verr *ValidationError
	if errors.As(err, &verr) {
		res.Fields = verr.Fields
	}
	return res
}

// Service runs the authentication flows.
type Service struct {
	store           Store
	sessions        *Sessions
	validator       *Validator
	issuer          *Issuer
	tokens          TokenRepository
	notifier        Notifier
	defaultRedirect string
	log             *zap.Logger
	now             func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithTokens moves token storage to a repository other than the record store.
func WithTokens(repo TokenRepository) ServiceOption {
	return func(s *Service) error {
		if repo == nil {
			return errors.New("auth: token repository is nil")
		}
		s.tokens = repo
		return nil
	}
}

// WithNotifier sets the message sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		s.notifier = n
		return nil
	}
}

// WithDefaultRedirect sets the landing path used after sign-in.
func WithDefaultRedirect(path string) ServiceOption {
	return func(s *Service) error {
		path = strings.TrimSpace(path)
		if !safeRedirect(path) {
			return fmt.Errorf("auth: invalid default redirect %q", path)
		}
		s.defaultRedirect = path
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, sessions *Sessions, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if sessions == nil {
		return nil, errors.New("auth: sessions are required")
	}
	svc := &Service{
		store:           store,
		sessions:        sessions,
		tokens:          store,
		defaultRedirect: defaultRedirectPath,
		now:             time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.log == nil {
		svc.log = obs.Logger().Named("auth")
	}
	if svc.notifier == nil {
		svc.notifier = discardNotifier{}
	}
	svc.validator = NewValidator(store)
	svc.issuer = NewIssuer(svc.tokens, svc.now)
	return svc, nil
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *Sessions { return s.sessions }

// DefaultRedirect is the landing path after sign-in.
func (s *Service) DefaultRedirect() string { return s.defaultRedirect }

// Register creates an unverified user and sends a verification link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (res Result) {
	defer s.record("register", &res)

	if err := in.Validate(); err != nil {
		return failure(err, MsgInvalidFields)
	}
	users := s.store.Users(ctx)
	if _, err := users.FindByEmail(ctx, in.Email); err == nil {
		return failure(ErrEmailInUse, MsgEmailInUse)
	} else if !errors.Is(err, ErrNotFound) {
		return s.internal("register: find user", err)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return s.internal("register: hash password", err)
	}
	user := &User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: &hash,
		Role:         RoleUser,
	}
	if err := users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return failure(ErrEmailInUse, MsgEmailInUse)
		}
		return s.internal("register: create user", err)
	}

	// The user row stays even if the link cannot be issued; a later login resends it.
	tok, err := s.issuer.Issue(ctx, KindVerification, user.Email)
	if err != nil {
		return s.internal("register: issue verification token", err)
	}
	s.notify(ctx, "verification", user.Email, func(ctx context.Context) error {
		return s.notifier.SendVerification(ctx, tok.Email, tok.Token)
	})
	return success(MsgConfirmationSent)
}

// Login runs credentials, email verification and two-factor checks, in that
// order, before issuing a session.
func (s *Service) Login(ctx context.Context, in LoginInput, callbackURL string) (res Result) {
	defer s.record("login", &res)

	if err := in.Validate(); err != nil {
		return failure(err, MsgInvalidFields)
	}

	user, err := s.validator.ValidateLogin(ctx, in.Email, in.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return failure(err, MsgInvalidCredentials)
		}
		return s.internal("login: validate credentials", err)
	}

	if user.EmailVerified == nil {
		tok, err := s.issuer.Issue(ctx, KindVerification, user.Email)
		if err != nil {
			return s.internal("login: issue verification token", err)
		}
		s.notify(ctx, "verification", user.Email, func(ctx context.Context) error {
			return s.notifier.SendVerification(ctx, tok.Email, tok.Token)
		})
		return success(MsgVerificationSent)
	}

	if user.IsTwoFactorEnabled {
		if in.Code == "" {
			tok, err := s.issuer.Issue(ctx, KindTwoFactor, user.Email)
			if err != nil {
				return s.internal("login: issue two factor code", err)
			}
			s.notify(ctx, "two_factor", user.Email, func(ctx context.Context) error {
				return s.notifier.SendTwoFactorCode(ctx, tok.Email, tok.Token)
			})
			return Result{Kind: ResultTwoFactor}
		}
		if res, ok := s.confirmTwoFactor(ctx, user, in.Code); !ok {
			return res
		}
	}

	signIn := s.SignIn(ctx, ProviderCredentials, user, callbackURL)
	if !signIn.Completed {
		switch signIn.Failure {
		case SignInFailureCredentials:
			return failure(ErrInvalidCredentials, MsgInvalidCredentials)
		case SignInFailureInternal:
			return s.internal("login: sign in", signIn.Err)
		default:
			return failure(ErrGeneric, MsgGeneric)
		}
	}
	return Result{
		Kind:       ResultSuccess,
		Token:      signIn.Token,
		Session:    signIn.Session,
		RedirectTo: signIn.RedirectTo,
	}
}

// confirmTwoFactor checks code against the user's live 2FA token and, on a match,
// swaps it for a fresh confirmation.
func (s *Service) confirmTwoFactor(ctx context.Context, user *User, code string) (Result, bool) {
	tok, err := s.issuer.LookupByEmail(ctx, KindTwoFactor, user.Email)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return failure(err, MsgInvalidCode), false
		}
		return s.internal("login: find two factor token", err), false
	}
	if subtle.ConstantTimeCompare([]byte(tok.Token), []byte(code)) != 1 {
		return failure(ErrTokenMismatch, MsgInvalidCode), false
	}
	if tok.Expired(s.now()) {
		return failure(ErrTokenExpired, MsgCodeExpired), false
	}
	if err := s.issuer.Consume(ctx, KindTwoFactor, tok); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return failure(err, MsgInvalidCode), false
		}
		return s.internal("login: consume two factor token", err), false
	}

	confirmations := s.store.Confirmations(ctx)
	if prior, err := confirmations.FindByUserID(ctx, user.ID); err == nil {
		if err := confirmations.Delete(ctx, prior.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return s.internal("login: delete two factor confirmation", err), false
		}
	} else if !errors.Is(err, ErrNotFound) {
		return s.internal("login: find two factor confirmation", err), false
	}
	if err := confirmations.Create(ctx, &TwoFactorConfirmation{UserID: user.ID}); err != nil {
		return s.internal("login: create two factor confirmation", err), false
	}
	return Result{}, true
}

// VerifyEmail consumes a verification token and marks its email verified. The
// token's email replaces the user's, which completes an email change.
func (s *Service) VerifyEmail(ctx context.Context, token string) (res Result) {
	defer s.record("verify_email", &res)

	tok, err := s.issuer.Lookup(ctx, KindVerification, token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return failure(err, MsgTokenMissing)
		}
		return s.internal("verify email: find token", err)
	}
	if tok.Expired(s.now()) {
		return failure(ErrTokenExpired, MsgTokenExpired)
	}

	user, err := s.store.Users(ctx).FindByEmail(ctx, tok.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ErrNotFound, MsgEmailMissing)
		}
		return s.internal("verify email: find user", err)
	}

	now := s.now().UTC()
	email := tok.Email
	if err := s.store.Users(ctx).Update(ctx, user.ID, UserUpdate{EmailVerified: &now, Email: &email}); err != nil {
		return s.internal("verify email: update user", err)
	}
	if err := s.issuer.Consume(ctx, KindVerification, tok); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return s.internal("verify email: consume token", err)
	}
	return success(MsgEmailVerified)
}

// InitiatePasswordReset sends a reset link. The result does not reveal whether
// the email is registered.
func (s *Service) InitiatePasswordReset(ctx context.Context, in InitiateResetInput) (res Result) {
	defer s.record("password_reset_initiate", &res)

	if err := in.Validate(); err != nil {
		return failure(err, MsgInvalidEmail)
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return success(MsgResetSent)
		}
		return s.internal("password reset: find user", err)
	}

	tok, err := s.issuer.Issue(ctx, KindPasswordReset, user.Email)
	if err != nil {
		return s.internal("password reset: issue token", err)
	}
	s.notify(ctx, "password_reset", user.Email, func(ctx context.Context) error {
		return s.notifier.SendPasswordReset(ctx, tok.Email, tok.Token)
	})
	return success(MsgResetSent)
}

// CompletePasswordReset sets a new password from a reset token and stamps
// passwordChangedAt, which invalidates older sessions.
func (s *Service) CompletePasswordReset(ctx context.Context, in CompleteResetInput) (res Result) {
	defer s.record("password_reset_complete", &res)

	if err := in.Validate(); err != nil {
		return failure(err, MsgInvalidFields)
	}
	tok, err := s.issuer.Lookup(ctx, KindPasswordReset, in.Token)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return failure(err, MsgInvalidToken)
		}
		return s.internal("password reset: find token", err)
	}
	if tok.Expired(s.now()) {
		return failure(ErrTokenExpired, MsgTokenExpired)
	}

	users := s.store.Users(ctx)
	user, err := users.FindByEmail(ctx, tok.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure(ErrNotFound, MsgEmailMissing)
		}
		return s.internal("password reset: find user", err)
	}
	if err := s.validator.ValidateNewPassword(user, in.Password); err != nil {
		return failure(err, MsgSamePassword)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return s.internal("password reset: hash password", err)
	}
	now := s.now().UTC()
	if err := users.Update(ctx, user.ID, UserUpdate{PasswordHash: &hash, PasswordChangedAt: &now}); err != nil {
		return s.internal("password reset: update user", err)
	}
	if err := s.issuer.Consume(ctx, KindPasswordReset, tok); err != nil && !errors.Is(err, ErrTokenNotFound) {
		return s.internal("password reset: consume token", err)
	}
	s.notify(ctx, "password_changed", user.Email, func(ctx context.Context) error {
		return s.notifier.SendPasswordChanged(ctx, user.Email)
	})
	return success(MsgPasswordUpdated)
}

func (s *Service) internal(op string, err error) Result {
	s.log.Error(op, zap.Error(err))
	return failure(fmt.Errorf("%w: %s: %v", ErrGeneric, op, err), MsgGeneric)
}

// notify runs send and logs a failure. Delivery problems never fail a flow.
func (s *Service) notify(ctx context.Context, kind, email string, send func(context.Context) error) {
	if err := send(ctx); err != nil {
		s.log.Warn("notification failed",
			zap.String("kind", kind),
			zap.String("email", email),
			zap.Error(err),
		)
	}
}

func (s *Service) record(flow string, res *Result) {
	obs.RecordFlow(flow, string(res.Kind))
}

type discardNotifier struct{}

func (discardNotifier) SendVerification(context.Context, string, string) error  { return nil }
func (discardNotifier) SendPasswordReset(context.Context, string, string) error { return nil }
func (discardNotifier) SendPasswordChanged(context.Context, string) error       { return nil }
func (discardNotifier) SendTwoFactorCode(context.Context, string, string) error { return nil }

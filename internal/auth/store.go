package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	TokenRepository
	Users(ctx context.Context) UserStore
	Accounts(ctx context.Context) AccountStore
	Confirmations(ctx context.Context) ConfirmationStore
	Ping(ctx context.Context) error
}

// TokenRepository hands out the store for one token family.
type TokenRepository interface {
	Tokens(ctx context.Context, kind TokenKind) TokenStore
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) error
}

// AccountStore manages provider links.
type AccountStore interface {
	Create(ctx context.Context, acc *LinkedAccount) error
	FindByUserID(ctx context.Context, userID string) (*LinkedAccount, error)
}

// TokenStore manages one token family. Rotate replaces any token held by the same
// email in a single atomic step, so at most one token per email is ever live.
type TokenStore interface {
	Rotate(ctx context.Context, tok *Token) error
	FindByToken(ctx context.Context, token string) (*Token, error)
	FindByEmail(ctx context.Context, email string) (*Token, error)
	Delete(ctx context.Context, id string) error
}

// ConfirmationStore manages satisfied 2FA challenges.
type ConfirmationStore interface {
	FindByUserID(ctx context.Context, userID string) (*TwoFactorConfirmation, error)
	Create(ctx context.Context, c *TwoFactorConfirmation) error
	Delete(ctx context.Context, id string) error
}

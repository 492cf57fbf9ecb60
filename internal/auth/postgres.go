package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"orgdash.app/internal/ids"
)

var _ Store = (*PGStore)(nil)

const pgUniqueViolation = "23505"

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Accounts(context.Context) AccountStore           { return &accountStore{db: s.db} }
func (s *PGStore) Confirmations(context.Context) ConfirmationStore { return &confirmationStore{db: s.db} }
func (s *PGStore) Tokens(_ context.Context, kind TokenKind) TokenStore {
	return &tokenStore{db: s.db, kind: kind}
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// storeErr maps driver errors onto the package taxonomy.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, name, role, email_verified, is_two_factor_enabled, password_changed_at, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	var hash sql.NullString
	if u.PasswordHash != nil {
		hash = sql.NullString{String: *u.PasswordHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, name, role, email_verified, is_two_factor_enabled, password_changed_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.Email, hash, u.Name, string(u.Role), nullTime(u.EmailVerified), u.IsTwoFactorEnabled, nullTime(u.PasswordChangedAt),
	)
	return storeErr(err)
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email=$1`, email)
	return scanUser(row)
}

func (s *userStore) Update(ctx context.Context, id string, upd UserUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.EmailVerified != nil {
		add("email_verified", *upd.EmailVerified)
	}
	if upd.IsTwoFactorEnabled != nil {
		add("is_two_factor_enabled", *upd.IsTwoFactorEnabled)
	}
	if upd.PasswordChangedAt != nil {
		add("password_changed_at", *upd.PasswordChangedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=now()")
	args = append(args, id)
	query := fmt.Sprintf(`update users set %s where id=$%d`, strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr(err)
	}
	return requireAffected(res)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u                 User
		hash              sql.NullString
		role              string
		emailVerified     sql.NullTime
		passwordChangedAt sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &hash, &u.Name, &role, &emailVerified,
		&u.IsTwoFactorEnabled, &passwordChangedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	if hash.Valid {
		h := hash.String
		u.PasswordHash = &h
	}
	u.Role = Role(role)
	u.EmailVerified = timePtr(emailVerified)
	u.PasswordChangedAt = timePtr(passwordChangedAt)
	return &u, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Account store ------------------------------------------------------------
type accountStore struct{ db *sql.DB }

func (s *accountStore) Create(ctx context.Context, acc *LinkedAccount) error {
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, user_id, provider, provider_account_id) values($1,$2,$3,$4)`,
		acc.ID, acc.UserID, acc.Provider, acc.ProviderAccountID,
	)
	return storeErr(err)
}

func (s *accountStore) FindByUserID(ctx context.Context, userID string) (*LinkedAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, provider, provider_account_id, created_at from accounts where user_id=$1 order by created_at limit 1`, userID)
	var acc LinkedAccount
	if err := row.Scan(&acc.ID, &acc.UserID, &acc.Provider, &acc.ProviderAccountID, &acc.CreatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &acc, nil
}

// Token store --------------------------------------------------------------
type tokenStore struct {
	db   *sql.DB
	kind TokenKind
}

func (s *tokenStore) Rotate(ctx context.Context, tok *Token) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into auth_tokens(id, kind, email, token, expires_at) values($1,$2,$3,$4,$5)
		 on conflict (kind, email) do update
		 set id = excluded.id, token = excluded.token, expires_at = excluded.expires_at`,
		tok.ID, string(s.kind), tok.Email, tok.Token, tok.Expires,
	)
	return storeErr(err)
}

func (s *tokenStore) FindByToken(ctx context.Context, token string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, token, expires_at from auth_tokens where kind=$1 and token=$2`, string(s.kind), token)
	return scanToken(row)
}

func (s *tokenStore) FindByEmail(ctx context.Context, email string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, token, expires_at from auth_tokens where kind=$1 and email=$2`, string(s.kind), email)
	return scanToken(row)
}

func (s *tokenStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from auth_tokens where kind=$1 and id=$2`, string(s.kind), id)
	if err != nil {
		return storeErr(err)
	}
	return requireAffected(res)
}

func scanToken(row *sql.Row) (*Token, error) {
	var tok Token
	if err := row.Scan(&tok.ID, &tok.Email, &tok.Token, &tok.Expires); err != nil {
		return nil, storeErr(err)
	}
	return &tok, nil
}

// Confirmation store -------------------------------------------------------
type confirmationStore struct{ db *sql.DB }

func (s *confirmationStore) FindByUserID(ctx context.Context, userID string) (*TwoFactorConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `select id, user_id from two_factor_confirmations where user_id=$1`, userID)
	var c TwoFactorConfirmation
	if err := row.Scan(&c.ID, &c.UserID); err != nil {
		return nil, storeErr(err)
	}
	return &c, nil
}

func (s *confirmationStore) Create(ctx context.Context, c *TwoFactorConfirmation) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into two_factor_confirmations(id, user_id) values($1,$2)`, c.ID, c.UserID)
	return storeErr(err)
}

func (s *confirmationStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from two_factor_confirmations where id=$1`, id)
	if err != nil {
		return storeErr(err)
	}
	return requireAffected(res)
}

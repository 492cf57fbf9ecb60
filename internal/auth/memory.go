package auth

import (
	"context"
	"sync"
	"time"

	"orgdash.app/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in process memory. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	accounts      map[string]*LinkedAccount
	tokens        map[TokenKind]map[string]*Token // kind -> email -> token
	confirmations map[string]*TwoFactorConfirmation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		accounts:      make(map[string]*LinkedAccount),
		tokens:        make(map[TokenKind]map[string]*Token),
		confirmations: make(map[string]*TwoFactorConfirmation),
	}
}

func (s *MemoryStore) Users(context.Context) UserStore                 { return memUsers{s} }
func (s *MemoryStore) Accounts(context.Context) AccountStore           { return memAccounts{s} }
func (s *MemoryStore) Confirmations(context.Context) ConfirmationStore { return memConfirmations{s} }
func (s *MemoryStore) Tokens(_ context.Context, kind TokenKind) TokenStore {
	return memTokens{s: s, kind: kind}
}
func (s *MemoryStore) Ping(context.Context) error { return nil }

func cloneUser(u *User) *User {
	out := *u
	if u.PasswordHash != nil {
		h := *u.PasswordHash
		out.PasswordHash = &h
	}
	if u.EmailVerified != nil {
		t := *u.EmailVerified
		out.EmailVerified = &t
	}
	if u.PasswordChangedAt != nil {
		t := *u.PasswordChangedAt
		out.PasswordChangedAt = &t
	}
	return &out
}

type memUsers struct{ s *MemoryStore }

func (m memUsers) Create(_ context.Context, u *User) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.users {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	m.s.users[u.ID] = cloneUser(u)
	return nil
}

func (m memUsers) Find(_ context.Context, id string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, u := range m.s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m memUsers) Update(_ context.Context, id string, upd UserUpdate) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	u, ok := m.s.users[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Email != nil {
		for otherID, other := range m.s.users {
			if otherID != id && other.Email == *upd.Email {
				return ErrAlreadyExists
			}
		}
		u.Email = *upd.Email
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.PasswordHash != nil {
		h := *upd.PasswordHash
		u.PasswordHash = &h
	}
	if upd.EmailVerified != nil {
		t := *upd.EmailVerified
		u.EmailVerified = &t
	}
	if upd.IsTwoFactorEnabled != nil {
		u.IsTwoFactorEnabled = *upd.IsTwoFactorEnabled
	}
	if upd.PasswordChangedAt != nil {
		t := *upd.PasswordChangedAt
		u.PasswordChangedAt = &t
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

type memAccounts struct{ s *MemoryStore }

func (m memAccounts) Create(_ context.Context, acc *LinkedAccount) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.accounts {
		if existing.Provider == acc.Provider && existing.ProviderAccountID == acc.ProviderAccountID {
			return ErrAlreadyExists
		}
	}
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	acc.CreatedAt = time.Now().UTC()
	cp := *acc
	m.s.accounts[acc.ID] = &cp
	return nil
}

func (m memAccounts) FindByUserID(_ context.Context, userID string) (*LinkedAccount, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var found *LinkedAccount
	for _, acc := range m.s.accounts {
		if acc.UserID != userID {
			continue
		}
		if found == nil || acc.CreatedAt.Before(found.CreatedAt) {
			found = acc
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

type memTokens struct {
	s    *MemoryStore
	kind TokenKind
}

func (m memTokens) Rotate(_ context.Context, tok *Token) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	byEmail, ok := m.s.tokens[m.kind]
	if !ok {
		byEmail = make(map[string]*Token)
		m.s.tokens[m.kind] = byEmail
	}
	if m.kind.UniqueValue() {
		for email, existing := range byEmail {
			if existing.Token == tok.Token && email != tok.Email {
				return ErrAlreadyExists
			}
		}
	}
	cp := *tok
	byEmail[tok.Email] = &cp
	return nil
}

func (m memTokens) FindByToken(_ context.Context, token string) (*Token, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, tok := range m.s.tokens[m.kind] {
		if tok.Token == token {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memTokens) FindByEmail(_ context.Context, email string) (*Token, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	tok, ok := m.s.tokens[m.kind][email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m memTokens) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for email, tok := range m.s.tokens[m.kind] {
		if tok.ID == id {
			delete(m.s.tokens[m.kind], email)
			return nil
		}
	}
	return ErrNotFound
}

type memConfirmations struct{ s *MemoryStore }

func (m memConfirmations) FindByUserID(_ context.Context, userID string) (*TwoFactorConfirmation, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	c, ok := m.s.confirmations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m memConfirmations) Create(_ context.Context, c *TwoFactorConfirmation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, exists := m.s.confirmations[c.UserID]; exists {
		return ErrAlreadyExists
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	cp := *c
	m.s.confirmations[c.UserID] = &cp
	return nil
}

func (m memConfirmations) Delete(_ context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for userID, c := range m.s.confirmations {
		if c.ID == id {
			delete(m.s.confirmations, userID)
			return nil
		}
	}
	return ErrNotFound
}

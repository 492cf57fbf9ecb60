package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"orgdash.app/internal/ids"
)

const (
	defaultRedisPrefix    = "orgdash:tok"
	defaultRedisRetention = 24 * time.Hour
	maxRotateAttempts     = 5
)

var _ TokenRepository = (*RedisTokens)(nil)

// RedisTokens keeps short-lived tokens in Redis. Keys outlive the token expiry by a
// retention window so lookups can still tell an expired token from an unknown one.
type RedisTokens struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisOption configures RedisTokens.
type RedisOption func(*RedisTokens)

// WithRedisPrefix overrides the key namespace.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *RedisTokens) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithRedisRetention sets how long keys are kept after the token expires.
func WithRedisRetention(d time.Duration) RedisOption {
	return func(r *RedisTokens) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithRedisClock overrides the time source used for key TTLs.
func WithRedisClock(fn func() time.Time) RedisOption {
	return func(r *RedisTokens) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewRedisTokens(client redis.UniversalClient, opts ...RedisOption) *RedisTokens {
	r := &RedisTokens{
		client:    client,
		prefix:    defaultRedisPrefix,
		retention: defaultRedisRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTokens) Tokens(_ context.Context, kind TokenKind) TokenStore {
	return &redisTokenStore{r: r, kind: kind}
}

type redisTokenStore struct {
	r    *RedisTokens
	kind TokenKind
}

type redisTokenRecord struct {
	ID      string    `json:"id"`
	Email   string    `json:"email"`
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

func (s *redisTokenStore) emailKey(email string) string {
	return fmt.Sprintf("%s:%s:email:%s", s.r.prefix, s.kind, email)
}

func (s *redisTokenStore) valueKey(token string) string {
	return fmt.Sprintf("%s:%s:value:%s", s.r.prefix, s.kind, token)
}

func (s *redisTokenStore) idKey(id string) string {
	return fmt.Sprintf("%s:%s:id:%s", s.r.prefix, s.kind, id)
}

func redisErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (s *redisTokenStore) Rotate(ctx context.Context, tok *Token) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	payload, err := json.Marshal(redisTokenRecord{ID: tok.ID, Email: tok.Email, Token: tok.Token, Expires: tok.Expires})
	if err != nil {
		return err
	}
	ttl := tok.Expires.Sub(s.r.now()) + s.r.retention
	if ttl <= 0 {
		ttl = time.Second
	}
	emailKey := s.emailKey(tok.Email)

	txf := func(tx *redis.Tx) error {
		prev, err := readRecord(ctx, tx, emailKey)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				pipe.Del(ctx, s.valueKey(prev.Token), s.idKey(prev.ID))
			}
			pipe.Set(ctx, emailKey, payload, ttl)
			pipe.Set(ctx, s.valueKey(tok.Token), tok.Email, ttl)
			pipe.Set(ctx, s.idKey(tok.ID), tok.Email, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxRotateAttempts; i++ {
		err := s.r.client.Watch(ctx, txf, emailKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return redisErr(err)
	}
	return fmt.Errorf("%w: token rotation contended", ErrStoreUnavailable)
}

func readRecord(ctx context.Context, c redis.Cmdable, key string) (*redisTokenRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return nil, redisErr(err)
	}
	var rec redisTokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode token: %v", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

func (rec *redisTokenRecord) token() *Token {
	return &Token{ID: rec.ID, Email: rec.Email, Token: rec.Token, Expires: rec.Expires}
}

func (s *redisTokenStore) FindByToken(ctx context.Context, token string) (*Token, error) {
	email, err := s.r.client.Get(ctx, s.valueKey(token)).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	rec, err := readRecord(ctx, s.r.client, s.emailKey(email))
	if err != nil {
		return nil, err
	}
	if rec.Token != token {
		return nil, ErrNotFound
	}
	return rec.token(), nil
}

func (s *redisTokenStore) FindByEmail(ctx context.Context, email string) (*Token, error) {
	rec, err := readRecord(ctx, s.r.client, s.emailKey(email))
	if err != nil {
		return nil, err
	}
	return rec.token(), nil
}

func (s *redisTokenStore) Delete(ctx context.Context, id string) error {
	email, err := s.r.client.Get(ctx, s.idKey(id)).Result()
	if err != nil {
		return redisErr(err)
	}
	emailKey := s.emailKey(email)
	txf := func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, emailKey)
		if err != nil {
			return err
		}
		if rec.ID != id {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, emailKey, s.valueKey(rec.Token), s.idKey(rec.ID))
			return nil
		})
		return err
	}
	err = s.r.client.Watch(ctx, txf, emailKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreUnavailable):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// Someone else rotated or consumed the token between the read and the delete.
		return ErrNotFound
	default:
		return redisErr(err)
	}
}

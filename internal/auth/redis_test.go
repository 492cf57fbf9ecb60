package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTokens(t *testing.T) (*RedisTokens, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTokens(client, WithRedisPrefix("test:tok"), WithRedisRetention(time.Hour)), mr
}

func TestRedisRotateReplacesPreviousToken(t *testing.T) {
	repo, _ := newRedisTokens(t)
	ctx := context.Background()
	issuer := NewIssuer(repo, nil)

	first, err := issuer.Issue(ctx, KindPasswordReset, "a@b.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := issuer.Issue(ctx, KindPasswordReset, "a@b.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := issuer.Lookup(ctx, KindPasswordReset, first.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected first token to be invalidated, got %v", err)
	}
	got, err := issuer.Lookup(ctx, KindPasswordReset, second.Token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != second.ID || got.Email != "a@b.com" || !got.Expires.Equal(second.Expires) {
		t.Fatalf("unexpected token %+v", got)
	}

	// Other kinds are independent.
	if _, err := issuer.LookupByEmail(ctx, KindVerification, "a@b.com"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected no verification token, got %v", err)
	}
}

func TestRedisDeleteIsSingleUse(t *testing.T) {
	repo, _ := newRedisTokens(t)
	ctx := context.Background()
	issuer := NewIssuer(repo, nil)

	tok, err := issuer.Issue(ctx, KindTwoFactor, "a@b.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := issuer.Consume(ctx, KindTwoFactor, tok); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := issuer.Consume(ctx, KindTwoFactor, tok); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
	if _, err := issuer.Lookup(ctx, KindTwoFactor, tok.Token); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected lookup after delete to fail, got %v", err)
	}
}

func TestRedisKeysOutliveExpiryByRetention(t *testing.T) {
	repo, mr := newRedisTokens(t)
	ctx := context.Background()
	now := time.Now()
	repo.now = func() time.Time { return now }

	tok := &Token{Email: "a@b.com", Token: "v1", Expires: now.Add(time.Hour)}
	if err := repo.Tokens(ctx, KindVerification).Rotate(ctx, tok); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	ttl := mr.TTL("test:tok:verification:email:a@b.com")
	if ttl < 119*time.Minute || ttl > 2*time.Hour {
		t.Fatalf("unexpected key ttl %v", ttl)
	}

	// Past expiry but within retention the token is still found, so callers can
	// report it as expired rather than unknown.
	mr.FastForward(90 * time.Minute)
	got, err := repo.Tokens(ctx, KindVerification).FindByToken(ctx, "v1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Expired(now.Add(90 * time.Minute)) {
		t.Fatalf("expected token to be expired")
	}

	mr.FastForward(time.Hour)
	if _, err := repo.Tokens(ctx, KindVerification).FindByToken(ctx, "v1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected token to be evicted, got %v", err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	repo, mr := newRedisTokens(t)
	mr.Close()
	_, err := repo.Tokens(context.Background(), KindVerification).FindByEmail(context.Background(), "a@b.com")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestServiceWithRedisTokens(t *testing.T) {
	repo, _ := newRedisTokens(t)
	store := NewMemoryStore()
	clock := newTestClock()
	sessions, err := NewSessions(store, "secret", WithSessionClock(clock.Now))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	notifier := &recordingNotifier{}
	svc, err := NewService(store, sessions, WithTokens(repo), WithNotifier(notifier))
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	ctx := context.Background()
	res := svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", Name: "A"})
	expectResult(t, res, ResultSuccess, MsgConfirmationSent)
	msg, _ := notifier.last("verification")
	if _, err := repo.Tokens(ctx, KindVerification).FindByToken(ctx, msg.value); err != nil {
		t.Fatalf("expected verification token in redis: %v", err)
	}
	if len(store.tokens[KindVerification]) != 0 {
		t.Fatalf("tokens must not be written to the record store")
	}
	expectResult(t, svc.VerifyEmail(ctx, msg.value), ResultSuccess, MsgEmailVerified)
}

func TestRedisTwoFactorCodesMayRepeatAcrossEmails(t *testing.T) {
	repo, _ := newRedisTokens(t)
	ctx := context.Background()
	issuer := NewIssuer(repo, nil)
	issuer.random = zeroReader{}

	first, err := issuer.Issue(ctx, KindTwoFactor, "a@x.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.Issue(ctx, KindTwoFactor, "b@x.com"); err != nil {
		t.Fatalf("issue with the same code: %v", err)
	}
	live, err := issuer.LookupByEmail(ctx, KindTwoFactor, "a@x.com")
	if err != nil || live.ID != first.ID {
		t.Fatalf("a@x.com lost its code: %+v (%v)", live, err)
	}
}

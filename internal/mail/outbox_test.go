package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type outboxClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *outboxClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *outboxClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestOutbox(t *testing.T) *RedisOutbox {
	o, _ := newClockedOutbox(t)
	return o
}

func newClockedOutbox(t *testing.T) (*RedisOutbox, *outboxClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := &outboxClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewRedisOutbox(client, "test:outbox", WithOutboxClock(clock.Now)), clock
}

func drain(t *testing.T, d *Dispatcher) int {
	t.Helper()
	n, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return n
}

func TestOutboxIsFIFO(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()
	for _, to := range []string{"1@x.com", "2@x.com", "3@x.com"} {
		if err := o.Enqueue(ctx, Message{To: to}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []string{"1@x.com", "2@x.com", "3@x.com"} {
		env, err := o.Dequeue(ctx, 0)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if env == nil || env.Message.To != want || env.ID == "" {
			t.Fatalf("got %+v, want %s", env, want)
		}
	}
	env, err := o.Dequeue(ctx, 0)
	if err != nil || env != nil {
		t.Fatalf("expected empty queue, got %+v %v", env, err)
	}
}

func TestNotifierQueuesAndDispatcherDelivers(t *testing.T) {
	o := newTestOutbox(t)
	sender := &captureSender{}
	n, err := NewNotifier(newTestRenderer(t), sender, WithOutbox(o))
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	ctx := context.Background()
	if err := n.SendVerification(ctx, "a@b.com", "v1"); err != nil {
		t.Fatalf("SendVerification: %v", err)
	}
	if len(sender.sent()) != 0 {
		t.Fatalf("queued message must not be sent inline")
	}

	processed, err := NewDispatcher(o, sender).Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if processed != 1 || len(sender.sent()) != 1 {
		t.Fatalf("expected one delivery, processed=%d sent=%d", processed, len(sender.sent()))
	}
}

func TestDispatcherRetriesThenDeadLetters(t *testing.T) {
	o, clock := newClockedOutbox(t)
	ctx := context.Background()
	if err := o.Enqueue(ctx, Message{To: "retry@x.com"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Enqueue(ctx, Message{To: "dead@x.com"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// retry@x.com fails once and then succeeds; dead@x.com fails every time.
	sender := &scriptedSender{failures: map[string]int{"retry@x.com": 1, "dead@x.com": 100}}
	d := NewDispatcher(o, sender, WithMaxAttempts(3), WithBackoff(time.Minute, time.Hour))
	for i := 0; i < 3; i++ {
		drain(t, d)
		clock.Advance(10 * time.Minute)
	}

	if sender.delivered["retry@x.com"] != 1 || sender.delivered["dead@x.com"] != 0 {
		t.Fatalf("unexpected deliveries %v", sender.delivered)
	}
	if sender.attempts["dead@x.com"] != 3 {
		t.Fatalf("expected 3 attempts before dropping, got %d", sender.attempts["dead@x.com"])
	}
	for name, fn := range map[string]func(context.Context) (int64, error){
		"ready": o.Len, "processing": o.ProcessingLen, "delayed": o.DelayedLen,
	} {
		if n, _ := fn(ctx); n != 0 {
			t.Fatalf("expected empty %s queue, got %d", name, n)
		}
	}
	if n, _ := o.DeadLen(ctx); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
}

func TestDispatcherSpacesRetriesWithBackoff(t *testing.T) {
	o, clock := newClockedOutbox(t)
	ctx := context.Background()
	if err := o.Enqueue(ctx, Message{To: "slow@x.com"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	sender := &scriptedSender{failures: map[string]int{"slow@x.com": 100}}
	d := NewDispatcher(o, sender, WithMaxAttempts(4), WithBackoff(time.Minute, 3*time.Minute))

	if n := drain(t, d); n != 1 {
		t.Fatalf("first drain processed %d", n)
	}
	if n, _ := o.DelayedLen(ctx); n != 1 {
		t.Fatalf("expected the failed envelope to wait for a retry, delayed=%d", n)
	}
	// Nothing is due until the first backoff elapses.
	if n := drain(t, d); n != 0 {
		t.Fatalf("retry ran immediately")
	}
	clock.Advance(59 * time.Second)
	if n := drain(t, d); n != 0 {
		t.Fatalf("retry ran before its backoff")
	}
	clock.Advance(time.Second)
	if n := drain(t, d); n != 1 || sender.attempts["slow@x.com"] != 2 {
		t.Fatalf("expected second attempt after 1m, processed=%d attempts=%d", n, sender.attempts["slow@x.com"])
	}

	// The delay doubles to 2m.
	clock.Advance(time.Minute + 59*time.Second)
	if n := drain(t, d); n != 0 {
		t.Fatalf("second retry ran before 2m")
	}
	clock.Advance(time.Second)
	if n := drain(t, d); n != 1 || sender.attempts["slow@x.com"] != 3 {
		t.Fatalf("expected third attempt after 2m, attempts=%d", sender.attempts["slow@x.com"])
	}

	// 4m is capped at 3m.
	clock.Advance(3 * time.Minute)
	if n := drain(t, d); n != 1 || sender.attempts["slow@x.com"] != 4 {
		t.Fatalf("expected capped fourth attempt, attempts=%d", sender.attempts["slow@x.com"])
	}
	if n, _ := o.DeadLen(ctx); n != 1 {
		t.Fatalf("expected dead letter after max attempts, got %d", n)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := NewDispatcher(nil, nil, WithBackoff(time.Second, 10*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestUnacknowledgedEnvelopeIsRecovered(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()
	if err := o.Enqueue(ctx, Message{To: "a@x.com"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// A dispatcher takes the envelope and stops before sending it.
	env, err := o.Dequeue(ctx, 0)
	if err != nil || env == nil {
		t.Fatalf("Dequeue: %+v %v", env, err)
	}
	if n, _ := o.Len(ctx); n != 0 {
		t.Fatalf("expected ready list to be empty, got %d", n)
	}
	if n, _ := o.ProcessingLen(ctx); n != 1 {
		t.Fatalf("expected envelope to stay in processing, got %d", n)
	}

	recovered, err := o.Recover(ctx)
	if err != nil || recovered != 1 {
		t.Fatalf("Recover: %d %v", recovered, err)
	}
	sender := &captureSender{}
	if n := drain(t, NewDispatcher(o, sender)); n != 1 {
		t.Fatalf("expected the recovered envelope to be delivered, processed=%d", n)
	}
	if got := sender.sent(); len(got) != 1 || got[0].To != "a@x.com" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if n, _ := o.ProcessingLen(ctx); n != 0 {
		t.Fatalf("expected delivered envelope to be acknowledged, got %d", n)
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	o := newTestOutbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewDispatcher(o, &captureSender{}).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

var errTransient = errors.New("temporary failure")

type scriptedSender struct {
	failures  map[string]int
	attempts  map[string]int
	delivered map[string]int
}

func (s *scriptedSender) Send(_ context.Context, msg Message) error {
	if s.attempts == nil {
		s.attempts = map[string]int{}
		s.delivered = map[string]int{}
	}
	s.attempts[msg.To]++
	if s.failures[msg.To] > 0 {
		s.failures[msg.To]--
		return errTransient
	}
	s.delivered[msg.To]++
	return nil
}

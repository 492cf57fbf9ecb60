package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orgdash.app/internal/ids"
	"orgdash.app/internal/obs"
)

const (
	defaultOutboxKey   = "orgdash:mail:outbox"
	defaultMaxAttempts = 5
	defaultPollTimeout = 2 * time.Second
	defaultBackoffBase = 30 * time.Second
	defaultBackoffMax  = 30 * time.Minute
	promoteBatch       = 100
)

// promoteDue moves envelopes whose due time has passed from the delay set to the
// ready list. KEYS[1] delay set, KEYS[2] ready list, ARGV[1] now (ms), ARGV[2] batch.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

// Envelope is a queued message with its delivery bookkeeping.
type Envelope struct {
	ID            string    `json:"id"`
	Message       Message   `json:"message"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	raw string
}

// RedisOutbox keeps envelopes in Redis:
//
//	<key>             ready list, consumed FIFO
//	<key>:processing  envelopes taken by a dispatcher and not yet acknowledged
//	<key>:delayed     sorted set of envelopes waiting for a retry, scored by due time (ms)
//	<key>:dead        envelopes that exhausted their attempts
type RedisOutbox struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// OutboxOption configures RedisOutbox.
type OutboxOption func(*RedisOutbox)

// WithOutboxClock overrides the time source used for retry scheduling.
func WithOutboxClock(fn func() time.Time) OutboxOption {
	return func(o *RedisOutbox) {
		if fn != nil {
			o.now = fn
		}
	}
}

func NewRedisOutbox(client redis.UniversalClient, key string, opts ...OutboxOption) *RedisOutbox {
	if key == "" {
		key = defaultOutboxKey
	}
	o := &RedisOutbox{client: client, key: key, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *RedisOutbox) processingKey() string { return o.key + ":processing" }
func (o *RedisOutbox) delayedKey() string    { return o.key + ":delayed" }
func (o *RedisOutbox) deadKey() string       { return o.key + ":dead" }

func (o *RedisOutbox) Enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(&Envelope{ID: ids.New(), Message: msg, EnqueuedAt: o.now().UTC()})
	if err != nil {
		return err
	}
	if err := o.client.LPush(ctx, o.key, payload).Err(); err != nil {
		return fmt.Errorf("mail: outbox push: %w", err)
	}
	return nil
}

// Dequeue moves the oldest ready envelope to the processing list and returns it.
// The envelope stays there until Ack, Retry or Bury. With a positive timeout it
// blocks until one arrives; it returns nil, nil when the queue stays empty.
func (o *RedisOutbox) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if err := o.promote(ctx); err != nil {
		return nil, err
	}
	var cmd *redis.StringCmd
	if timeout > 0 {
		cmd = o.client.BLMove(ctx, o.key, o.processingKey(), "RIGHT", "LEFT", timeout)
	} else {
		cmd = o.client.LMove(ctx, o.key, o.processingKey(), "RIGHT", "LEFT")
	}
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mail: outbox pop: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Unreadable payloads go straight to the dead letters.
		_, _ = o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, o.processingKey(), 1, raw)
			pipe.LPush(ctx, o.deadKey(), raw)
			return nil
		})
		return nil, fmt.Errorf("mail: decode envelope: %w", err)
	}
	env.raw = raw
	return &env, nil
}

func (o *RedisOutbox) promote(ctx context.Context) error {
	now := strconv.FormatInt(o.now().UnixMilli(), 10)
	err := promoteDue.Run(ctx, o.client, []string{o.delayedKey(), o.key}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("mail: outbox promote: %w", err)
	}
	return nil
}

// Ack removes a delivered envelope from the processing list.
func (o *RedisOutbox) Ack(ctx context.Context, env *Envelope) error {
	if err := o.client.LRem(ctx, o.processingKey(), 1, env.raw).Err(); err != nil {
		return fmt.Errorf("mail: outbox ack: %w", err)
	}
	return nil
}

// Retry schedules env for another attempt at env.NextAttemptAt.
func (o *RedisOutbox) Retry(ctx context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, o.processingKey(), 1, env.raw)
		pipe.ZAdd(ctx, o.delayedKey(), redis.Z{Score: float64(env.NextAttemptAt.UnixMilli()), Member: string(payload)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mail: outbox retry: %w", err)
	}
	return nil
}

// Bury moves env to the dead letter list.
func (o *RedisOutbox) Bury(ctx context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = o.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, o.processingKey(), 1, env.raw)
		pipe.LPush(ctx, o.deadKey(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mail: outbox bury: %w", err)
	}
	return nil
}

// Recover returns envelopes left in the processing list by a dispatcher that
// stopped before acknowledging them. Delivery is at least once.
func (o *RedisOutbox) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := o.client.LMove(ctx, o.processingKey(), o.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("mail: outbox recover: %w", err)
		}
		n++
	}
}

// Len reports the number of ready envelopes.
func (o *RedisOutbox) Len(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.key).Result()
}

// ProcessingLen reports the number of unacknowledged envelopes.
func (o *RedisOutbox) ProcessingLen(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.processingKey()).Result()
}

// DelayedLen reports the number of envelopes waiting for a retry.
func (o *RedisOutbox) DelayedLen(ctx context.Context) (int64, error) {
	return o.client.ZCard(ctx, o.delayedKey()).Result()
}

// DeadLen reports the number of dead letters.
func (o *RedisOutbox) DeadLen(ctx context.Context) (int64, error) {
	return o.client.LLen(ctx, o.deadKey()).Result()
}

// Dispatcher drains a RedisOutbox into a Sender.
type Dispatcher struct {
	outbox      *RedisOutbox
	sender      Sender
	maxAttempts int
	pollTimeout time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *zap.Logger
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithPollTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.pollTimeout = t
		}
	}
}

// WithBackoff sets the first retry delay and its cap. The delay doubles per attempt.
func WithBackoff(base, ceiling time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.backoffBase = base
		}
		if ceiling >= d.backoffBase {
			d.backoffMax = ceiling
		}
	}
}

func NewDispatcher(outbox *RedisOutbox, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox:      outbox,
		sender:      sender,
		maxAttempts: defaultMaxAttempts,
		pollTimeout: defaultPollTimeout,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		log:         obs.Logger().Named("mail.dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers queued messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", zap.String("queue", d.outbox.key))
	if n, err := d.outbox.Recover(ctx); err != nil {
		d.log.Warn("recover in-flight mail failed", zap.Error(err))
	} else if n > 0 {
		d.log.Info("recovered in-flight mail", zap.Int("count", n))
	}
	for {
		if err := ctx.Err(); err != nil {
			d.log.Info("dispatcher stopped")
			return nil
		}
		env, err := d.outbox.Dequeue(ctx, d.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(d.pollTimeout):
			}
			continue
		}
		if env != nil {
			d.deliver(ctx, env)
		}
	}
}

// Drain delivers everything that is currently due and reports how many
// envelopes were processed. Envelopes scheduled for a later retry stay queued.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		env, err := d.outbox.Dequeue(ctx, 0)
		if err != nil {
			return n, err
		}
		if env == nil {
			return n, nil
		}
		d.deliver(ctx, env)
		n++
	}
}

// backoff returns the delay after the given number of failed attempts.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.backoffMax {
			return d.backoffMax
		}
	}
	return delay
}

func (d *Dispatcher) deliver(ctx context.Context, env *Envelope) {
	env.Attempts++
	err := d.sender.Send(ctx, env.Message)
	if err == nil {
		obs.RecordMailDelivery("sent")
		if aerr := d.outbox.Ack(ctx, env); aerr != nil {
			d.log.Error("ack failed", zap.String("id", env.ID), zap.Error(aerr))
		}
		return
	}
	env.LastError = err.Error()
	if env.Attempts >= d.maxAttempts {
		obs.RecordMailDelivery("dropped")
		d.log.Error("mail dropped",
			zap.String("id", env.ID),
			zap.String("to", env.Message.To),
			zap.Int("attempts", env.Attempts),
			zap.Error(err),
		)
		if berr := d.outbox.Bury(ctx, env); berr != nil {
			d.log.Error("dead letter push failed", zap.Error(berr))
		}
		return
	}
	obs.RecordMailDelivery("failed")
	env.NextAttemptAt = d.outbox.now().UTC().Add(d.backoff(env.Attempts))
	d.log.Warn("mail delivery failed, retrying later",
		zap.String("id", env.ID),
		zap.Int("attempts", env.Attempts),
		zap.Time("next_attempt_at", env.NextAttemptAt),
		zap.Error(err),
	)
	if rerr := d.outbox.Retry(ctx, env); rerr != nil {
		d.log.Error("requeue failed", zap.String("id", env.ID), zap.Error(rerr))
	}
}

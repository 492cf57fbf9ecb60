package mail

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"orgdash.app/internal/auth"
	"orgdash.app/internal/obs"
)

var _ auth.Notifier = (*Notifier)(nil)

// Outbox accepts messages for later delivery.
type Outbox interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Notifier renders auth notifications and hands them to a Sender, or to an
// Outbox when one is configured.
type Notifier struct {
	renderer *Renderer
	sender   Sender
	outbox   Outbox
	log      *zap.Logger
}

// NotifierOption configures Notifier.
type NotifierOption func(*Notifier)

// WithOutbox queues messages instead of sending inline.
func WithOutbox(o Outbox) NotifierOption {
	return func(n *Notifier) { n.outbox = o }
}

// WithNotifierLogger overrides the logger.
func WithNotifierLogger(l *zap.Logger) NotifierOption {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

func NewNotifier(renderer *Renderer, sender Sender, opts ...NotifierOption) (*Notifier, error) {
	if renderer == nil {
		return nil, errors.New("mail: renderer is required")
	}
	if sender == nil {
		return nil, errors.New("mail: sender is required")
	}
	n := &Notifier{renderer: renderer, sender: sender, log: obs.Logger().Named("mail")}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Notifier) SendVerification(ctx context.Context, email, token string) error {
	msg, err := n.renderer.Verification(email, token)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *Notifier) SendPasswordReset(ctx context.Context, email, token string) error {
	msg, err := n.renderer.PasswordReset(email, token)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *Notifier) SendPasswordChanged(ctx context.Context, email string) error {
	msg, err := n.renderer.PasswordChanged(email)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *Notifier) SendTwoFactorCode(ctx context.Context, email, code string) error {
	msg, err := n.renderer.TwoFactorCode(email, code)
	if err != nil {
		return err
	}
	return n.deliver(ctx, msg)
}

func (n *Notifier) deliver(ctx context.Context, msg Message) error {
	if n.outbox != nil {
		err := n.outbox.Enqueue(ctx, msg)
		if err == nil {
			obs.RecordMailDelivery("queued")
			return nil
		}
		n.log.Warn("outbox enqueue failed, sending inline",
			zap.String("to", msg.To),
			zap.Error(err),
		)
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		obs.RecordMailDelivery("failed")
		return err
	}
	obs.RecordMailDelivery("sent")
	return nil
}

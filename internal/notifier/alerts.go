package notifier

import (
	"context"

	"AgriPool/internal/model"

	"go.uber.org/zap"
)

// Sender delivers a formatted message.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Alerter forwards pool transitions to operators. OnPoolEvent only enqueues;
// Run does the delivery.
type Alerter struct {
	sender     Sender
	queue      chan string
	maxRetries int
	log        *zap.Logger
}

// NewAlerter creates an Alerter buffering up to size messages.
func NewAlerter(sender Sender, size int, log *zap.Logger) *Alerter {
	if size <= 0 {
		size = 64
	}
	return &Alerter{
		sender:     sender,
		queue:      make(chan string, size),
		maxRetries: 3,
		log:        log,
	}
}

// OnPoolEvent queues an alert for transitions operators care about.
// A full queue drops the alert.
func (a *Alerter) OnPoolEvent(p model.Pool, evt model.PoolEvent) {
	switch evt.Type {
	case model.EventMatched, model.EventApplied, model.EventExpired, model.EventCancelled:
	default:
		return
	}
	select {
	case a.queue <- FormatPoolEvent(p, evt):
	default:
		a.log.Warn("alert queue full, dropping alert",
			zap.String("pool_id", p.ID), zap.String("event", string(evt.Type)))
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			if err := a.sender.SendWithRetry(ctx, msg, a.maxRetries); err != nil {
				a.log.Error("send alert", zap.Error(err))
			}
		}
	}
}

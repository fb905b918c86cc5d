package natsjs

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/inboxbridge/mailsync/internal/convstore"
)

const streamName = "MAIL_EVENTS"

// Publisher wraps NATS JetStream for publishing mailbox events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and opens a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"tenant.*.email.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes an event with a MsgId so JetStream dedups redeliveries.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// OutboxSource is the outbox half of the conversation store.
type OutboxSource interface {
	DequeueOutbox(ctx context.Context, limit int) ([]convstore.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatch drains the transactional outbox into JetStream until ctx is done.
// Failed publishes are retried with a fixed backoff.
func (p *Publisher) Dispatch(ctx context.Context, src OutboxSource, log *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := src.DequeueOutbox(ctx, 100)
		if err != nil {
			log.WithError(err).Error("failed to dequeue outbox")
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := p.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to publish event")
				_ = src.MarkRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := src.MarkPublished(ctx, msg.ID); err != nil {
				log.WithError(err).WithField("outbox_id", msg.ID).Error("failed to mark event published")
			}
		}
	}
}

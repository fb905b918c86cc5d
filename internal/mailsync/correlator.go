package mailsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inboxbridge/mailsync/internal/convstore"
)

// Outcome is the result of correlating one inbound message.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeAppended
)

func (o Outcome) String() string {
	if o == OutcomeAppended {
		return "appended"
	}
	return "skipped"
}

// Correlator matches inbound messages to tracked conversations by reply
// header and appends them, deduplicating on provider message id.
//
// Only replies to conversations this system already tracks are persisted.
// Unsolicited new threads are dropped; see TrackUnsolicited for the
// configuration point.
type Correlator struct {
	Convs ConversationStore
	Log   *logrus.Logger

	// TrackUnsolicited, when set, creates a fresh conversation for inbound
	// messages that match no tracked thread instead of dropping them.
	// Defaults to off.
	TrackUnsolicited bool
}

// Correlate runs the match-dedup-append algorithm for one message. The
// dedup check and append happen inside a single store transaction, so two
// concurrent notifications carrying the same message append exactly once.
func (c *Correlator) Correlate(ctx context.Context, tenantUserID string, m InboundMessage) (Outcome, error) {
	log := c.Log.WithFields(logrus.Fields{
		"tenant_user_id": tenantUserID,
		"message_id":     m.ProviderMessageID,
	})

	if m.InReplyTo == "" && !c.TrackUnsolicited {
		log.Info("no reply linkage, message dropped")
		return OutcomeSkipped, nil
	}

	if m.InReplyTo != "" {
		parent, err := c.Convs.FindByReplyHeader(ctx, tenantUserID, m.InReplyTo)
		if err != nil {
			return OutcomeSkipped, err
		}
		if parent == nil && !c.TrackUnsolicited {
			log.WithField("in_reply_to", m.InReplyTo).Info("reply to untracked thread, message dropped")
			return OutcomeSkipped, nil
		}
	}

	result, err := c.Convs.AppendOrCreate(ctx, m.ThreadID, tenantUserID, toStoredMessage(m), c.replyEvent(tenantUserID, m))
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("failed to append message: %w", err)
	}

	if result == convstore.ResultDuplicate {
		log.Info("duplicate reply skipped")
		return OutcomeSkipped, nil
	}

	log.WithField("thread_id", m.ThreadID).Info("reply appended to conversation")
	return OutcomeAppended, nil
}

func toStoredMessage(m InboundMessage) convstore.Message {
	return convstore.Message{
		ProviderMessageID: m.ProviderMessageID,
		MessageIDHeader:   m.MessageIDHeader,
		From:              m.From,
		To:                m.To,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		Subject:           m.Subject,
		Body:              m.Body,
		Labels:            m.Labels,
		InReplyTo:         m.InReplyTo,
		Timestamp:         m.Timestamp,
	}
}

// replyEvent builds the outbox event published after a reply lands. The
// NATS MsgId is derived from the provider message id so JetStream dedups
// redeliveries.
func (c *Correlator) replyEvent(tenantUserID string, m InboundMessage) *convstore.OutboxEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"tenant_user_id":      tenantUserID,
		"provider_message_id": m.ProviderMessageID,
		"provider_thread_id":  m.ThreadID,
		"subject":             m.Subject,
		"from":                m.From,
		"in_reply_to":         m.InReplyTo,
	})

	return &convstore.OutboxEvent{
		Subject: fmt.Sprintf("tenant.%s.email.reply", tenantUserID),
		Type:    "email.reply.saved",
		Payload: payload,
		MsgID:   fmt.Sprintf("email.reply|gmail|%s", m.ProviderMessageID),
	}
}

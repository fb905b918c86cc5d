package mailsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inboxbridge/mailsync/internal/convstore"
)

// OutboundRequest is a compose-and-send request on behalf of a tenant user.
type OutboundRequest struct {
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	Body      string
	InReplyTo string
}

// SendResponse reports the provider ids assigned to the sent message.
type SendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
	ThreadID          string `json:"thread_id"`
}

// Sender composes and sends outbound messages and records them in the
// conversation store, threading replies into their parent conversation.
type Sender struct {
	Creds     CredentialStore
	Convs     ConversationStore
	Providers ProviderFactory
	Log       *logrus.Logger
}

// Send builds the raw message, resolves reply threading, sends through the
// provider and appends the outbound record to its conversation. Replies to a
// Message-ID this system has never tracked fail with
// ErrOriginalMessageNotFound rather than creating an orphan thread.
func (s *Sender) Send(ctx context.Context, tenantUserID string, req OutboundRequest) (*SendResponse, error) {
	cred, err := s.Creds.Get(ctx, tenantUserID)
	if err != nil {
		return nil, err
	}

	threadID := ""
	if req.InReplyTo != "" {
		parent, err := s.Convs.FindByReplyHeader(ctx, tenantUserID, req.InReplyTo)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, ErrOriginalMessageNotFound
		}
		threadID = parent.ThreadID
	}

	provider, err := s.Providers(ctx, tenantUserID)
	if err != nil {
		return nil, err
	}

	raw := buildRawMessage(cred.Email, req)
	sent, err := provider.SendMessage(ctx, raw, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Re-fetch for the provider-assigned Message-ID header; replies to this
	// message will carry it as their In-Reply-To.
	var messageIDHeader string
	if details, err := provider.GetMessage(ctx, sent.ID); err != nil {
		s.Log.WithError(err).WithField("message_id", sent.ID).Warn("could not fetch sent message headers")
	} else {
		messageIDHeader = headerValue(details.Headers, headerMessageID)
	}

	if threadID == "" {
		threadID = sent.ThreadID
	}

	msg := convstore.Message{
		ProviderMessageID: sent.ID,
		MessageIDHeader:   messageIDHeader,
		From:              cred.Email,
		To:                req.To,
		Cc:                req.Cc,
		Bcc:               req.Bcc,
		Subject:           req.Subject,
		Body:              req.Body,
		Labels:            sent.Labels,
		InReplyTo:         req.InReplyTo,
		Timestamp:         time.Now().Unix(),
	}

	if _, err := s.Convs.AppendOrCreate(ctx, threadID, tenantUserID, msg, s.sentEvent(tenantUserID, sent, req)); err != nil {
		return nil, fmt.Errorf("failed to record sent message: %w", err)
	}

	s.Log.WithFields(logrus.Fields{
		"tenant_user_id": tenantUserID,
		"message_id":     sent.ID,
		"thread_id":      threadID,
	}).Info("email sent")

	return &SendResponse{ProviderMessageID: sent.ID, ThreadID: threadID}, nil
}

func (s *Sender) sentEvent(tenantUserID string, sent *SentMessage, req OutboundRequest) *convstore.OutboxEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  time.Now().Unix(),
		"tenant_user_id":      tenantUserID,
		"provider_message_id": sent.ID,
		"provider_thread_id":  sent.ThreadID,
		"subject":             req.Subject,
		"in_reply_to":         req.InReplyTo,
	})

	return &convstore.OutboxEvent{
		Subject: fmt.Sprintf("tenant.%s.email.sent", tenantUserID),
		Type:    "email.sent",
		Payload: payload,
		MsgID:   fmt.Sprintf("email.sent|gmail|%s", sent.ID),
	}
}

// buildRawMessage renders the RFC 2822 form of an outbound request. The
// provider adapter base64url-encodes it for the wire.
func buildRawMessage(from string, req OutboundRequest) []byte {
	var b strings.Builder

	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Transfer-Encoding: 7bit\r\n")
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(req.To, ", "))
	fmt.Fprintf(&b, "From: %s\r\n", from)
	if len(req.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\r\n", strings.Join(req.Cc, ", "))
	}
	if len(req.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\r\n", strings.Join(req.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", req.Subject)
	if req.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", req.InReplyTo)
	}
	b.WriteString("\r\n")
	b.WriteString(req.Body)

	return []byte(b.String())
}

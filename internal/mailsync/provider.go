package mailsync

import (
	"context"

	"github.com/inboxbridge/mailsync/internal/convstore"
	"github.com/inboxbridge/mailsync/internal/credstore"
)

// ChangeAdded is one message addition reported by the provider's change feed.
type ChangeAdded struct {
	MessageID string
	Labels    []string
}

// ChangeList is the provider's answer for a cursor range. NewCursor is the
// watermark the feed reached; Additions may be empty for a legitimate
// no-visible-change notification.
type ChangeList struct {
	Additions []ChangeAdded
	NewCursor string
}

// ProviderMessage is a fully fetched message before normalization.
type ProviderMessage struct {
	ID           string
	ThreadID     string
	Labels       []string
	Headers      map[string]string
	Body         string
	InternalDate int64
}

// SentMessage is the provider's acknowledgement of an outbound send.
type SentMessage struct {
	ID       string
	ThreadID string
	Labels   []string
}

// MessageRef is a bare message listing entry.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Provider is the mailbox API surface the engine consumes, already bound to
// one authenticated tenant mailbox.
type Provider interface {
	// Subscribe registers the push-notification watch on the given topic and
	// returns the baseline cursor the subscription starts from.
	Subscribe(ctx context.Context, topic string) (string, error)

	// ListChanges returns all mailbox changes after sinceCursor.
	ListChanges(ctx context.Context, sinceCursor string) (*ChangeList, error)

	// GetMessage fetches full content and headers for one message.
	GetMessage(ctx context.Context, id string) (*ProviderMessage, error)

	// SendMessage sends a raw RFC 2822 message, optionally into an existing
	// provider thread.
	SendMessage(ctx context.Context, raw []byte, threadID string) (*SentMessage, error)

	// ListMessages lists recent mailbox messages.
	ListMessages(ctx context.Context, max int64) ([]MessageRef, error)
}

// ProviderFactory returns an authenticated Provider for a tenant user.
// Implementations own credential injection and token refresh.
type ProviderFactory func(ctx context.Context, tenantUserID string) (Provider, error)

// CredentialStore is the credential persistence the engine consumes.
type CredentialStore interface {
	Get(ctx context.Context, tenantUserID string) (*credstore.Credential, error)
	GetByEmail(ctx context.Context, email string) (*credstore.Credential, error)
	UpdateFields(ctx context.Context, tenantUserID string, fields credstore.Fields) error
	AdvanceCursor(ctx context.Context, tenantUserID, newCursor string) error
}

// ConversationStore is the conversation persistence the engine consumes.
type ConversationStore interface {
	FindByReplyHeader(ctx context.Context, tenantUserID, messageIDHeader string) (*convstore.Conversation, error)
	AppendOrCreate(ctx context.Context, threadID, tenantUserID string, msg convstore.Message, event *convstore.OutboxEvent) (convstore.AppendResult, error)
}

// InboundMessage is a normalized inbound mailbox message ready for
// correlation.
type InboundMessage struct {
	ProviderMessageID string
	ThreadID          string
	MessageIDHeader   string
	From              string
	To                []string
	Cc                []string
	Bcc               []string
	Subject           string
	Body              string
	Labels            []string
	InReplyTo         string
	Timestamp         int64
}

// Package gmail implements the sync engine's Provider contract on the Gmail
// REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/inboxbridge/mailsync/internal/mailsync"
)

// Adapter binds an authenticated Gmail service to one mailbox profile.
type Adapter struct {
	svc    *gmailv1.Service
	userID string
}

// New creates an adapter for the given service handle and mailbox profile id.
func New(svc *gmailv1.Service, userID string) *Adapter {
	return &Adapter{svc: svc, userID: userID}
}

// Subscribe registers the push-notification watch and returns the baseline
// history id the subscription starts from.
func (a *Adapter) Subscribe(ctx context.Context, topic string) (string, error) {
	resp, err := a.svc.Users.Watch(a.userID, &gmailv1.WatchRequest{
		TopicName: topic,
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return strconv.FormatUint(resp.HistoryId, 10), nil
}

// ListChanges lists message additions after sinceCursor via the history API.
func (a *Adapter) ListChanges(ctx context.Context, sinceCursor string) (*mailsync.ChangeList, error) {
	startHistoryID, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history id in cursor %q: %w", sinceCursor, err)
	}

	call := a.svc.Users.History.List(a.userID).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(100)

	list := &mailsync.ChangeList{}
	latest := startHistoryID

	err = call.Pages(ctx, func(page *gmailv1.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}
		for _, history := range page.History {
			if history.Id > latest {
				latest = history.Id
			}
			for _, record := range history.MessagesAdded {
				if record.Message == nil {
					continue
				}
				list.Additions = append(list.Additions, mailsync.ChangeAdded{
					MessageID: record.Message.Id,
					Labels:    record.Message.LabelIds,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	list.NewCursor = strconv.FormatUint(latest, 10)
	return list, nil
}

// GetMessage fetches the full message and flattens its headers and text body.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mailsync.ProviderMessage, error) {
	m, err := a.svc.Users.Messages.Get(a.userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	return &mailsync.ProviderMessage{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Labels:       m.LabelIds,
		Headers:      headers,
		Body:         extractPlainText(m.Payload),
		InternalDate: m.InternalDate / 1000,
	}, nil
}

// SendMessage sends a raw RFC 2822 message, threading it into threadID when
// given.
func (a *Adapter) SendMessage(ctx context.Context, raw []byte, threadID string) (*mailsync.SentMessage, error) {
	msg := &gmailv1.Message{
		Raw: base64.RawURLEncoding.EncodeToString(raw),
	}
	if threadID != "" {
		msg.ThreadId = threadID
	}

	resp, err := a.svc.Users.Messages.Send(a.userID, msg).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	return &mailsync.SentMessage{
		ID:       resp.Id,
		ThreadID: resp.ThreadId,
		Labels:   resp.LabelIds,
	}, nil
}

// ListMessages lists recent mailbox messages.
func (a *Adapter) ListMessages(ctx context.Context, max int64) ([]mailsync.MessageRef, error) {
	if max <= 0 {
		max = 100
	}
	resp, err := a.svc.Users.Messages.List(a.userID).MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	refs := make([]mailsync.MessageRef, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		refs = append(refs, mailsync.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return refs, nil
}

// extractPlainText walks the MIME part tree and returns the first text/plain
// body, base64url decoded. multipart/alternative prefers text/plain.
func extractPlainText(part *gmailv1.MessagePart) string {
	if part == nil {
		return ""
	}

	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		return decodeBase64URL(part.Body.Data)
	}

	for _, sub := range part.Parts {
		if strings.EqualFold(sub.MimeType, "text/plain") {
			if body := extractPlainText(sub); body != "" {
				return body
			}
		}
	}
	for _, sub := range part.Parts {
		if body := extractPlainText(sub); body != "" {
			return body
		}
	}

	return ""
}

func decodeBase64URL(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail uses unpadded base64url.
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// classify maps Gmail API failures onto the engine's error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return fmt.Errorf("%w: %v", mailsync.ErrAuthenticationFailed, err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return fmt.Errorf("%w: %v", mailsync.ErrProviderUnavailable, err)
		}
	}
	return err
}

package mailsync

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inboxbridge/mailsync/internal/convstore"
	"github.com/inboxbridge/mailsync/internal/credstore"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeCreds is an in-memory CredentialStore with compare-and-advance cursor
// semantics matching the SQLite store.
type fakeCreds struct {
	mu   sync.Mutex
	byID map[string]*credstore.Credential
}

func newFakeCreds(creds ...*credstore.Credential) *fakeCreds {
	f := &fakeCreds{byID: make(map[string]*credstore.Credential)}
	for _, c := range creds {
		cp := *c
		f.byID[c.TenantUserID] = &cp
	}
	return f
}

func (f *fakeCreds) Get(_ context.Context, id string) (*credstore.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, credstore.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCreds) GetByEmail(_ context.Context, email string) (*credstore.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, credstore.ErrCredentialNotFound
}

func (f *fakeCreds) UpdateFields(_ context.Context, id string, fields credstore.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return credstore.ErrCredentialNotFound
	}
	if fields.AccessToken != nil {
		c.AccessToken = *fields.AccessToken
	}
	if fields.RefreshToken != nil {
		c.RefreshToken = *fields.RefreshToken
	}
	if fields.Cursor != nil {
		c.Cursor = *fields.Cursor
	}
	return nil
}

func (f *fakeCreds) AdvanceCursor(_ context.Context, id, newCursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return credstore.ErrCredentialNotFound
	}
	if c.Cursor == "" {
		c.Cursor = newCursor
		return nil
	}
	prev, _ := strconv.ParseUint(c.Cursor, 10, 64)
	next, _ := strconv.ParseUint(newCursor, 10, 64)
	if next > prev {
		c.Cursor = newCursor
	}
	return nil
}

func (f *fakeCreds) cursor(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Cursor
}

// fakeConvs is an in-memory ConversationStore with the same dedup semantics
// as the SQLite store.
type fakeConvs struct {
	mu    sync.Mutex
	convs []*convstore.Conversation
}

func (f *fakeConvs) seed(threadID, tenantUserID string, msgs ...convstore.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, &convstore.Conversation{
		ThreadID:     threadID,
		TenantUserID: tenantUserID,
		Messages:     msgs,
	})
}

func (f *fakeConvs) FindByReplyHeader(_ context.Context, tenantUserID, header string) (*convstore.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if header == "" {
		return nil, nil
	}
	for _, conv := range f.convs {
		if conv.TenantUserID != tenantUserID {
			continue
		}
		for _, m := range conv.Messages {
			if m.MessageIDHeader == header {
				cp := *conv
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeConvs) AppendOrCreate(_ context.Context, threadID, tenantUserID string, msg convstore.Message, _ *convstore.OutboxEvent) (convstore.AppendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.convs {
		if conv.ThreadID == threadID && conv.TenantUserID == tenantUserID {
			for _, m := range conv.Messages {
				if m.ProviderMessageID == msg.ProviderMessageID {
					return convstore.ResultDuplicate, nil
				}
			}
			conv.Messages = append(conv.Messages, msg)
			return convstore.ResultAppended, nil
		}
	}
	f.convs = append(f.convs, &convstore.Conversation{
		ThreadID:     threadID,
		TenantUserID: tenantUserID,
		Messages:     []convstore.Message{msg},
	})
	return convstore.ResultCreated, nil
}

func (f *fakeConvs) messageCount(threadID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conv := range f.convs {
		if conv.ThreadID == threadID {
			return len(conv.Messages)
		}
	}
	return 0
}

func (f *fakeConvs) totalMessages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, conv := range f.convs {
		n += len(conv.Messages)
	}
	return n
}

// fakeProvider serves canned change feeds keyed by since-cursor and canned
// messages, recording fetches and sends.
type fakeProvider struct {
	mu              sync.Mutex
	subscribeCursor string
	subscribeErr    error
	changes         map[string]*ChangeList
	messages        map[string]*ProviderMessage
	fetchErr        map[string]error
	fetched         []string
	sent            []sendCall
	sendResult      *SentMessage
	sendErr         error
}

type sendCall struct {
	raw      string
	threadID string
}

func (f *fakeProvider) Subscribe(context.Context, string) (string, error) {
	if f.subscribeErr != nil {
		return "", f.subscribeErr
	}
	return f.subscribeCursor, nil
}

func (f *fakeProvider) ListChanges(_ context.Context, since string) (*ChangeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, ok := f.changes[since]
	if !ok {
		return nil, fmt.Errorf("%w: no feed for cursor %s", ErrProviderUnavailable, since)
	}
	return list, nil
}

func (f *fakeProvider) GetMessage(_ context.Context, id string) (*ProviderMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fetchErr[id]; ok {
		return nil, err
	}
	f.fetched = append(f.fetched, id)
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return m, nil
}

func (f *fakeProvider) SendMessage(_ context.Context, raw []byte, threadID string) (*SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sendCall{raw: string(raw), threadID: threadID})
	return f.sendResult, nil
}

func (f *fakeProvider) ListMessages(context.Context, int64) ([]MessageRef, error) {
	return nil, nil
}

func (f *fakeProvider) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func staticFactory(p Provider) ProviderFactory {
	return func(context.Context, string) (Provider, error) {
		return p, nil
	}
}

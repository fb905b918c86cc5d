package mailsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxbridge/mailsync/internal/convstore"
	"github.com/inboxbridge/mailsync/internal/credstore"
)

const (
	testTenant  = "tenant-1"
	testMailbox = "ada@example.com"
)

func testCredential(cursor string) *credstore.Credential {
	return &credstore.Credential{
		TenantUserID: testTenant,
		Email:        testMailbox,
		ProfileID:    "profile-1",
		Cursor:       cursor,
	}
}

func rootMessage(header string) convstore.Message {
	return convstore.Message{
		ProviderMessageID: "root-1",
		MessageIDHeader:   header,
		Subject:           "original",
	}
}

func newTestReconciler(creds *fakeCreds, convs *fakeConvs, provider Provider) *Reconciler {
	log := testLogger()
	return NewReconciler(creds, staticFactory(provider), &Correlator{Convs: convs, Log: log}, log)
}

func TestReconcile_ReplyAppendedAndCursorAdvanced(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{{MessageID: "m1", Labels: []string{"INBOX"}}},
				NewCursor: "105",
			},
		},
		messages: map[string]*ProviderMessage{
			"m1": {
				ID:       "m1",
				ThreadID: "thread-1",
				Labels:   []string{"INBOX"},
				Headers: map[string]string{
					"Message-ID":  "<reply@mail.example>",
					"In-Reply-To": "<root@mail.example>",
					"From":        "Bob <bob@example.com>",
					"Subject":     "Re: original",
				},
				Body: "sounds good",
			},
		},
	}

	r := newTestReconciler(creds, convs, provider)
	saved, err := r.Reconcile(context.Background(), testMailbox, "105")

	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "m1", saved[0].ProviderMessageID)
	assert.Equal(t, "<root@mail.example>", saved[0].InReplyTo)
	assert.Equal(t, 2, convs.messageCount("thread-1"))
	assert.Equal(t, "105", creds.cursor(testTenant))
}

func TestReconcile_EmptyRangeStillAdvancesCursor(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {NewCursor: "105"},
		},
	}

	r := newTestReconciler(creds, convs, provider)
	saved, err := r.Reconcile(context.Background(), testMailbox, "105")

	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Equal(t, 1, convs.messageCount("thread-1"))
	assert.Equal(t, "105", creds.cursor(testTenant))
}

func TestReconcile_FetchFailureLeavesCursorUntouched(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	msg := func(id string) *ProviderMessage {
		return &ProviderMessage{
			ID:       id,
			ThreadID: "thread-1",
			Headers: map[string]string{
				"Message-ID":  "<" + id + "@mail.example>",
				"In-Reply-To": "<root@mail.example>",
			},
		}
	}

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{
					{MessageID: "m1"},
					{MessageID: "m2"},
					{MessageID: "m3"},
				},
				NewCursor: "110",
			},
		},
		messages: map[string]*ProviderMessage{"m1": msg("m1"), "m3": msg("m3")},
		fetchErr: map[string]error{"m2": errors.New("connection reset")},
	}

	r := newTestReconciler(creds, convs, provider)
	_, err := r.Reconcile(context.Background(), testMailbox, "110")

	require.Error(t, err)
	assert.Equal(t, "100", creds.cursor(testTenant))
	// The batch aborted before correlation: no conversation mutations.
	assert.Equal(t, 1, convs.messageCount("thread-1"))
	assert.True(t, IsRetryable(err))
}

func TestReconcile_DraftsNeverReachCorrelation(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{{MessageID: "d1", Labels: []string{"DRAFT"}}},
				NewCursor: "105",
			},
		},
		messages: map[string]*ProviderMessage{},
	}

	r := newTestReconciler(creds, convs, provider)
	saved, err := r.Reconcile(context.Background(), testMailbox, "105")

	require.NoError(t, err)
	assert.Empty(t, saved)
	assert.Empty(t, provider.fetchedIDs(), "draft must not be fetched")
	assert.Equal(t, "105", creds.cursor(testTenant))
}

func TestReconcile_ReferencesFallbackCorrelates(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{{MessageID: "m1"}},
				NewCursor: "105",
			},
		},
		messages: map[string]*ProviderMessage{
			"m1": {
				ID:       "m1",
				ThreadID: "thread-1",
				Headers: map[string]string{
					"Message-ID": "<reply@mail.example>",
					"References": "<older@mail.example> <root@mail.example>",
				},
			},
		},
	}

	r := newTestReconciler(creds, convs, provider)
	saved, err := r.Reconcile(context.Background(), testMailbox, "105")

	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "<root@mail.example>", saved[0].InReplyTo)
	assert.Equal(t, 2, convs.messageCount("thread-1"))
}

func TestReconcile_UnknownMailbox(t *testing.T) {
	r := newTestReconciler(newFakeCreds(), &fakeConvs{}, &fakeProvider{})

	_, err := r.Reconcile(context.Background(), "ghost@example.com", "105")

	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.False(t, IsRetryable(err))
}

func TestReconcile_MissingCursorRequiresWatch(t *testing.T) {
	creds := newFakeCreds(testCredential(""))
	r := newTestReconciler(creds, &fakeConvs{}, &fakeProvider{})

	_, err := r.Reconcile(context.Background(), testMailbox, "105")

	assert.ErrorIs(t, err, ErrMissingCursor)
	assert.False(t, IsRetryable(err))
}

func TestReconcile_ConcurrentNotificationsApplyOnce(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	reply := func(id string) *ProviderMessage {
		return &ProviderMessage{
			ID:       id,
			ThreadID: "thread-1",
			Headers: map[string]string{
				"Message-ID":  "<" + id + "@mail.example>",
				"In-Reply-To": "<root@mail.example>",
			},
		}
	}

	// The change feed is a history log: whichever pass runs first drains
	// everything after its stored cursor, the second sees the remainder.
	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{{MessageID: "m1"}, {MessageID: "m2"}},
				NewCursor: "110",
			},
			"105": {
				Additions: []ChangeAdded{{MessageID: "m2"}},
				NewCursor: "110",
			},
			"110": {NewCursor: "110"},
		},
		messages: map[string]*ProviderMessage{"m1": reply("m1"), "m2": reply("m2")},
	}

	r := newTestReconciler(creds, convs, provider)

	var wg sync.WaitGroup
	for _, cursor := range []string{"105", "110"} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			_, err := r.Reconcile(context.Background(), testMailbox, c)
			assert.NoError(t, err)
		}(cursor)
	}
	wg.Wait()

	assert.Equal(t, "110", creds.cursor(testTenant))
	// Root plus exactly one copy of each reply, regardless of arrival order.
	assert.Equal(t, 3, convs.messageCount("thread-1"))
}

func TestReconcile_ReplayedBatchIsDeduplicated(t *testing.T) {
	creds := newFakeCreds(testCredential("100"))
	convs := &fakeConvs{}
	convs.seed("thread-1", testTenant, rootMessage("<root@mail.example>"))

	provider := &fakeProvider{
		changes: map[string]*ChangeList{
			"100": {
				Additions: []ChangeAdded{{MessageID: "m1"}},
				NewCursor: "105",
			},
			"105": {
				// Redelivered notification replays the same addition.
				Additions: []ChangeAdded{{MessageID: "m1"}},
				NewCursor: "105",
			},
		},
		messages: map[string]*ProviderMessage{
			"m1": {
				ID:       "m1",
				ThreadID: "thread-1",
				Headers: map[string]string{
					"Message-ID":  "<reply@mail.example>",
					"In-Reply-To": "<root@mail.example>",
				},
			},
		},
	}

	r := newTestReconciler(creds, convs, provider)

	_, err := r.Reconcile(context.Background(), testMailbox, "105")
	require.NoError(t, err)
	saved, err := r.Reconcile(context.Background(), testMailbox, "105")
	require.NoError(t, err)

	assert.Empty(t, saved)
	assert.Equal(t, 2, convs.messageCount("thread-1"))
	assert.Equal(t, "105", creds.cursor(testTenant))
}

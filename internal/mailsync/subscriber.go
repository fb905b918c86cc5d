package mailsync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inboxbridge/mailsync/internal/credstore"
)

// Subscriber registers the provider-side watch for a tenant mailbox and
// persists the baseline cursor the watch starts from. Registration is
// idempotent: providers expire subscriptions, so calling it again simply
// refreshes the watch and re-baselines the cursor.
type Subscriber struct {
	Creds     CredentialStore
	Providers ProviderFactory
	Topic     string
	Log       *logrus.Logger
}

// RegisterWatch subscribes the tenant's mailbox to change notifications and
// stores the returned baseline cursor on the credential.
func (s *Subscriber) RegisterWatch(ctx context.Context, tenantUserID string) (string, error) {
	provider, err := s.Providers(ctx, tenantUserID)
	if err != nil {
		return "", err
	}

	cursor, err := provider.Subscribe(ctx, s.Topic)
	if err != nil {
		s.Log.WithError(err).WithField("tenant_user_id", tenantUserID).Error("watch registration failed")
		return "", fmt.Errorf("%w: %v", ErrSubscriptionFailed, err)
	}

	// The baseline overwrites whatever cursor was stored: a lapsed watch may
	// legitimately restart from a fresh position.
	if err := s.Creds.UpdateFields(ctx, tenantUserID, credstore.Fields{Cursor: &cursor}); err != nil {
		return "", fmt.Errorf("failed to persist baseline cursor: %w", err)
	}

	s.Log.WithFields(logrus.Fields{
		"tenant_user_id": tenantUserID,
		"cursor":         cursor,
		"topic":          s.Topic,
	}).Info("mailbox watch registered")

	return cursor, nil
}

package mailsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// reconcileState tracks one pass through the delta pipeline. The cursor may
// only move in stateAdvanced, reached strictly after every fetch in the batch
// succeeded; any earlier failure leaves the watermark where it was so the
// next notification re-derives the same range.
type reconcileState int

const (
	stateIdle reconcileState = iota
	stateFetching
	statePersisting
	stateAdvanced
)

func (s reconcileState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case statePersisting:
		return "persisting"
	case stateAdvanced:
		return "advanced"
	default:
		return "idle"
	}
}

// Reconciler drives the webhook-triggered delta pass: fetch every change
// between the stored cursor and the notified one, hand inbound messages to
// the correlator, then advance the cursor.
type Reconciler struct {
	Creds      CredentialStore
	Providers  ProviderFactory
	Correlator *Correlator
	Log        *logrus.Logger

	locks *tenantLocks
}

func NewReconciler(creds CredentialStore, providers ProviderFactory, correlator *Correlator, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		Creds:      creds,
		Providers:  providers,
		Correlator: correlator,
		Log:        log,
		locks:      newTenantLocks(),
	}
}

// Reconcile processes one change notification for the mailbox identified by
// emailAddress and returns the inbound messages that were appended to
// conversations. Passes for the same tenant are serialized; different
// tenants proceed in parallel.
func (r *Reconciler) Reconcile(ctx context.Context, emailAddress, newCursor string) ([]InboundMessage, error) {
	cred, err := r.Creds.GetByEmail(ctx, emailAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: mailbox %s", ErrTenantNotFound, emailAddress)
	}

	lock := r.locks.get(cred.TenantUserID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent pass may have advanced the cursor
	// while we waited.
	cred, err = r.Creds.Get(ctx, cred.TenantUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: mailbox %s", ErrTenantNotFound, emailAddress)
	}
	if cred.Cursor == "" {
		return nil, ErrMissingCursor
	}

	provider, err := r.Providers(ctx, cred.TenantUserID)
	if err != nil {
		return nil, err
	}

	log := r.Log.WithFields(logrus.Fields{
		"tenant_user_id": cred.TenantUserID,
		"prev_cursor":    cred.Cursor,
		"new_cursor":     newCursor,
	})

	state := stateIdle

	state = stateFetching
	changes, err := provider.ListChanges(ctx, cred.Cursor)
	if err != nil {
		log.WithError(err).WithField("state", state.String()).Error("history fetch failed")
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	target := changes.NewCursor
	if target == "" {
		target = newCursor
	}

	if len(changes.Additions) == 0 {
		// A notification with no visible change still advances the cursor;
		// otherwise every later delta would re-scan this range.
		if err := r.Creds.AdvanceCursor(ctx, cred.TenantUserID, target); err != nil {
			return nil, err
		}
		state = stateAdvanced
		log.WithField("state", state.String()).Info("no changes in range, cursor advanced")
		return nil, nil
	}

	inbound := make([]InboundMessage, 0, len(changes.Additions))
	seen := make(map[string]bool)
	for _, added := range changes.Additions {
		if seen[added.MessageID] {
			continue
		}
		seen[added.MessageID] = true

		if isDraft(added.Labels) {
			log.WithField("message_id", added.MessageID).Debug("skipping draft")
			continue
		}

		msg, err := provider.GetMessage(ctx, added.MessageID)
		if err != nil {
			// Abort the whole batch with the cursor unadvanced; the next
			// notification re-derives this range. Messages already appended
			// in an earlier retry are shielded by the correlator's dedup.
			log.WithError(err).WithFields(logrus.Fields{
				"state":      state.String(),
				"message_id": added.MessageID,
			}).Error("message fetch failed, batch aborted")
			return nil, fmt.Errorf("failed to fetch message %s: %w", added.MessageID, err)
		}

		inbound = append(inbound, normalize(msg))
	}

	state = statePersisting
	saved := make([]InboundMessage, 0, len(inbound))
	for _, m := range inbound {
		outcome, err := r.Correlator.Correlate(ctx, cred.TenantUserID, m)
		if err != nil {
			// One bad message must not block its siblings or the cursor
			// advance for the batch.
			log.WithError(err).WithField("message_id", m.ProviderMessageID).Error("correlation failed")
			continue
		}
		if outcome == OutcomeAppended {
			saved = append(saved, m)
		}
	}

	if err := r.Creds.AdvanceCursor(ctx, cred.TenantUserID, target); err != nil {
		return nil, err
	}
	state = stateAdvanced

	log.WithFields(logrus.Fields{
		"state":    state.String(),
		"fetched":  len(inbound),
		"appended": len(saved),
	}).Info("reconciliation complete")

	return saved, nil
}

// IsRetryable reports whether a reconcile failure is safe to redeliver: the
// cursor is unadvanced on every failure path, so anything that is not a
// configuration error can be retried.
func IsRetryable(err error) bool {
	return !errors.Is(err, ErrTenantNotFound) && !errors.Is(err, ErrMissingCursor) && !errors.Is(err, ErrAuthenticationFailed)
}

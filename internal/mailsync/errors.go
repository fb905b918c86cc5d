package mailsync

import "errors"

// Error taxonomy for the sync engine. Callers branch on these with errors.Is;
// the HTTP layer maps them onto response codes.
var (
	// ErrTenantNotFound: no tenant user matches the mailbox a notification
	// named. Operator action required, retrying will not help.
	ErrTenantNotFound = errors.New("tenant user not found")

	// ErrAuthenticationFailed: the provider rejected our credentials. The
	// tenant must re-consent before retrying.
	ErrAuthenticationFailed = errors.New("provider authentication failed")

	// ErrSubscriptionFailed: the watch registration failed. Retryable and
	// non-fatal to the request that triggered it.
	ErrSubscriptionFailed = errors.New("subscription registration failed")

	// ErrMissingCursor: no baseline cursor is stored; RegisterWatch must run
	// before deltas can be reconciled.
	ErrMissingCursor = errors.New("previous cursor not found")

	// ErrOriginalMessageNotFound: an outbound reply referenced a Message-ID
	// this system has never tracked.
	ErrOriginalMessageNotFound = errors.New("original message not found")

	// ErrProviderUnavailable: transient provider failure, retry with backoff.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

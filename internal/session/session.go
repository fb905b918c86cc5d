// Package session owns the per-tenant authenticated Gmail client handles.
// Handles live in a registry keyed by tenant user id: repeated Ensure calls
// return the same session, so each handle carries exactly one token-refresh
// observer for its whole lifetime.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/inboxbridge/mailsync/internal/credstore"
	"github.com/inboxbridge/mailsync/internal/mailsync"
	gmailadapter "github.com/inboxbridge/mailsync/internal/providers/gmail"
)

// Session is one tenant's authenticated provider handle.
type Session struct {
	TenantUserID string
	Email        string
	ProfileID    string
	Svc          *gmailv1.Service
}

// Registry builds and caches sessions. It is safe for concurrent use.
type Registry struct {
	creds    mailsync.CredentialStore
	oauthCfg *oauth2.Config
	log      *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(creds mailsync.CredentialStore, oauthCfg *oauth2.Config, log *logrus.Logger) *Registry {
	return &Registry{
		creds:    creds,
		oauthCfg: oauthCfg,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the tenant's session, building it on first use. The stored
// access token is installed expired, so the first provider call refreshes it;
// afterwards the oauth2 transport only talks to the token endpoint when the
// provider proactively expires the token.
func (r *Registry) Ensure(ctx context.Context, tenantUserID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[tenantUserID]; ok {
		return sess, nil
	}

	cred, err := r.creds.Get(ctx, tenantUserID)
	if err != nil {
		return nil, err
	}

	initial := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}

	// The session outlives the request that created it, so the token source
	// is bound to the background context, not ctx.
	source := &persistingTokenSource{
		tenantUserID: tenantUserID,
		creds:        r.creds,
		base:         r.oauthCfg.TokenSource(context.Background(), initial),
		last:         initial,
		log:          r.log,
	}

	svc, err := gmailv1.NewService(context.Background(), option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	sess := &Session{
		TenantUserID: tenantUserID,
		Email:        cred.Email,
		ProfileID:    cred.ProfileID,
		Svc:          svc,
	}
	r.sessions[tenantUserID] = sess
	return sess, nil
}

// ProviderFactory adapts the registry to the sync engine's factory contract.
func (r *Registry) ProviderFactory() mailsync.ProviderFactory {
	return func(ctx context.Context, tenantUserID string) (mailsync.Provider, error) {
		sess, err := r.Ensure(ctx, tenantUserID)
		if err != nil {
			return nil, err
		}
		return gmailadapter.New(sess.Svc, sess.ProfileID), nil
	}
}

// persistingTokenSource is the registry's token-refresh observer. It defers
// to the reuse source underneath and writes refreshed tokens back to the
// credential store as a partial update: a new refresh token persists both
// fields, an access-only refresh leaves the stored refresh token untouched.
type persistingTokenSource struct {
	tenantUserID string
	creds        mailsync.CredentialStore
	base         oauth2.TokenSource
	log          *logrus.Logger

	mu   sync.Mutex
	last *oauth2.Token
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok, err := p.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailsync.ErrAuthenticationFailed, err)
	}

	if tok.AccessToken != p.last.AccessToken {
		fields := credstore.Fields{AccessToken: &tok.AccessToken}
		if tok.RefreshToken != "" && tok.RefreshToken != p.last.RefreshToken {
			fields.RefreshToken = &tok.RefreshToken
		}
		if err := p.creds.UpdateFields(context.Background(), p.tenantUserID, fields); err != nil {
			// Keep serving the refreshed token; persistence will catch up on
			// the next refresh.
			p.log.WithError(err).WithField("tenant_user_id", p.tenantUserID).Error("failed to persist refreshed token")
		} else {
			p.log.WithField("tenant_user_id", p.tenantUserID).Info("refreshed token persisted")
		}
	}

	p.last = tok
	return tok, nil
}

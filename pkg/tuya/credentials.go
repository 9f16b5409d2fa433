package tuya

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/metrics"
)

// Token states reported by Status.
const (
	TokenStateNone    = "no_token"
	TokenStateActive  = "active"
	TokenStateExpired = "expired"
)

// TokenIssuer obtains new access tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (Token, error)
}

// Credential is the cached access token.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenStatus describes the cached credential without exposing the token.
type TokenStatus struct {
	State     string
	ExpiresAt time.Time
	Remaining time.Duration
	Valid     bool
}

// CredentialCache holds the current access token and renews it on demand.
//
// The check-and-renew sequence runs under one mutex: concurrent callers that
// find no usable credential trigger a single issuer call and share its token,
// and nobody observes a credential halfway through renewal.
type CredentialCache struct {
	issuer  TokenIssuer
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.Mutex
	cred *Credential
}

// NewCredentialCache creates an empty cache; the first EnsureValid renews.
func NewCredentialCache(issuer TokenIssuer, logger *slog.Logger, m *metrics.Metrics) *CredentialCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		issuer:  issuer,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// EnsureValid returns a token that is at least TokenRenewBefore away from
// expiry, renewing it first when needed. A failed renewal leaves the cached
// credential untouched and is returned as a *CredentialError; it is not retried.
func (c *CredentialCache) EnsureValid(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.usableLocked(c.now()) {
		return c.cred.Token, nil
	}
	cred, err := c.renewLocked(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Invalidate drops the cached credential so the next EnsureValid renews.
func (c *CredentialCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = nil
}

// Refresh forces a renewal regardless of the current credential's expiry.
// The old credential is discarded even if the renewal fails.
func (c *CredentialCache) Refresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cred = nil
	return c.renewLocked(ctx)
}

// Current returns a copy of the cached credential, if any.
func (c *CredentialCache) Current() (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred == nil {
		return Credential{}, false
	}
	return *c.cred, true
}

// Status reports whether a credential is cached and how long it has left.
func (c *CredentialCache) Status() TokenStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred == nil {
		return TokenStatus{State: TokenStateNone}
	}
	now := c.now()
	status := TokenStatus{
		State:     TokenStateExpired,
		ExpiresAt: c.cred.ExpiresAt,
	}
	if now.Before(c.cred.ExpiresAt) {
		status.State = TokenStateActive
		status.Valid = true
		status.Remaining = c.cred.ExpiresAt.Sub(now)
	}
	return status
}

func (c *CredentialCache) usableLocked(now time.Time) bool {
	return c.cred != nil && now.Before(c.cred.ExpiresAt.Add(-config.TokenRenewBefore))
}

// renewLocked must be called with c.mu held.
func (c *CredentialCache) renewLocked(ctx context.Context) (Credential, error) {
	issuedAt := c.now()
	c.logger.Info("renewing Tuya access token")

	tok, err := c.issuer.IssueToken(ctx)
	c.metrics.TokenRenewal(err)
	if err != nil {
		var credErr *CredentialError
		if !errors.As(err, &credErr) {
			err = &CredentialError{Err: err}
		}
		c.logger.Warn("token renewal failed", "error", err)
		return Credential{}, err
	}

	cred := Credential{
		Token:     tok.AccessToken,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(tok.ExpiresIn),
	}
	c.cred = &cred
	c.logger.Info("token renewed", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred, nil
}

// Package token owns one backend login's credential: it performs the initial
// exchange lazily, refreshes under concurrent access with a single-flight
// guarantee, and replaces the stored credential atomically so readers never
// observe a torn value. One Manager is shared by all sessions of a login.
package token

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/driveput/driveput"
)

// Exchanger is the external token-exchange capability: it trades a stored
// refresh token (or equivalent) for a new access token plus expiry.
type Exchanger interface {
	Exchange(ctx context.Context) (driveput.Credential, error)
}

// ExchangerFunc adapts a function to Exchanger.
type ExchangerFunc func(ctx context.Context) (driveput.Credential, error)

// Exchange calls f.
func (f ExchangerFunc) Exchange(ctx context.Context) (driveput.Credential, error) {
	return f(ctx)
}

// refreshKey is the singleflight key; a Manager only ever refreshes one
// credential.
const refreshKey = "refresh"

// Manager implements driveput.CredentialSource. Mutation happens only via
// atomic whole-value replace; concurrent refreshers share one in-flight
// exchange and its result.
type Manager struct {
	exch   Exchanger
	logger *slog.Logger

	cred  atomic.Pointer[driveput.Credential]
	group singleflight.Group
}

// NewManager creates a Manager around the given exchange capability.
// The first credential is obtained lazily, on first use.
func NewManager(exch Exchanger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{exch: exch, logger: logger}
}

// Static returns a Manager pre-loaded with a never-expiring credential and
// no exchange capability. Used for backends with fixed secrets, such as
// WebDAV basic auth; any forced refresh yields an auth error.
func Static(accessToken string, logger *slog.Logger) *Manager {
	m := NewManager(nil, logger)
	m.cred.Store(&driveput.Credential{AccessToken: accessToken})

	return m
}

// Current returns the latest known credential without blocking, unless none
// has ever been obtained, in which case it performs the initial exchange.
// A stale credential is served as-is; callers that need freshness use
// EnsureFresh.
func (m *Manager) Current(ctx context.Context) (driveput.Credential, error) {
	if c := m.cred.Load(); c != nil {
		return *c, nil
	}

	return m.refresh(ctx)
}

// EnsureFresh returns the current credential when its expiry is farther than
// margin from now; otherwise it refreshes. Concurrent callers during an
// in-flight refresh all receive that refresh's result — the exchange
// capability is invoked exactly once per refresh cycle.
func (m *Manager) EnsureFresh(ctx context.Context, margin time.Duration) (driveput.Credential, error) {
	if c := m.cred.Load(); c != nil && c.FreshFor(margin) {
		return *c, nil
	}

	return m.refresh(ctx)
}

// Refresh forces a refresh regardless of the current expiry. Concurrent
// forced refreshes still collapse into one exchange.
func (m *Manager) Refresh(ctx context.Context) (driveput.Credential, error) {
	return m.refresh(ctx)
}

// refresh performs one single-flight exchange and atomically replaces the
// stored credential. On failure the stale credential stays in place for
// Current readers, and the auth error is surfaced to the caller.
func (m *Manager) refresh(ctx context.Context) (driveput.Credential, error) {
	v, err, shared := m.group.Do(refreshKey, func() (any, error) {
		if m.exch == nil {
			return nil, driveput.Errf(driveput.KindAuth, "credential expired and no exchange capability configured")
		}

		cred, err := m.exch.Exchange(ctx)
		if err != nil {
			m.logger.Warn("token refresh failed", slog.String("error", err.Error()))

			if driveput.IsKind(err, driveput.KindAuth) {
				return nil, err
			}

			return nil, driveput.WrapErr(driveput.KindAuth, err, "refreshing credential")
		}

		m.cred.Store(&cred)
		m.logger.Info("credential refreshed", slog.Time("expires_at", cred.ExpiresAt))

		return cred, nil
	})
	if err != nil {
		return driveput.Credential{}, err
	}

	if shared {
		m.logger.Debug("credential refresh shared with concurrent caller")
	}

	return v.(driveput.Credential), nil //nolint:forcetypeassert // Do only ever returns a Credential
}

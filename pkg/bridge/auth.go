package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/meshcore-net/meshbridge/pkg/config"
	"github.com/meshcore-net/meshbridge/pkg/token"
	"github.com/meshcore-net/meshbridge/pkg/util"
)

const (
	// tokenTTL is the lifetime of minted broker auth tokens.
	tokenTTL = time.Hour
	// tokenReuseMargin keeps a cached token out of use once it has less
	// than this much life left.
	tokenReuseMargin = 5 * time.Minute
)

type tokenCacheEntry struct {
	token     string
	createdAt time.Time
}

// credentials produces the username/password pair for one broker, minting or
// reusing a signed token when the broker wants token auth.
func (m *Manager) credentials(idx int, broker config.Broker, forceRefresh bool) (string, string, error) {
	name := broker.DisplayName(idx)

	switch broker.Auth.Method {
	case config.AuthToken:
		if !m.identity.CanSign() {
			return "", "", fmt.Errorf("%w: private key not available from device for auth token", util.ErrAuthUnavailable)
		}
		username := "v1_" + strings.ToUpper(m.identity.PublicKey)

		now := m.now()
		m.tokenMu.Lock()
		cached, ok := m.tokenCache[idx]
		m.tokenMu.Unlock()
		if ok && !forceRefresh {
			age := now.Sub(cached.createdAt)
			if age < tokenTTL-tokenReuseMargin {
				util.WithBroker(name).Debugf("Using cached auth token (age: %.0fs)", age.Seconds())
				return username, cached.token, nil
			}
		}

		claims := token.Claims{}
		if broker.Auth.Audience != "" {
			claims["aud"] = broker.Auth.Audience
		}

		// Ownership claims ride only on verified TLS connections.
		secure := broker.TLS.Enabled && broker.TLS.VerifyEnabled()
		if secure {
			if broker.Auth.Owner != "" {
				claims["owner"] = broker.Auth.Owner
			}
			if broker.Auth.Email != "" {
				claims["email"] = strings.ToLower(broker.Auth.Email)
			}
		} else if broker.Auth.Owner != "" || broker.Auth.Email != "" {
			util.WithBroker(name).Debug("Skipping email/owner in token - TLS and TLS verify must both be enabled")
		}
		claims["client"] = m.clientVersion

		password, err := token.Create(m.identity.PublicKey, m.identity.PrivateKey, tokenTTL, claims)
		if err != nil {
			return "", "", fmt.Errorf("generating auth token: %w", err)
		}
		m.tokenMu.Lock()
		m.tokenCache[idx] = tokenCacheEntry{token: password, createdAt: now}
		m.tokenMu.Unlock()
		util.WithBroker(name).Debug("Generated fresh auth token (1h expiry)")
		return username, password, nil

	case config.AuthPassword:
		return broker.Auth.Username, broker.Auth.Password, nil

	default:
		return "", "", nil
	}
}

// invalidateToken drops the cached token so the next connect mints a fresh
// one.
func (m *Manager) invalidateToken(idx int) {
	m.tokenMu.Lock()
	delete(m.tokenCache, idx)
	m.tokenMu.Unlock()
}

// Package auth exchanges the long-lived app identity for short-lived,
// installation-scoped access tokens. Tokens live only in memory for their
// lifetime and are shared across sessions targeting the same installation.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/reviewdesk/internal/registry"
	"github.com/reviewdesk/internal/retry"
)

// ErrorKind classifies credential failures.
type ErrorKind int

const (
	// NotInstalled: no installation covers the repository. Recoverable by
	// operator action, not by retrying.
	NotInstalled ErrorKind = iota
	// ExchangeFailed: the token endpoint kept failing after bounded retries.
	ExchangeFailed
)

// Error is the credential manager's failure type.
type Error struct {
	Kind  ErrorKind
	Owner string
	Repo  string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case NotInstalled:
		return fmt.Sprintf("no installation for %s/%s", e.Owner, e.Repo)
	default:
		return fmt.Sprintf("token exchange failed for %s/%s: %v", e.Owner, e.Repo, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Remediation is the user-facing next step for this failure.
func (e *Error) Remediation() string {
	if e.Kind == NotInstalled {
		return fmt.Sprintf("Install the app on %s/%s and try again.", e.Owner, e.Repo)
	}
	return "The source host could not issue a token; try again in a few minutes."
}

// AccessToken is a short-lived installation token. Never persisted.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

const (
	// expiryMargin: a cached token this close to expiry is treated as
	// expired so it cannot die mid-request.
	expiryMargin = 2 * time.Minute
	// assertionTTL is the lifetime of the signed app assertion.
	assertionTTL = 10 * time.Minute
)

// Manager caches installation tokens keyed by installation id and
// serializes refreshes so concurrent requesters share one in-flight
// exchange per installation.
type Manager struct {
	appID    string
	key      *rsa.PrivateKey
	apiURL   string
	registry registry.Registry
	httpc    *http.Client
	retry    retry.Config
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[int64]AccessToken
	group singleflight.Group

	now func() time.Time
}

// NewManager builds a credential manager from the app id and its PEM-encoded
// RSA private key. The key bytes are parsed once and never logged.
func NewManager(appID string, privateKeyPEM []byte, apiURL string, reg registry.Registry, logger zerolog.Logger) (*Manager, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	return &Manager{
		appID:    appID,
		key:      key,
		apiURL:   apiURL,
		registry: reg,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		retry:    retry.TokenExchangeConfig(),
		log:      logger,
		cache:    make(map[int64]AccessToken),
		now:      time.Now,
	}, nil
}

// TokenFor returns a valid installation token for owner/repo, from cache
// when possible. Exactly one exchange is in flight per installation.
func (m *Manager) TokenFor(ctx context.Context, owner, repo string) (*AccessToken, error) {
	instID, err := m.registry.InstallationFor(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, registry.ErrNotInstalled) {
			return nil, &Error{Kind: NotInstalled, Owner: owner, Repo: repo, Err: err}
		}
		return nil, &Error{Kind: ExchangeFailed, Owner: owner, Repo: repo, Err: err}
	}

	if tok, ok := m.cached(instID); ok {
		return &tok, nil
	}

	v, err, _ := m.group.Do(strconv.FormatInt(instID, 10), func() (interface{}, error) {
		// A requester that queued behind the winner finds the fresh token.
		if tok, ok := m.cached(instID); ok {
			return tok, nil
		}
		tok, err := m.exchange(ctx, instID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[instID] = tok
		m.mu.Unlock()
		m.log.Debug().Int64("installation", instID).Time("expires_at", tok.ExpiresAt).
			Msg("installation token refreshed")
		return tok, nil
	})
	if err != nil {
		return nil, &Error{Kind: ExchangeFailed, Owner: owner, Repo: repo, Err: err}
	}
	tok := v.(AccessToken)
	return &tok, nil
}

// Flush discards every cached token. Called on shutdown and explicit revoke.
func (m *Manager) Flush() {
	m.mu.Lock()
	m.cache = make(map[int64]AccessToken)
	m.mu.Unlock()
}

func (m *Manager) cached(instID int64) (AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.cache[instID]
	if !ok || m.now().After(tok.ExpiresAt.Add(-expiryMargin)) {
		return AccessToken{}, false
	}
	return tok, true
}

// appAssertion signs the short-lived RS256 assertion that identifies the
// app to the token endpoint. iat is backdated 60s to tolerate clock skew.
func (m *Manager) appAssertion() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
}

func (m *Manager) exchange(ctx context.Context, instID int64) (AccessToken, error) {
	var tok AccessToken
	res := retry.WithBackoff(ctx, m.retry, m.log, func() error {
		assertion, err := m.appAssertion()
		if err != nil {
			return err
		}
		t, err := m.requestToken(ctx, instID, assertion)
		if err != nil {
			return err
		}
		tok = t
		return nil
	})
	if !res.Success {
		return AccessToken{}, res.LastError
	}
	return tok, nil
}

func (m *Manager) requestToken(ctx context.Context, instID int64, assertion string) (AccessToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", m.apiURL, instID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return AccessToken{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "ReviewDesk-Bot")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return AccessToken{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return AccessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return AccessToken{}, fmt.Errorf("token endpoint returned an empty token")
	}
	return AccessToken{Value: payload.Token, ExpiresAt: payload.ExpiresAt}, nil
}

// Package exchange implements the KIS (Korea Investment & Securities)
// REST and WebSocket clients.
//
// Auth owns the OAuth2 token lifecycle for up to two credential sets:
//
//   - Primary: the configured trading mode (live or paper). Every REST
//     call carries its bearer token.
//
//   - Real fallback (optional, paper mode only): a live-endpoint set used
//     transparently for operations paper trading does not cover.
//
// Tokens are valid 24h minus a 5-minute safety window; each set refreshes
// itself with double-checked locking 300s before expiry. The WebSocket
// approval key is fetched once at construction. Credentials are never
// logged.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"kis-trader/internal/config"
)

const (
	tokenValidity    = 24*time.Hour - 5*time.Minute
	tokenRefreshLead = 300 * time.Second
	tokenAttempts    = 5
	tokenRetryDelay  = 65 * time.Second
)

// credSet is one credential set with its independently-locked token.
// The two sets' mutexes are never nested.
type credSet struct {
	creds config.Credentials

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// Auth manages OAuth2 tokens and builds per-request header maps.
type Auth struct {
	cfg      *config.Config
	primary  *credSet
	fallback *credSet // nil unless dual-credentials mode

	approvalKey string

	http       *resty.Client
	retryDelay time.Duration // tokenRetryDelay; shortened in tests
	logger     *slog.Logger
}

// NewAuth creates an Auth, validates mode credentials and fetches the
// WebSocket approval key. Configuration problems are fatal here.
func NewAuth(cfg *config.Config, logger *slog.Logger) (*Auth, error) {
	if !cfg.Primary().Configured() {
		return nil, fmt.Errorf("%w: primary credentials incomplete", ErrConfig)
	}

	a := &Auth{
		cfg:        cfg,
		primary:    &credSet{creds: cfg.Primary()},
		http:       resty.New().SetTimeout(10 * time.Second),
		retryDelay: tokenRetryDelay,
		logger:     logger.With("component", "auth"),
	}
	if cfg.RealFallback != nil {
		a.fallback = &credSet{creds: *cfg.RealFallback}
	}

	key, err := a.fetchApprovalKey(context.Background())
	if err != nil {
		return nil, fmt.Errorf("fetch approval key: %w", err)
	}
	a.approvalKey = key

	return a, nil
}

// ApprovalKey returns the WebSocket approval key.
func (a *Auth) ApprovalKey() string { return a.approvalKey }

// HasRealFallback reports whether a real-endpoint credential set is configured.
func (a *Auth) HasRealFallback() bool { return a.fallback != nil }

// PrimaryURL returns the base URL of the trading-mode endpoint.
func (a *Auth) PrimaryURL() string { return a.primary.creds.URL }

// FallbackURL returns the base URL of the real-endpoint set, or "".
func (a *Auth) FallbackURL() string {
	if a.fallback == nil {
		return ""
	}
	return a.fallback.creds.URL
}

// AccountNo returns the trading-mode account number.
func (a *Auth) AccountNo() string { return a.primary.creds.AccountNo }

// BaseHeaders returns the standard authenticated headers for the primary
// set, refreshing its token when inside the refresh lead.
func (a *Auth) BaseHeaders(ctx context.Context) (map[string]string, error) {
	return a.headers(ctx, a.primary)
}

// RealAPIHeaders returns headers for the real-endpoint fallback set, or
// nil when dual-credentials mode is not configured.
func (a *Auth) RealAPIHeaders(ctx context.Context) (map[string]string, error) {
	if a.fallback == nil {
		return nil, nil
	}
	return a.headers(ctx, a.fallback)
}

func (a *Auth) headers(ctx context.Context, cs *credSet) (map[string]string, error) {
	token, err := a.freshToken(ctx, cs)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Content-Type":  "application/json",
		"Accept":        "text/plain",
		"charset":       "UTF-8",
		"User-Agent":    a.cfg.UserAgent,
		"appkey":        cs.creds.AppKey,
		"appsecret":     cs.creds.AppSecret,
		"authorization": "Bearer " + token,
		"custtype":      a.cfg.CustType,
	}, nil
}

// freshToken returns a valid token for the set, refreshing with
// double-checked locking when inside the refresh lead.
func (a *Auth) freshToken(ctx context.Context, cs *credSet) (string, error) {
	cs.mu.Lock()
	stale := cs.token == "" || time.Until(cs.expiry) <= tokenRefreshLead
	token := cs.token
	cs.mu.Unlock()
	if !stale {
		return token, nil
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	// Another goroutine may have refreshed while we waited on the mutex.
	if cs.token != "" && time.Until(cs.expiry) > tokenRefreshLead {
		return cs.token, nil
	}
	if err := a.fetchTokenLocked(ctx, cs); err != nil {
		return "", err
	}
	return cs.token, nil
}

// fetchTokenLocked performs the token grant: up to 5 attempts with a
// fixed gap, HTTP 403 (broker-side rate limit) always retryable, other
// transport errors retryable once.
func (a *Auth) fetchTokenLocked(ctx context.Context, cs *credSet) error {
	var transportRetried bool
	var lastErr error

	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.retryDelay):
			}
		}

		var body struct {
			AccessToken string `json:"access_token"`
		}
		resp, err := a.http.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"grant_type": "client_credentials",
				"appkey":     cs.creds.AppKey,
				"appsecret":  cs.creds.AppSecret,
			}).
			SetResult(&body).
			Post(cs.creds.URL + "/oauth2/tokenP")

		switch {
		case err != nil:
			lastErr = fmt.Errorf("%w: token fetch: %v", ErrTransport, err)
			if transportRetried {
				return lastErr
			}
			transportRetried = true
			a.logger.Warn("token fetch transport error, retrying once", "attempt", attempt)
			continue
		case resp.StatusCode() == http.StatusForbidden:
			lastErr = fmt.Errorf("%w: token fetch rate-limited (403)", ErrAuth)
			a.logger.Warn("token fetch rate-limited by broker, backing off",
				"attempt", attempt, "delay", a.retryDelay)
			continue
		case resp.StatusCode() != http.StatusOK || body.AccessToken == "":
			return fmt.Errorf("%w: token fetch status %d", ErrAuth, resp.StatusCode())
		}

		cs.token = body.AccessToken
		cs.expiry = time.Now().Add(tokenValidity)
		a.logger.Info("access token refreshed", "expires", cs.expiry)
		return nil
	}
	return lastErr
}

// fetchApprovalKey requests the WebSocket approval key for the primary set.
func (a *Auth) fetchApprovalKey(ctx context.Context) (string, error) {
	var body struct {
		ApprovalKey string `json:"approval_key"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     a.primary.creds.AppKey,
			"secretkey":  a.primary.creds.AppSecret,
		}).
		SetResult(&body).
		Post(a.primary.creds.URL + "/oauth2/Approval")
	if err != nil {
		return "", fmt.Errorf("%w: approval key: %v", ErrTransport, err)
	}
	if resp.StatusCode() != http.StatusOK || body.ApprovalKey == "" {
		return "", fmt.Errorf("%w: approval key status %d", ErrAuth, resp.StatusCode())
	}
	return body.ApprovalKey, nil
}

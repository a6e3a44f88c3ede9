package mpesa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	oauthPath = "/oauth/v1/generate"
	// tokens are refreshed this long before the provider says they expire
	tokenExpiryMargin = time.Minute
)

// TokenSource supplies bearer tokens for provider calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// OAuthTokenSource fetches client-credential tokens and caches them until shortly before expiry.
type OAuthTokenSource struct {
	http           *resty.Client
	consumerKey    string
	consumerSecret string
	logger         *zap.Logger
	now            func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewOAuthTokenSource(baseURL, consumerKey, consumerSecret string, timeout time.Duration, logger *zap.Logger) *OAuthTokenSource {
	return &OAuthTokenSource{
		http:           resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *OAuthTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, nil
	}

	var result tokenResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBasicAuth(s.consumerKey, s.consumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		SetResult(&result).
		Get(oauthPath)
	if err != nil {
		return "", fmt.Errorf("failed to request access token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("access token request failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.AccessToken == "" {
		return "", errors.New("access token response did not contain a token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(result.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenExpiryMargin {
		ttl -= tokenExpiryMargin
	}

	s.token = result.AccessToken
	s.expiresAt = s.now().Add(ttl)
	s.logger.Debug("Provider access token refreshed", zap.Time("expires_at", s.expiresAt))

	return s.token, nil
}

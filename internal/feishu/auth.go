package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/drivesync/internal/remote"
	"github.com/tonimelisma/drivesync/internal/tokenfile"
)

// ErrNoCredentials is returned when neither an access token nor a full
// app_id/app_secret pair is configured.
var ErrNoCredentials = errors.New("feishu: no access token or app credentials configured")

// tokenRefreshMargin renews a tenant token this long before it expires.
const tokenRefreshMargin = 5 * time.Minute

const tenantTokenPath = "/auth/v3/tenant_access_token/internal"

// Credentials selects how requests are authenticated.
type Credentials struct {
	BaseURL     string
	AppID       string
	AppSecret   string
	AccessToken string
	// CachePath, when set, keeps minted tenant tokens on disk across runs.
	CachePath string
}

// NewTokenSource returns a static source when an access token is set,
// otherwise a cached tenant token source minted from the app credentials.
// With a CachePath the tenant token also survives process restarts.
//
// ctx bounds every tenant token request, so it must outlive the source.
func NewTokenSource(ctx context.Context, creds Credentials, httpClient *http.Client, logger *slog.Logger) (oauth2.TokenSource, error) {
	if creds.AccessToken != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	}

	if creds.AppID == "" || creds.AppSecret == "" {
		return nil, ErrNoCredentials
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	src := &tenantTokenSource{
		ctx:        ctx,
		url:        baseURL + tenantTokenPath,
		appID:      creds.AppID,
		appSecret:  creds.AppSecret,
		httpClient: httpClient,
		logger:     logger,
	}

	var inner oauth2.TokenSource = src
	if creds.CachePath != "" {
		inner = tokenfile.NewCachingSource(creds.CachePath, creds.AppID, tokenRefreshMargin, src, logger)
	}

	return oauth2.ReuseTokenSourceWithExpiry(nil, inner, tokenRefreshMargin), nil
}

// tenantTokenSource exchanges app credentials for a tenant access token.
type tenantTokenSource struct {
	ctx        context.Context //nolint:containedctx // oauth2.TokenSource has no context parameter
	url        string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *slog.Logger
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// Token implements oauth2.TokenSource.
func (s *tenantTokenSource) Token() (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"app_id": s.appID, "app_secret": s.appSecret})
	if err != nil {
		return nil, fmt.Errorf("feishu: encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("feishu: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feishu: requesting tenant token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if err != nil {
		return nil, fmt.Errorf("feishu: reading tenant token: %w", err)
	}

	var tr tenantTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, apiError("tenant_token", resp.StatusCode, 0, string(bytes.TrimSpace(raw)), 0)
	}

	if tr.Code != 0 || resp.StatusCode >= http.StatusBadRequest {
		return nil, apiError("tenant_token", resp.StatusCode, tr.Code, tr.Msg, remote.ParseRetryAfter(resp.Header))
	}

	if tr.TenantAccessToken == "" {
		return nil, fmt.Errorf("feishu: tenant token response carried no token")
	}

	s.logger.Debug("tenant access token refreshed", slog.Int("expires_in_s", tr.Expire))

	return &oauth2.Token{
		AccessToken: tr.TenantAccessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Duration(tr.Expire) * time.Second),
	}, nil
}

package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const scope = "Calendars.Read offline_access"

// Auth handles the OAuth2 device code flow for Microsoft Graph.
type Auth struct {
	clientID   string
	tenantID   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAuth(clientID, tenantID string, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Auth{
		clientID: clientID,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (a *Auth) endpoint(path string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/%s", a.tenantID, path)
}

type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// TokenData is the cached token set on disk.
type TokenData struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
}

// IsExpired treats tokens expiring within 5 minutes as already expired.
func (t *TokenData) IsExpired() bool {
	return time.Now().Add(5 * time.Minute).After(t.ExpiresAt)
}

func (a *Auth) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("parsing response: %w", err)
	}
	return resp.StatusCode, nil
}

// StartDeviceCodeFlow requests a user code for the device flow.
func (a *Auth) StartDeviceCodeFlow(ctx context.Context) (*DeviceCodeResponse, error) {
	form := url.Values{
		"client_id": {a.clientID},
		"scope":     {scope},
	}

	var dc DeviceCodeResponse
	status, err := a.postForm(ctx, a.endpoint("devicecode"), form, &dc)
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device code request failed (status %d)", status)
	}
	return &dc, nil
}

// PollForToken polls the token endpoint until the user authorizes the app.
func (a *Auth) PollForToken(ctx context.Context, deviceCode string, interval int) (*TokenData, error) {
	if interval < 1 {
		interval = 5
	}

	form := url.Values{
		"client_id":   {a.clientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(interval) * time.Second):
		}

		var tr tokenResponse
		if _, err := a.postForm(ctx, a.endpoint("token"), form, &tr); err != nil {
			return nil, fmt.Errorf("polling for token: %w", err)
		}

		switch tr.Error {
		case "":
			return tokenData(tr), nil
		case "authorization_pending":
			a.logger.Debug("waiting for user authorization")
		case "slow_down":
			interval += 5
			a.logger.Debug("slowing down polling", "interval", interval)
		case "expired_token":
			return nil, fmt.Errorf("device code expired, please try again")
		default:
			return nil, fmt.Errorf("token error: %s (%s)", tr.Error, tr.ErrorDesc)
		}
	}
}

func (a *Auth) refresh(ctx context.Context, refreshToken string) (*TokenData, error) {
	form := url.Values{
		"client_id":     {a.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {scope},
	}

	var tr tokenResponse
	if _, err := a.postForm(ctx, a.endpoint("token"), form, &tr); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("refresh failed: %s (%s)", tr.Error, tr.ErrorDesc)
	}
	return tokenData(tr), nil
}

func tokenData(tr tokenResponse) *TokenData {
	return &TokenData{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
	}
}

// EnsureValidToken returns a usable access token, refreshing the cached
// one when expired.
func (a *Auth) EnsureValidToken(ctx context.Context) (string, error) {
	tokens, err := LoadTokens()
	if err != nil {
		return "", fmt.Errorf("loading cached tokens: %w", err)
	}
	if tokens == nil {
		return "", fmt.Errorf("not authenticated with Microsoft Graph; run 'dispatchr calendar auth' first")
	}

	if !tokens.IsExpired() {
		return tokens.AccessToken, nil
	}

	a.logger.Debug("access token expired, refreshing")
	fresh, err := a.refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("token refresh failed (run 'dispatchr calendar auth' to re-authenticate): %w", err)
	}
	if err := SaveTokens(fresh); err != nil {
		a.logger.Warn("failed to cache refreshed tokens", "error", err)
	}
	return fresh.AccessToken, nil
}

func tokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".config", "dispatchr", "msgraph_tokens.json"), nil
}

// LoadTokens reads the cached token set; nil, nil when none exists yet.
func LoadTokens() (*TokenData, error) {
	path, err := tokenPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading token cache: %w", err)
	}

	var tokens TokenData
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parsing token cache: %w", err)
	}
	return &tokens, nil
}

func SaveTokens(tokens *TokenData) error {
	path, err := tokenPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tokens: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

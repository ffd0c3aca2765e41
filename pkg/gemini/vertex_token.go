package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zx6217/geminirelay/pkg/keypool"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	assertionGrant     = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// Tokens are cached a minute short of their reported lifetime so a
	// request never leaves with an about-to-expire bearer.
	tokenExpirySlack = 60 * time.Second
)

// tokenCache holds minted bearers per service-account email until just
// before they expire.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry
}

type tokenEntry struct {
	token   string
	expires time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]tokenEntry)}
}

func (t *tokenCache) get(email string, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[email]
	if !ok || !now.Before(e.expires) {
		delete(t.entries, email)
		return "", false
	}
	return e.token, true
}

func (t *tokenCache) set(email, token string, expires time.Time) {
	t.mu.Lock()
	t.entries[email] = tokenEntry{token: token, expires: expires}
	t.mu.Unlock()
}

type serviceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

func parseServiceAccount(raw string) (serviceAccount, error) {
	var sa serviceAccount
	if err := json.Unmarshal([]byte(raw), &sa); err != nil {
		return serviceAccount{}, fmt.Errorf("decode service account json: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return serviceAccount{}, fmt.Errorf("service account json missing client_email or private_key")
	}
	return sa, nil
}

// accessToken mints (or returns a cached) OAuth bearer for a vertex-sa
// credential via the signed-JWT grant, and resolves the project id.
func (c *Client) accessToken(ctx context.Context, cred keypool.Credential) (token string, project string, err error) {
	sa, err := parseServiceAccount(cred.Secret)
	if err != nil {
		return "", "", err
	}
	project = strings.TrimSpace(cred.ProjectID)
	if project == "" {
		project = sa.ProjectID
	}
	if project == "" {
		return "", "", fmt.Errorf("service account %s has no project id", sa.ClientEmail)
	}
	now := c.now()
	if cached, ok := c.tokens.get(sa.ClientEmail, now); ok {
		return cached, project, nil
	}

	tokenURL := c.opts.TokenURL
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": cloudPlatformScope,
		"aud":   tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", "", fmt.Errorf("parse service account private key: %w", err)
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", "", fmt.Errorf("sign token assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", assertionGrant)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", fmt.Errorf("token exchange failed (%d): %s", resp.StatusCode, string(body))
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", "", fmt.Errorf("token exchange returned no access_token")
	}
	ttl := time.Duration(parsed.ExpiresIn)*time.Second - tokenExpirySlack
	if ttl > 0 {
		c.tokens.set(sa.ClientEmail, parsed.AccessToken, now.Add(ttl))
	}
	return parsed.AccessToken, project, nil
}

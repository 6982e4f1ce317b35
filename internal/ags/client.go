// Package ags talks to a platform's Assignment and Grade Services:
// OAuth2 token exchange, score publishing, and line item lookup.
package ags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/openbookpress/booktool/internal/keys"
	"github.com/openbookpress/booktool/internal/registry"
)

// ErrScopeNotGranted is returned before any network call when the
// launch did not grant the scope an operation needs.
var ErrScopeNotGranted = errors.New("ags: required scope not granted")

// SecretSource supplies the legacy shared secret for a platform, when
// one is registered. Platforms without a secret use JWT assertions.
type SecretSource interface {
	Retrieve(ctx context.Context, issuer string) (string, bool, error)
}

// Score is the AGS score payload.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	Timestamp        string  `json:"timestamp"`
}

// LineItem is a platform gradebook column.
type LineItem struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	ScoreMaximum float64 `json:"scoreMaximum"`
	ResourceID   string  `json:"resourceId,omitempty"`
	Tag          string  `json:"tag,omitempty"`
}

// PostResult reports the outcome of a score POST.
type PostResult struct {
	OK     bool
	Status int
	Err    string
}

// Client performs AGS calls against registered platforms. Access
// tokens are cached per issuer+scope set and refreshed through a
// singleflight group so concurrent syncs share one exchange.
type Client struct {
	HTTP    *http.Client
	Keys    keys.Store
	Secrets SecretSource
	Log     *zap.Logger
	Now     func() time.Time

	tokens *gocache.Cache
	group  singleflight.Group
}

func NewClient(httpClient *http.Client, keyStore keys.Store, secrets SecretSource, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		HTTP:    httpClient,
		Keys:    keyStore,
		Secrets: secrets,
		Log:     log,
		Now:     time.Now,
		tokens:  gocache.New(50*time.Minute, 10*time.Minute),
	}
}

type cachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// tokenSkew is how long before expiry a cached token stops being used.
const tokenSkew = 30 * time.Second

// GetToken returns an access token for the platform covering scopes.
func (c *Client) GetToken(ctx context.Context, p registry.Platform, scopes []string) (string, error) {
	key := p.Issuer + "|" + strings.Join(scopes, " ")
	if v, ok := c.tokens.Get(key); ok {
		tok := v.(cachedToken)
		if c.Now().Before(tok.ExpiresAt.Add(-tokenSkew)) {
			return tok.AccessToken, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight; a racing caller may have filled it.
		if v, ok := c.tokens.Get(key); ok {
			tok := v.(cachedToken)
			if c.Now().Before(tok.ExpiresAt.Add(-tokenSkew)) {
				return tok, nil
			}
		}
		tok, err := c.exchange(ctx, p, scopes)
		if err != nil {
			return nil, err
		}
		c.tokens.Set(key, tok, tok.ExpiresAt.Sub(c.Now()))
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(cachedToken).AccessToken, nil
}

func (c *Client) exchange(ctx context.Context, p registry.Platform, scopes []string) (cachedToken, error) {
	secret, hasSecret, err := c.Secrets.Retrieve(ctx, p.Issuer)
	if err != nil {
		return cachedToken{}, fmt.Errorf("ags: load secret for %s: %w", p.Issuer, err)
	}
	if hasSecret {
		return c.exchangeSharedSecret(ctx, p, secret, scopes)
	}
	return c.exchangeAssertion(ctx, p, scopes)
}

// exchangeSharedSecret is the legacy client_secret path.
func (c *Client) exchangeSharedSecret(ctx context.Context, p registry.Platform, secret string, scopes []string) (cachedToken, error) {
	cfg := clientcredentials.Config{
		ClientID:     p.ClientID,
		ClientSecret: secret,
		TokenURL:     p.TokenURL,
		Scopes:       scopes,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return cachedToken{}, fmt.Errorf("ags: token exchange with %s: %w", p.Issuer, err)
	}
	exp := tok.Expiry
	if exp.IsZero() {
		exp = c.Now().Add(time.Hour)
	}
	return cachedToken{AccessToken: tok.AccessToken, ExpiresAt: exp}, nil
}

// exchangeAssertion signs a client assertion with the tool key, the
// standard LTI Advantage grant.
func (c *Client) exchangeAssertion(ctx context.Context, p registry.Platform, scopes []string) (cachedToken, error) {
	key, err := c.Keys.Active(ctx)
	if err != nil {
		return cachedToken{}, fmt.Errorf("ags: signing key for assertion: %w", err)
	}
	now := c.Now()
	claims := jwt.MapClaims{
		"iss": p.ClientID,
		"sub": p.ClientID,
		"aud": p.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = key.KID
	assertion, err := tok.SignedString(key.Private)
	if err != nil {
		return cachedToken{}, fmt.Errorf("ags: sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
		"scope":                 {strings.Join(scopes, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return cachedToken{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return cachedToken{}, fmt.Errorf("ags: token exchange with %s: %w", p.Issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return cachedToken{}, fmt.Errorf("ags: token endpoint %s returned %d: %s", p.TokenURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return cachedToken{}, fmt.Errorf("ags: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return cachedToken{}, errors.New("ags: token response missing access_token")
	}
	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return cachedToken{AccessToken: tr.AccessToken, ExpiresAt: now.Add(ttl)}, nil
}

// PostScore publishes a score to the line item. A missing score scope
// is refused before any network traffic. Wire-level failures come back
// in the PostResult rather than as an error so callers can log and
// continue a batch.
func (c *Client) PostScore(ctx context.Context, p registry.Platform, lineItemURL string, granted []string, s Score) (PostResult, error) {
	if !HasScope(granted, ScopeScore) {
		return PostResult{}, ErrScopeNotGranted
	}

	token, err := c.GetToken(ctx, p, []string{ScopeScore})
	if err != nil {
		return PostResult{Err: err.Error()}, nil
	}

	if s.Timestamp == "" {
		s.Timestamp = c.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return PostResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, scoresURL(lineItemURL), bytes.NewReader(body))
	if err != nil {
		return PostResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/vnd.ims.lis.v1.score+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PostResult{Err: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.Log.Warn("ags: score rejected",
			zap.String("issuer", p.Issuer),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(msg))))
		return PostResult{Status: resp.StatusCode, Err: strings.TrimSpace(string(msg))}, nil
	}
	return PostResult{OK: true, Status: resp.StatusCode}, nil
}

// FetchLineItem reads the line item definition, or nil when the
// platform does not expose it. Callers treat nil as "use defaults".
func (c *Client) FetchLineItem(ctx context.Context, p registry.Platform, lineItemURL string, granted []string) (*LineItem, error) {
	scope := ScopeLineItemReadonly
	if !HasScope(granted, scope) {
		if !HasScope(granted, ScopeLineItem) {
			return nil, ErrScopeNotGranted
		}
		scope = ScopeLineItem
	}

	token, err := c.GetToken(ctx, p, []string{scope})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lineItemURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.ims.lis.v2.lineitem+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.Log.Warn("ags: line item fetch failed", zap.String("url", lineItemURL), zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.Log.Warn("ags: line item fetch rejected", zap.String("url", lineItemURL), zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var li LineItem
	if err := json.NewDecoder(resp.Body).Decode(&li); err != nil {
		return nil, nil
	}
	return &li, nil
}

// scoresURL appends the /scores segment before any query string, as
// the AGS spec requires.
func scoresURL(lineItemURL string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return lineItemURL + "/scores"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	return u.String()
}

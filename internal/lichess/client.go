// Package lichess talks to the lichess.org HTTP API: public ratings, the
// OAuth token endpoint and the authenticated account endpoint.
package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/teotwaki/liro/internal/rating"
)

const DefaultBaseURL = "https://lichess.org"

var ErrUserNotFound = errors.New("lichess user not found")

// StatusError is returned when lichess answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lichess %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

type Config struct {
	BaseURL     string
	ClientID    string
	RedirectURL string
	// APIToken is sent on public requests to get a higher rate limit.
	APIToken string
	Timeout  time.Duration
	// CacheTTL bounds how long fetched ratings are reused. Zero disables
	// the cache.
	CacheTTL time.Duration
}

// Account is the identity behind an access token.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

// Restricted reports whether the account may not be linked.
func (a Account) Restricted() bool {
	return a.Title == "BOT"
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *cache.Cache
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{cfg: cfg, httpClient: httpClient}
	if cfg.CacheTTL > 0 {
		c.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

func (c *Client) RedirectURL() string {
	return c.cfg.RedirectURL
}

type perf struct {
	Games  int  `json:"games"`
	Rating *int `json:"rating"`
	Prov   bool `json:"prov"`
}

// FetchRatings returns the established ratings of username. Provisional
// ratings and categories the member never played are left out.
func (c *Client) FetchRatings(ctx context.Context, username string) (rating.Ratings, error) {
	cacheKey := strings.ToLower(username)
	if c.cache != nil {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached.(rating.Ratings).Clone(), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/user/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user %s: %w", username, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch user", resp)
	}

	var payload struct {
		Perfs map[string]perf `json:"perfs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", username, err)
	}

	ratings := make(rating.Ratings)
	for key, p := range payload.Perfs {
		category, ok := rating.ParseCategory(key)
		if !ok || p.Prov || p.Rating == nil {
			continue
		}
		ratings[category] = *p.Rating
	}

	if c.cache != nil {
		c.cache.SetDefault(cacheKey, ratings.Clone())
	}
	return ratings, nil
}

// ExchangeCode trades an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("redirect_uri", c.cfg.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("exchange code", resp)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("exchange code: missing access token")
	}
	return payload.AccessToken, nil
}

// ResolveIdentity returns the account the access token belongs to.
func (c *Client) ResolveIdentity(ctx context.Context, accessToken string) (Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/account", nil)
	if err != nil {
		return Account{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("fetch account: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Account{}, statusError("fetch account", resp)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return Account{}, fmt.Errorf("decode account: %w", err)
	}
	if account.Username == "" {
		return Account{}, errors.New("fetch account: missing username")
	}
	return account, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

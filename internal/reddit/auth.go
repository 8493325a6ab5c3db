package reddit

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

	pkgerrs "github.com/jamesprial/go-reddit-scraper/pkg/errors"
)

const defaultTokenEndpointPath = "api/v1/access_token"

// tokenExpirySlack renews tokens this long before they actually expire.
const tokenExpirySlack = time.Minute

// Authenticator retrieves and caches OAuth2 access tokens from Reddit.
// App-only (client_credentials) and password grants are supported.
type Authenticator struct {
	client       *http.Client
	clientID     string
	clientSecret string
	userAgent    string
	tokenURL     *url.URL
	formData     url.Values

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAuthenticator creates a new authenticator against authURL. The grant
// type is password when username/password are set, client_credentials
// otherwise.
func NewAuthenticator(httpClient *http.Client, username, password, clientID, clientSecret, userAgent, authURL string) (*Authenticator, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	parsedURL, err := url.Parse(authURL)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("failed to parse auth URL: %w", err)}
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}

	tokenURL, err := parsedURL.Parse(defaultTokenEndpointPath)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("failed to parse token endpoint path: %w", err)}
	}

	form := url.Values{}
	if username != "" && password != "" {
		form.Add("grant_type", "password")
		form.Add("username", username)
		form.Add("password", password)
	} else {
		form.Add("grant_type", "client_credentials")
	}

	return &Authenticator{
		client:       httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		tokenURL:     tokenURL,
		formData:     form,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// GetToken returns a valid access token, fetching a fresh one when the
// cached token is missing or near expiry.
func (a *Authenticator) GetToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.expiresAt.Add(-tokenExpirySlack)) {
		return a.token, nil
	}

	data := a.formData.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL.String(), strings.NewReader(data))
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to create token request: %w", err)}
	}

	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("failed to execute token request: %w", err)}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("failed to read response body: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
			Err:        fmt.Errorf("failed to unmarshal token response: %w", err),
		}
	}

	if tokenResp.AccessToken == "" {
		return "", &AuthError{
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
			Err:        fmt.Errorf("access token was empty in response"),
		}
	}

	a.token = tokenResp.AccessToken
	a.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return a.token, nil
}

// Invalidate drops the cached token so the next GetToken refetches.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// AuthError represents an error that occurred during authentication.
type AuthError struct {
	StatusCode int
	// Body contains the raw response body from the server, which may hold more details.
	Body string
	// Err is the underlying error that occurred, e.g., a network or JSON parsing error.
	Err error
}

// Error implements the error interface, providing a detailed error message.
func (e *AuthError) Error() string {
	var sb strings.Builder
	sb.WriteString("auth error")

	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": status code %d", e.StatusCode)
	}

	if e.Body != "" {
		fmt.Fprintf(&sb, ", body: %q", e.Body)
	}

	if e.Err != nil {
		fmt.Fprintf(&sb, ", err: %v", e.Err)
	}

	return sb.String()
}

// Unwrap allows for error chaining with errors.Is and errors.As.
func (e *AuthError) Unwrap() error { return e.Err }

// ErrorClass implements the taxonomy: auth misconfiguration is Permanent.
func (e *AuthError) ErrorClass() pkgerrs.Class { return pkgerrs.ClassPermanent }

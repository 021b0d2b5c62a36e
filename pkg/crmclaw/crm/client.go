// Package crm implements the client for the connected CRM platform:
// bearer-token auth with client-credential / refresh-token exchange,
// read-only queries with enforced row limits, object describes, metadata
// inventories, component source reads, and guarded create/update calls.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// apiVersion is the platform REST API version used for all calls.
	apiVersion = "v59.0"

	// tokenExchangeTimeout bounds the credential exchange call.
	tokenExchangeTimeout = 15 * time.Second
)

// Credentials holds everything needed to reach one org.
type Credentials struct {
	InstanceURL string
	// AuthURL is the token endpoint base; empty means InstanceURL.
	AuthURL      string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
}

// Client is a live connection to one org.
type Client struct {
	instanceURL string
	token       string
	httpClient  *http.Client
	logger      *slog.Logger
}

// apiError is the platform's structured error body.
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	InstanceURL string `json:"instance_url"`
}

// Connect establishes a live connection to the org. When the org
// advertises reusable client credentials (or a refresh token), the token
// is exchanged fresh; on exchange failure the last known access token is
// reused with a warning rather than aborting.
func Connect(ctx context.Context, creds Credentials, logger *slog.Logger) (*Client, error) {
	logger = logger.With("component", "crm")

	c := &Client{
		instanceURL: strings.TrimRight(creds.InstanceURL, "/"),
		token:       creds.AccessToken,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
	}

	switch {
	case creds.ClientID != "" && creds.ClientSecret != "":
		token, err := exchangeToken(ctx, c.httpClient, creds, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {creds.ClientID},
			"client_secret": {creds.ClientSecret},
		})
		if err != nil {
			if creds.AccessToken == "" {
				return nil, fmt.Errorf("client-credentials exchange failed and no previous token available: %w", err)
			}
			logger.Warn("client-credentials exchange failed, reusing previous token", "error", err)
		} else {
			c.token = token
		}
	case creds.RefreshToken != "":
		token, err := exchangeToken(ctx, c.httpClient, creds, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {creds.RefreshToken},
			"client_id":     {creds.ClientID},
		})
		if err != nil {
			if creds.AccessToken == "" {
				return nil, fmt.Errorf("refresh-token exchange failed and no previous token available: %w", err)
			}
			logger.Warn("refresh-token exchange failed, reusing previous token", "error", err)
		} else {
			c.token = token
		}
	}

	if c.token == "" {
		return nil, fmt.Errorf("org has no usable credentials")
	}
	return c, nil
}

// AccessToken returns the bearer token in use, for persistence after a
// successful exchange.
func (c *Client) AccessToken() string {
	return c.token
}

// exchangeToken performs one OAuth token exchange with an explicit timeout.
func exchangeToken(ctx context.Context, client *http.Client, creds Credentials, form url.Values) (string, error) {
	base := creds.AuthURL
	if base == "" {
		base = creds.InstanceURL
	}
	endpoint := strings.TrimRight(base, "/") + "/services/oauth2/token"

	ctx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
			return "", fmt.Errorf("token exchange timed out after %s: %w", tokenExchangeTimeout, err)
		}
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}
	return tok.AccessToken, nil
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.instanceURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	return c.do(req, out)
}

// send performs an authenticated request with a JSON body.
func (c *Client) send(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.instanceURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do executes the request, translating platform error bodies into
// *PlatformError values.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parsePlatformError(resp.StatusCode, body)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// PlatformError is a structured error returned by the platform API.
type PlatformError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *PlatformError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the platform.
func IsNotFound(err error) bool {
	var pe *PlatformError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

func parsePlatformError(status int, body []byte) error {
	var apiErrs []apiError
	if err := json.Unmarshal(body, &apiErrs); err == nil && len(apiErrs) > 0 {
		return &PlatformError{
			StatusCode: status,
			Code:       apiErrs[0].ErrorCode,
			Message:    apiErrs[0].Message,
		}
	}
	return &PlatformError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

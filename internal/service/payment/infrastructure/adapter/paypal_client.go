package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crowdx/internal/pkg/httpclient"
	"crowdx/internal/service/payment/domain"
)

// tokenSkew renews the OAuth token a little before PayPal expires it.
const tokenSkew = 60 * time.Second

// PayPalClient is a minimal PayPal REST client over the traced HTTP client.
// It owns its credentials and token cache; there is no global SDK state.
type PayPalClient struct {
	http         *httpclient.Client
	baseURL      string
	clientID     string
	clientSecret string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

func NewPayPalClient(hc *httpclient.Client, baseURL, clientID, clientSecret string) *PayPalClient {
	return &PayPalClient{
		http:         hc,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

// paypalError is the body PayPal returns on 4xx/5xx.
type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *paypalError) issue() string {
	if len(e.Details) > 0 {
		return e.Details[0].Issue
	}
	return e.Name
}

// apiError carries the HTTP status and PayPal issue code of a failed call.
type apiError struct {
	Status int
	Issue  string
	Msg    string
	cause  error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paypal %d %s: %s", e.Status, e.Issue, e.Msg)
}

func (e *apiError) Unwrap() error { return e.cause }

func newAPIError(status int, body []byte) *apiError {
	var pe paypalError
	_ = json.Unmarshal(body, &pe)
	e := &apiError{Status: status, Issue: pe.issue(), Msg: pe.Message}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests, status >= 500:
		e.cause = domain.ErrProviderUnavailable
	default:
		e.cause = domain.ErrProviderRejected
	}
	return e
}

func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req := httpclient.Request{
		Method:  http.MethodPost,
		URL:     c.baseURL + "/v1/oauth2/token",
		Form:    url.Values{"grant_type": {"client_credentials"}},
		Header:  http.Header{},
		SpanTag: "paypal.OAuthToken",
	}
	req.Header.Set("Authorization", basicAuth(c.clientID, c.clientSecret))
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: paypal token: %v", domain.ErrProviderUnavailable, err)
	}
	if !resp.OK() {
		apiErr := newAPIError(resp.StatusCode, resp.Body)
		// bad credentials are an outage from the payer's point of view
		apiErr.cause = domain.ErrProviderUnavailable
		return "", apiErr
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: paypal token response unreadable", domain.ErrProviderUnavailable)
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenSkew)
	return c.token, nil
}

// call performs an authenticated JSON request and decodes a 2xx reply into out.
func (c *PayPalClient) call(ctx context.Context, method, path, spanTag string, in, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	req := httpclient.Request{
		Method:  method,
		URL:     c.baseURL + path,
		Header:  http.Header{},
		SpanTag: spanTag,
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("PayPal-Request-Id", uuid.NewString())
		req.Header.Set("Prefer", "return=representation")
		body := []byte("{}")
		if in != nil {
			if body, err = json.Marshal(in); err != nil {
				return err
			}
		}
		req.Body = body
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}
	if !resp.OK() {
		return newAPIError(resp.StatusCode, resp.Body)
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("%w: decode %s: %v", domain.ErrProviderUnavailable, path, err)
		}
	}
	return nil
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

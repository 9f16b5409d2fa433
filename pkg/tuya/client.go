package tuya

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nicktill/tinyair/pkg/config"
	"github.com/nicktill/tinyair/pkg/metrics"
)

const (
	tokenPath = "/v1.0/token?grant_type=1"

	// maxResponseBytes bounds how much of an upstream body is read.
	maxResponseBytes = 1 << 20
)

// ClientConfig configures a Tuya OpenAPI client.
type ClientConfig struct {
	BaseURL  string // e.g. https://openapi.tuyaeu.com
	ClientID string
	Secret   string
	Timeout  time.Duration // per request, defaults to 10s
	Metrics  *metrics.Metrics
}

// Token is a freshly issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Client talks to the Tuya OpenAPI. It is safe for concurrent use.
type Client struct {
	baseURL string
	signer  Signer
	client  *http.Client
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewClient creates a Tuya OpenAPI client
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		signer:  Signer{ClientID: cfg.ClientID, Secret: cfg.Secret},
		client: &http.Client{
			Timeout: timeout,
		},
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// IssueToken requests a new access token. Every failure is a *CredentialError.
func (c *Client) IssueToken(ctx context.Context) (Token, error) {
	start := time.Now()
	tok, err := c.issueToken(ctx)
	c.metrics.UpstreamRequest("token", time.Since(start), err)
	return tok, err
}

func (c *Client) issueToken(ctx context.Context) (Token, error) {
	status, body, err := c.get(ctx, tokenPath, "")
	if err != nil {
		return Token{}, &CredentialError{Status: status, Err: err}
	}

	var resp struct {
		envelope
		Result *struct {
			AccessToken string `json:"access_token"`
			ExpireTime  int64  `json:"expire_time"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, &CredentialError{Status: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if !resp.ok() {
		return Token{}, &CredentialError{Status: status, Code: resp.Code, Msg: resp.Msg, Err: ErrUnsuccessful}
	}
	if resp.Result == nil || resp.Result.AccessToken == "" {
		return Token{}, &CredentialError{Status: status, Err: ErrMissingToken}
	}

	lifetime := time.Duration(resp.Result.ExpireTime) * time.Second
	if lifetime <= 0 {
		lifetime = config.DefaultTokenLifetime
	}
	return Token{AccessToken: resp.Result.AccessToken, ExpiresIn: lifetime}, nil
}

// DeviceStatus fetches the current data points of a device. Every failure is a *FetchError.
func (c *Client) DeviceStatus(ctx context.Context, deviceID, accessToken string) (*Payload, error) {
	start := time.Now()
	p, err := c.deviceStatus(ctx, deviceID, accessToken)
	c.metrics.UpstreamRequest("device_status", time.Since(start), err)
	return p, err
}

func (c *Client) deviceStatus(ctx context.Context, deviceID, accessToken string) (*Payload, error) {
	path := "/v1.0/devices/" + url.PathEscape(deviceID) + "/status"
	status, body, err := c.get(ctx, path, accessToken)
	if err != nil {
		return nil, &FetchError{DeviceID: deviceID, Status: status, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &FetchError{DeviceID: deviceID, Status: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if !env.ok() {
		return nil, &FetchError{DeviceID: deviceID, Status: status, Code: env.Code, Msg: env.Msg, Err: ErrUnsuccessful}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &FetchError{DeviceID: deviceID, Status: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return &p, nil
}

// get issues a signed GET and returns the status code and body of a 2xx response.
func (c *Client) get(ctx context.Context, path, accessToken string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.signer.Headers(http.MethodGet, path, "", accessToken, c.now())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, truncate(body, 256))
	}
	if len(body) == 0 {
		return resp.StatusCode, nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Package registrar talks to the Helius webhook API and orchestrates
// webhook registration and deregistration against it.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production Helius API endpoint.
const DefaultBaseURL = "https://api.helius.xyz"

// APIError is a non-success response from the registrar. The request URL
// carries the API key, so it is never included here.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helius API error (status %d): %s", e.StatusCode, e.Body)
}

// ClientConfig configures the Helius client.
type ClientConfig struct {
	// BaseURL overrides the Helius endpoint, mainly for tests.
	BaseURL string

	// APIKey authenticates every request as a query parameter.
	APIKey string

	// AuthHeader is the header name Helius will attach to callbacks so
	// the receiver can verify outbound authenticity.
	AuthHeader string

	Timeout time.Duration
}

// Client is a minimal Helius webhook API client.
type Client struct {
	baseURL    string
	apiKey     string
	authHeader string
	httpc      *http.Client
}

// NewClient creates a Client. Zero-value fields fall back to defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "x-helius-token"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		authHeader: cfg.AuthHeader,
		httpc:      &http.Client{Timeout: cfg.Timeout},
	}
}

type registrationRequest struct {
	WebhookURL       string   `json:"webhookURL"`
	TransactionTypes []string `json:"transactionTypes"`
	AccountAddresses []string `json:"accountAddresses"`
	WebhookType      string   `json:"webhookType"`
	TxnStatus        string   `json:"txnStatus"`
	AuthHeader       string   `json:"authHeader,omitempty"`
}

type registrationResponse struct {
	WebhookID string `json:"webhookID"`
}

// Register creates an enhanced webhook pushing successful transactions for
// the given addresses to callbackURL. Returns the Helius webhook ID.
func (c *Client) Register(ctx context.Context, callbackURL string, addresses []string) (string, error) {
	if addresses == nil {
		addresses = []string{}
	}
	body, err := json.Marshal(registrationRequest{
		WebhookURL:       callbackURL,
		TransactionTypes: []string{"ANY"},
		AccountAddresses: addresses,
		WebhookType:      "enhanced",
		TxnStatus:        "success",
		AuthHeader:       c.authHeader,
	})
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	url := fmt.Sprintf("%s/v0/webhooks?api-key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build registration request: %w", c.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("register webhook: %w", c.redact(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read registration response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed registrationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unparsable registrar response: %s", string(respBody))
	}
	if parsed.WebhookID == "" {
		return "", fmt.Errorf("registrar response missing webhookID: %s", string(respBody))
	}
	return parsed.WebhookID, nil
}

// redact masks the API key in an error. Transport errors reproduce the
// request URL, which carries the key as a query parameter.
func (c *Client) redact(err error) error {
	if err == nil || c.apiKey == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.apiKey, "****"))
}

// Delete removes a webhook registration by its Helius ID.
func (c *Client) Delete(ctx context.Context, heliusWebhookID string) error {
	url := fmt.Sprintf("%s/v0/webhooks/%s?api-key=%s", c.baseURL, heliusWebhookID, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", c.redact(err))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("delete webhook %s: %w", heliusWebhookID, c.redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

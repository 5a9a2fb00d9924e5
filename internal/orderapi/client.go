package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Client talks to a signing service over the v1 contract.
type Client struct {
	baseURL    string
	token      crypto.Secret
	httpClient *http.Client
}

// NewClient creates a Client. token may be zero when the signer runs
// without authentication.
func NewClient(baseURL string, token crypto.Secret, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit posts one intent. A returned error means no HTTP answer arrived;
// every answer, including 4xx and 5xx, comes back as a classified result.
func (c *Client) Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionResult, error) {
	status, body, err := c.do(ctx, http.MethodPost, "/v1/order", FromIntent(intent))
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("orderapi: submit %s: %w", intent.IdempotencyKey, err)
	}

	key := intent.IdempotencyKey
	switch {
	case status == http.StatusOK:
		var resp OrderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return domain.Failure(key, domain.ReasonTransport, "decode response: "+err.Error()), nil
		}
		res := resp.Result()
		if res.IdempotencyKey == "" {
			res.IdempotencyKey = key
		}
		return res, nil
	case status == http.StatusServiceUnavailable:
		return domain.Failure(key, domain.ReasonOverloaded, errorMessage(status, body)), nil
	case status == http.StatusTooManyRequests:
		return domain.Failure(key, domain.ReasonRateLimited, errorMessage(status, body)), nil
	case status >= 500:
		return domain.Failure(key, domain.ReasonTransport, errorMessage(status, body)), nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.Failure(key, domain.ReasonAuthFailed, errorMessage(status, body)), nil
	default:
		return domain.Failure(key, domain.ReasonInvalidOrder, errorMessage(status, body)), nil
	}
}

// Lookup asks the signer for the result stored under key.
func (c *Client) Lookup(ctx context.Context, key string) (domain.ExecutionResult, bool, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/order/"+url.PathEscape(key), nil)
	if err != nil {
		return domain.ExecutionResult{}, false, fmt.Errorf("orderapi: lookup %s: %w", key, err)
	}

	switch status {
	case http.StatusOK:
		var resp OrderResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return domain.ExecutionResult{}, false, fmt.Errorf("orderapi: lookup %s: decode: %w", key, err)
		}
		return resp.Result(), true, nil
	case http.StatusAccepted:
		return domain.ExecutionResult{}, false, nil
	case http.StatusNotFound:
		return domain.ExecutionResult{}, false, fmt.Errorf("orderapi: lookup %s: %w", key, domain.ErrNotFound)
	default:
		return domain.ExecutionResult{}, false, fmt.Errorf("orderapi: lookup %s: %s", key, errorMessage(status, body))
	}
}

// Cancel asks the signer to take an order off the book and returns how much
// of it filled.
func (c *Client) Cancel(ctx context.Context, orderID string) (decimal.Decimal, error) {
	status, body, err := c.do(ctx, http.MethodDelete, "/v1/order/"+url.PathEscape(orderID), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("orderapi: cancel %s: %w", orderID, err)
	}

	switch status {
	case http.StatusOK:
		var resp CancelResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return decimal.Zero, fmt.Errorf("orderapi: cancel %s: decode: %w", orderID, err)
		}
		return parseDecimal(resp.FilledSize), nil
	case http.StatusNotFound:
		return decimal.Zero, fmt.Errorf("orderapi: cancel %s: %w", orderID, domain.ErrNotFound)
	case http.StatusConflict:
		return decimal.Zero, fmt.Errorf("orderapi: cancel %s: %w", orderID, domain.ErrReadOnly)
	default:
		return decimal.Zero, fmt.Errorf("orderapi: cancel %s: %s", orderID, errorMessage(status, body))
	}
}

// Health checks that the signer is up and speaks this contract version.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return HealthResponse{}, fmt.Errorf("orderapi: health: %w", err)
	}
	if status != http.StatusOK {
		return HealthResponse{}, fmt.Errorf("orderapi: health: %s", errorMessage(status, body))
	}
	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil {
		return HealthResponse{}, fmt.Errorf("orderapi: health: decode: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("orderapi: health: signer speaks %q, want %q", h.Version, Version)
	}
	return h, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(VersionHeader, Version)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !c.token.IsZero() {
		_ = c.token.Use(func(b []byte) error {
			req.Header.Set("Authorization", "Bearer "+string(b))
			return nil
		})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func errorMessage(status int, body []byte) string {
	var e ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", status, e.Error)
	}
	return fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

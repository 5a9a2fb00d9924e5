package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// amountDecimals is the fixed-point scale of USDC and conditional tokens.
const amountDecimals = 6

const zeroAddress = "0x0000000000000000000000000000000000000000"

// APIError is a non-2xx response from the CLOB. It unwraps to the matching
// domain sentinel where one exists.
type APIError struct {
	StatusCode  int
	Message     string
	ShouldRetry bool
	err         error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

// ClobOptions configures order construction.
type ClobOptions struct {
	// Maker is the funded wallet (proxy or Safe). Zero means the signer's EOA.
	Maker         common.Address
	SignatureType int
	FeeRateBps    int
	Timeout       time.Duration
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It handles order construction, placement, lookup,
// cancellation and API-key management.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	opts       ClobOptions

	mu       sync.RWMutex
	hmacAuth *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer is the EIP-712 signer for order signatures and auth messages.
func NewClobClient(baseURL string, signer *crypto.Signer, opts ClobOptions) *ClobClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Maker == (common.Address{}) {
		opts.Maker = signer.Address()
	}
	return &ClobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		signer: signer,
		opts:   opts,
	}
}

// SetCredentials installs the L2 credentials used for authenticated calls.
func (c *ClobClient) SetCredentials(auth *crypto.HMACAuth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hmacAuth = auth
}

// HasCredentials reports whether complete L2 credentials are installed.
func (c *ClobClient) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hmacAuth.Complete()
}

// Maker returns the wallet orders are placed for.
func (c *ClobClient) Maker() common.Address { return c.opts.Maker }

// BuildOrder converts an intent into a signed CLOB order. The salt must be
// stable for a given idempotency key so that a resend is the same order.
func (c *ClobClient) BuildOrder(intent domain.OrderIntent, salt int64) (SignedOrder, error) {
	makerAmt, takerAmt := OrderAmounts(intent.Side, intent.Price, intent.Size)

	side := 0
	if intent.Side == domain.SideSell {
		side = 1
	}
	expiration := "0"
	if intent.TimeInForce == domain.GoodTillDate && !intent.Expiration.IsZero() {
		expiration = strconv.FormatInt(intent.Expiration.Unix(), 10)
	}

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         c.opts.Maker.Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       intent.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Expiration:    expiration,
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(c.opts.FeeRateBps),
		Side:          side,
		SignatureType: c.opts.SignatureType,
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}
	digest, err := c.signer.OrderDigest(payload)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	return SignedOrder{
		Salt:          salt,
		Maker:         payload.Maker,
		Signer:        payload.Signer,
		Taker:         payload.Taker,
		TokenID:       payload.TokenID,
		MakerAmount:   payload.MakerAmount,
		TakerAmount:   payload.TakerAmount,
		Expiration:    payload.Expiration,
		Nonce:         payload.Nonce,
		FeeRateBps:    payload.FeeRateBps,
		Side:          string(intent.Side),
		SignatureType: payload.SignatureType,
		Signature:     sig,
		Hash:          hexutil.Encode(digest),
	}, nil
}

// OrderAmounts returns the fixed-point maker and taker amounts for an order.
// A buy gives USDC (price*size) for shares; a sell gives shares for USDC.
func OrderAmounts(side domain.Side, price, size decimal.Decimal) (maker, taker string) {
	notional := size.Mul(price).Truncate(amountDecimals)
	if side == domain.SideSell {
		return toFixed(size), toFixed(notional)
	}
	return toFixed(notional), toFixed(size)
}

func toFixed(d decimal.Decimal) string {
	return d.Shift(amountDecimals).Truncate(0).String()
}

// PostOrder submits a signed order to the CLOB API. A 2xx response is
// returned even when success=false; classifying it is the caller's job.
func (c *ClobClient) PostOrder(ctx context.Context, order SignedOrder, orderType domain.TimeInForce) (APIOrderResult, error) {
	auth := c.credentials()
	if !auth.Complete() {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: no API credentials", domain.ErrUnauthorized)
	}

	body := PostOrderRequest{
		Order:     order,
		Owner:     auth.Key,
		OrderType: string(orderType),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	return result, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel %s: %w: %s", orderID, domain.ErrExchangeRejected, reason)
	}

	return nil
}

// GetOrder reads one of the wallet's orders by ID (its order hash). An
// order the CLOB does not know is domain.ErrNotFound.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	// The CLOB answers an unknown ID with an empty body or null.
	var order APIOrder
	if body := bytes.TrimSpace(respBody); len(body) > 0 {
		if err := json.Unmarshal(body, &order); err != nil {
			return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
		}
	}
	if order.ID == "" {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}
	return order, nil
}

// CreateAPIKey creates a new L2 API key for the signer via POST /auth/api-key.
func (c *ClobClient) CreateAPIKey(ctx context.Context) (*crypto.HMACAuth, error) {
	return c.l1KeyRequest(ctx, http.MethodPost, "/auth/api-key")
}

// DeriveAPIKey recovers the signer's existing L2 API key via
// GET /auth/derive-api-key.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (*crypto.HMACAuth, error) {
	return c.l1KeyRequest(ctx, http.MethodGet, "/auth/derive-api-key")
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) credentials() *crypto.HMACAuth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hmacAuth
}

// l1KeyRequest signs a ClobAuth EIP-712 message and sends it with L1
// headers (POLY_ADDRESS, POLY_SIGNATURE, POLY_TIMESTAMP, POLY_NONCE).
func (c *ClobClient) l1KeyRequest(ctx context.Context, method, path string) (*crypto.HMACAuth, error) {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, fmt.Errorf("polymarket/clob: %s %s: %w", method, path, err)
	}

	var key APIKeyResponse
	if err := json.Unmarshal(respBody, &key); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	auth := &crypto.HMACAuth{
		Key:        key.APIKey,
		Secret:     crypto.NewSecret(key.Secret),
		Passphrase: crypto.NewSecret(key.Passphrase),
	}
	if !auth.Complete() {
		return nil, fmt.Errorf("polymarket/clob: %s %s: %w: incomplete credentials", method, path, domain.ErrUnauthorized)
	}
	return auth, nil
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth := c.credentials(); auth != nil {
		headers := auth.L2Headers(c.signer.Address().Hex(), method, path, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to an *APIError carrying the
// matching domain sentinel.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: statusCode, Message: string(body)}
	var parsed struct {
		ErrorMsg    string `json:"errorMsg"`
		Error       string `json:"error"`
		ShouldRetry bool   `json:"shouldRetry"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.ErrorMsg != "" {
			apiErr.Message = parsed.ErrorMsg
		} else if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
		apiErr.ShouldRetry = parsed.ShouldRetry
	}

	switch {
	case statusCode == http.StatusNotFound:
		apiErr.err = domain.ErrNotFound
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		apiErr.err = domain.ErrUnauthorized
	case statusCode == http.StatusTooManyRequests:
		apiErr.err = domain.ErrRateLimited
	case statusCode >= 500:
		apiErr.err = domain.ErrTransient
	case statusCode == http.StatusBadRequest:
		apiErr.err = domain.ErrExchangeRejected
	}
	return apiErr
}

// IsAPIError reports whether err carries a CLOB HTTP error and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

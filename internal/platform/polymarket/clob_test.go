package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestClient(t *testing.T, url string) *ClobClient {
	t.Helper()
	signer, err := crypto.NewSigner(crypto.NewSecret(testKeyHex), 137,
		common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"))
	if err != nil {
		t.Fatal(err)
	}
	c := NewClobClient(url, signer, ClobOptions{})
	c.SetCredentials(&crypto.HMACAuth{
		Key:        "api-key",
		Secret:     crypto.NewSecret("c2VjcmV0"),
		Passphrase: crypto.NewSecret("phrase"),
	})
	return c
}

func testIntent() domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: "k1",
		TokenID:        "1234567890",
		Side:           domain.SideBuy,
		Price:          decimal.RequireFromString("0.50"),
		Size:           decimal.NewFromInt(10),
		TimeInForce:    domain.FillOrKill,
	}
}

func TestOrderAmounts(t *testing.T) {
	tests := []struct {
		side         domain.Side
		price, size  string
		maker, taker string
	}{
		{domain.SideBuy, "0.50", "10", "5000000", "10000000"},
		{domain.SideSell, "0.50", "10", "10000000", "5000000"},
		{domain.SideBuy, "0.333", "7", "2331000", "7000000"},
		{domain.SideBuy, "0.45", "0.1234567", "55555", "123456"},
	}
	for _, tt := range tests {
		maker, taker := OrderAmounts(tt.side, decimal.RequireFromString(tt.price), decimal.RequireFromString(tt.size))
		if maker != tt.maker || taker != tt.taker {
			t.Errorf("%s %s@%s: got maker=%s taker=%s, want %s/%s", tt.side, tt.size, tt.price, maker, taker, tt.maker, tt.taker)
		}
	}
}

func TestBuildOrderStableForSalt(t *testing.T) {
	c := newTestClient(t, "http://unused")
	a, err := c.BuildOrder(testIntent(), 42)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.BuildOrder(testIntent(), 42)
	if a.Signature != b.Signature {
		t.Fatal("same intent and salt should sign identically")
	}
	other, _ := c.BuildOrder(testIntent(), 43)
	if other.Signature == a.Signature {
		t.Fatal("different salt should change the signature")
	}
	if a.Maker != c.Maker().Hex() || a.Side != "BUY" || a.Expiration != "0" {
		t.Fatalf("unexpected order: %+v", a)
	}
}

func TestPostOrderSendsL2Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		for _, h := range []string{"POLY_ADDRESS", "POLY_API_KEY", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_PASSPHRASE"} {
			if r.Header.Get(h) == "" {
				t.Errorf("missing header %s", h)
			}
		}
		var req PostOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Owner != "api-key" || req.OrderType != "FOK" || req.Order.Signature == "" {
			t.Errorf("unexpected body: %+v", req)
		}
		json.NewEncoder(w).Encode(APIOrderResult{Success: true, OrderID: "0xabc", Status: "matched", TakingAmount: "10"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	order, err := c.BuildOrder(testIntent(), 7)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.PostOrder(context.Background(), order, domain.FillOrKill)
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if res.OrderID != "0xabc" || !res.FilledSize(domain.SideBuy).Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPostOrderHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":"Unauthorized/Invalid api key"}`, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrRateLimited},
		{http.StatusBadGateway, `bad gateway`, domain.ErrTransient},
		{http.StatusBadRequest, `{"errorMsg":"not enough balance / allowance"}`, domain.ErrExchangeRejected},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))
		c := newTestClient(t, srv.URL)
		order, _ := c.BuildOrder(testIntent(), 1)
		_, err := c.PostOrder(context.Background(), order, domain.FillOrKill)
		srv.Close()

		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
			continue
		}
		apiErr, ok := IsAPIError(err)
		if !ok || apiErr.StatusCode != tt.status {
			t.Errorf("status %d: APIError not found in %v", tt.status, err)
		}
	}
}

func TestPostOrderWithoutCredentials(t *testing.T) {
	c := newTestClient(t, "http://unused")
	c.SetCredentials(nil)
	order, _ := c.BuildOrder(testIntent(), 1)
	if _, err := c.PostOrder(context.Background(), order, domain.FillOrKill); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestDeriveAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/derive-api-key" || r.Method != http.MethodGet {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		for _, h := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_NONCE"} {
			if r.Header.Get(h) == "" {
				t.Errorf("missing L1 header %s", h)
			}
		}
		w.Write([]byte(`{"apiKey":"derived","secret":"c2VjcmV0","passphrase":"p"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	auth, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if auth.Key != "derived" || !auth.Secret.Equal("c2VjcmV0") {
		t.Fatalf("unexpected credentials %v", auth)
	}
}

func TestCancelOrderNotCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"canceled":[],"not_canceled":{"0xabc":"order already matched"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.CancelOrder(context.Background(), "0xabc"); !errors.Is(err, domain.ErrExchangeRejected) {
		t.Fatalf("got %v", err)
	}
}

func TestBuildOrderHashIsOrderDigest(t *testing.T) {
	c := newTestClient(t, "http://unused")
	a, _ := c.BuildOrder(testIntent(), 42)
	b, _ := c.BuildOrder(testIntent(), 42)
	other, _ := c.BuildOrder(testIntent(), 43)
	if len(a.Hash) != 66 || a.Hash[:2] != "0x" {
		t.Fatalf("hash = %q", a.Hash)
	}
	if a.Hash != b.Hash || a.Hash == other.Hash {
		t.Fatal("hash must follow the signed order")
	}

	data, _ := json.Marshal(PostOrderRequest{Order: a})
	if strings.Contains(string(data), a.Hash) {
		t.Fatal("hash must not be posted")
	}
}

func TestGetOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("POLY_API_KEY") == "" {
			t.Error("missing L2 headers")
		}
		switch r.URL.Path {
		case "/data/order/0xabc":
			w.Write([]byte(`{"id":"0xabc","status":"LIVE","original_size":"10","size_matched":"4","price":"0.5"}`))
		case "/data/order/0xnull":
			w.Write([]byte(`null`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	o, err := c.GetOrder(context.Background(), "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if !o.Matched().Equal(decimal.NewFromInt(4)) || !o.Resting() {
		t.Fatalf("order = %+v", o)
	}
	if _, err := c.GetOrder(context.Background(), "0xnull"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown order err = %v", err)
	}
}

package orderapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

func testIntent() domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: "key-1",
		OpportunityID:  "opp-1",
		MarketID:       "m1",
		TokenID:        "up",
		Side:           domain.SideBuy,
		Price:          decimal.RequireFromString("0.50"),
		Size:           decimal.NewFromInt(10),
		TimeInForce:    domain.FillOrKill,
		Attempt:        2,
	}
}

func TestSubmitSendsContract(t *testing.T) {
	var got OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/order" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(VersionHeader) != Version {
			t.Errorf("version header = %q", r.Header.Get(VersionHeader))
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		json.NewEncoder(w).Encode(OrderResponse{
			Success: true, IdempotencyKey: got.IdempotencyKey, OrderID: "0xabc",
			Outcome: "filled", FilledSize: "10", AvgPrice: "0.5",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, crypto.NewSecret("tok"), time.Second)
	res, err := c.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if got.Price != "0.5" || got.Size != "10" || got.Side != "BUY" || got.OrderType != "FOK" || got.Attempt != 2 {
		t.Fatalf("request = %+v", got)
	}
	if res.Outcome != domain.OutcomeFilled || !res.FilledSize.Equal(decimal.NewFromInt(10)) || res.OrderID != "0xabc" {
		t.Fatalf("result = %+v", res)
	}
}

func TestSubmitStatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		code      domain.ReasonCode
		retryable bool
	}{
		{http.StatusServiceUnavailable, domain.ReasonOverloaded, true},
		{http.StatusBadGateway, domain.ReasonTransport, true},
		{http.StatusTooManyRequests, domain.ReasonRateLimited, true},
		{http.StatusUnauthorized, domain.ReasonAuthFailed, false},
		{http.StatusBadRequest, domain.ReasonInvalidOrder, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(ErrorResponse{Error: "nope"})
			}))
			defer srv.Close()

			res, err := NewClient(srv.URL, crypto.Secret{}, time.Second).Submit(context.Background(), testIntent())
			if err != nil {
				t.Fatal(err)
			}
			if res.Code != tt.code || res.Retryable != tt.retryable || res.IdempotencyKey != "key-1" {
				t.Fatalf("result = %+v", res)
			}
		})
	}
}

func TestSubmitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	if _, err := NewClient(srv.URL, crypto.Secret{}, time.Second).Submit(context.Background(), testIntent()); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/order/done":
			json.NewEncoder(w).Encode(OrderResponse{IdempotencyKey: "done", Outcome: "filled", FilledSize: "3"})
		case "/v1/order/pending":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(PendingResponse{IdempotencyKey: "pending", Status: "pending"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, crypto.Secret{}, time.Second)
	ctx := context.Background()

	res, done, err := c.Lookup(ctx, "done")
	if err != nil || !done || !res.FilledSize.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("done lookup = %+v %v %v", res, done, err)
	}
	if _, done, err := c.Lookup(ctx, "pending"); err != nil || done {
		t.Fatalf("pending lookup = %v %v", done, err)
	}
	if _, _, err := c.Lookup(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing lookup err = %v", err)
	}
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		switch r.URL.Path {
		case "/v1/order/0xabc":
			json.NewEncoder(w).Encode(CancelResponse{OrderID: "0xabc", Status: "cancelled", FilledSize: "4"})
		case "/v1/order/0xro":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "signer is read-only", Code: "read_only"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, crypto.Secret{}, time.Second)
	ctx := context.Background()

	filled, err := c.Cancel(ctx, "0xabc")
	if err != nil || !filled.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("cancel = %s %v", filled, err)
	}
	if _, err := c.Cancel(ctx, "0xro"); !errors.Is(err, domain.ErrReadOnly) {
		t.Fatalf("read-only cancel err = %v", err)
	}
	if _, err := c.Cancel(ctx, "0xgone"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown cancel err = %v", err)
	}
}

func TestHealthChecksVersion(t *testing.T) {
	version := "v2"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthResponse{Status: "ok", Version: version})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, crypto.Secret{}, time.Second)

	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("version mismatch accepted")
	}
	version = Version
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRequestIntentValidation(t *testing.T) {
	req := FromIntent(testIntent())
	in, err := req.Intent()
	if err != nil {
		t.Fatal(err)
	}
	if in.IdempotencyKey != "key-1" || !in.Price.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("intent = %+v", in)
	}

	bad := req
	bad.Price = "abc"
	if _, err := bad.Intent(); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("err = %v", err)
	}
	bad = req
	bad.OrderType = "GTD"
	if _, err := bad.Intent(); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("GTD without expiration err = %v", err)
	}
	bad.Expiration = time.Now().Add(time.Minute).Unix()
	if _, err := bad.Intent(); err != nil {
		t.Fatalf("GTD with expiration err = %v", err)
	}
}

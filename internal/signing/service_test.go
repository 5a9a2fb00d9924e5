package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderapi"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

type postResponse struct {
	res polymarket.APIOrderResult
	err error
}

// fakeExchange records every posted order and answers from a script whose
// last entry repeats.
type fakeExchange struct {
	mu        sync.Mutex
	posts     []polymarket.SignedOrder
	script    []postResponse
	release   chan struct{} // when set, PostOrder waits for it
	cancelled []string
	cancelErr error
	orders    map[string]polymarket.APIOrder // by order hash
	reads     int
}

func (f *fakeExchange) Maker() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (f *fakeExchange) BuildOrder(intent domain.OrderIntent, salt int64) (polymarket.SignedOrder, error) {
	return polymarket.SignedOrder{
		Salt:    salt,
		TokenID: intent.TokenID,
		Side:    string(intent.Side),
		Hash:    fmt.Sprintf("0x%x", salt),
	}, nil
}

func (f *fakeExchange) PostOrder(ctx context.Context, order polymarket.SignedOrder, _ domain.TimeInForce) (polymarket.APIOrderResult, error) {
	f.mu.Lock()
	f.posts = append(f.posts, order)
	var r postResponse
	if len(f.script) > 0 {
		r = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return polymarket.APIOrderResult{}, ctx.Err()
		}
	}
	return r.res, r.err
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (polymarket.APIOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	o, ok := f.orders[orderID]
	if !ok {
		return polymarket.APIOrder{}, domain.ErrNotFound
	}
	return o, nil
}

// place makes the exchange hold the order signed for key.
func (f *fakeExchange) place(key string, o polymarket.APIOrder) string {
	order, _ := f.BuildOrder(testIntent(key), SaltFor(key))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orders == nil {
		f.orders = make(map[string]polymarket.APIOrder)
	}
	o.ID = order.Hash
	f.orders[order.Hash] = o
	return order.Hash
}

func (f *fakeExchange) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *memAudit) List(context.Context, string, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func matched(taking, making string) postResponse {
	return postResponse{res: polymarket.APIOrderResult{
		Success: true, OrderID: "0xorder", Status: "matched",
		TakingAmount: taking, MakingAmount: making,
	}}
}

func testIntent(key string) domain.OrderIntent {
	return domain.OrderIntent{
		IdempotencyKey: key,
		TokenID:        "up",
		Side:           domain.SideBuy,
		Price:          decimal.RequireFromString("0.50"),
		Size:           decimal.NewFromInt(10),
		TimeInForce:    domain.FillOrKill,
		Attempt:        1,
	}
}

func newTestService(ex *fakeExchange, cfg Config) *Service {
	return NewService(ex, NewMemoryCache(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitFilledIsCached(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{matched("10", "5")}}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	res, err := svc.Submit(context.Background(), testIntent("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeFilled || !res.FilledSize.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("result = %+v", res)
	}
	if !res.AvgPrice.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("avg price = %s", res.AvgPrice)
	}

	again, err := svc.Submit(context.Background(), testIntent("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if ex.postCount() != 1 {
		t.Fatalf("duplicate key posted %d orders", ex.postCount())
	}
	if !reflect.DeepEqual(orderapi.FromResult(again), orderapi.FromResult(res)) {
		t.Fatalf("cached response differs:\n%+v\n%+v", orderapi.FromResult(again), orderapi.FromResult(res))
	}

	// A result cache that stores JSON must hand back the same response.
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded domain.ExecutionResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orderapi.FromResult(decoded), orderapi.FromResult(res)) {
		t.Fatalf("response changed through JSON:\n%+v\n%+v", orderapi.FromResult(decoded), orderapi.FromResult(res))
	}
}

func TestSubmitRetryableResendsSameOrder(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{
		{err: fmt.Errorf("HTTP 502: %w", domain.ErrTransient)},
		matched("10", "5"),
	}}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	first, _ := svc.Submit(context.Background(), testIntent("k2"))
	if !first.Retryable || first.Code != domain.ReasonTransport {
		t.Fatalf("first = %+v", first)
	}
	second, _ := svc.Submit(context.Background(), testIntent("k2"))
	if second.Outcome != domain.OutcomeFilled {
		t.Fatalf("second = %+v", second)
	}
	if ex.postCount() != 2 {
		t.Fatalf("posts = %d", ex.postCount())
	}
	if ex.posts[0].Salt != ex.posts[1].Salt || ex.posts[0].Salt != SaltFor("k2") {
		t.Fatal("resend must sign the same salt")
	}
}

func TestSubmitInvalidIntent(t *testing.T) {
	ex := &fakeExchange{}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	in := testIntent("k3")
	in.Price = decimal.RequireFromString("1.2")
	res, err := svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Code != domain.ReasonInvalidOrder || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if ex.postCount() != 0 {
		t.Fatal("invalid intent reached the exchange")
	}
}

func TestSubmitConcurrentDuplicatesPostOnce(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{matched("10", "5")}, release: make(chan struct{})}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	var wg sync.WaitGroup
	results := make([]domain.ExecutionResult, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = svc.Submit(context.Background(), testIntent("k4"))
		}()
	}
	waitFor(t, func() bool { return ex.postCount() == 1 })
	close(ex.release)
	wg.Wait()

	if ex.postCount() != 1 {
		t.Fatalf("posts = %d", ex.postCount())
	}
	for i, r := range results {
		if r.Outcome != domain.OutcomeFilled {
			t.Fatalf("caller %d got %+v", i, r)
		}
	}
}

func TestSubmitReadOnly(t *testing.T) {
	ex := &fakeExchange{}
	svc := newTestService(ex, Config{ReadOnly: true})
	defer svc.Close()

	res, _ := svc.Submit(context.Background(), testIntent("k5"))
	if res.Code != domain.ReasonReadOnly {
		t.Fatalf("result = %+v", res)
	}
	if ex.postCount() != 0 {
		t.Fatal("read-only signer posted an order")
	}
	if _, _, err := svc.Lookup(context.Background(), "k5"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("read-only result should not be remembered, err = %v", err)
	}
}

func TestSubmitAuthFailureNotifiesAndAudits(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{{err: &polymarket.APIError{StatusCode: 401, Message: "Unauthorized"}}}}
	n := &recordingNotifier{}
	audit := &memAudit{}
	svc := newTestService(ex, Config{}).WithNotifier(n).WithStores(nil, audit)
	defer svc.Close()

	res, _ := svc.Submit(context.Background(), testIntent("k6"))
	// A bare APIError without a sentinel is treated as an exchange answer.
	if res.Code != domain.ReasonExchangeRejected {
		t.Fatalf("result = %+v", res)
	}

	ex.script = []postResponse{{err: fmt.Errorf("post order: %w", domain.ErrUnauthorized)}}
	res, _ = svc.Submit(context.Background(), testIntent("k7"))
	if res.Code != domain.ReasonAuthFailed || res.Retryable {
		t.Fatalf("result = %+v", res)
	}
	if len(n.events) != 1 || n.events[0] != "auth_failed" {
		t.Fatalf("events = %v", n.events)
	}
	entries, _ := audit.List(context.Background(), "", domain.ListOpts{})
	if len(entries) != 2 || entries[1].Detail["code"] != "auth_failed" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestLookup(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{matched("10", "5")}, release: make(chan struct{})}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	if _, _, err := svc.Lookup(context.Background(), "k8"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown key err = %v", err)
	}

	go svc.Submit(context.Background(), testIntent("k8"))
	waitFor(t, func() bool { return ex.postCount() == 1 })

	if _, done, err := svc.Lookup(context.Background(), "k8"); err != nil || done {
		t.Fatalf("in-flight lookup = done %v err %v", done, err)
	}
	close(ex.release)

	waitFor(t, func() bool {
		_, done, _ := svc.Lookup(context.Background(), "k8")
		return done
	})
	res, _, _ := svc.Lookup(context.Background(), "k8")
	if res.Outcome != domain.OutcomeFilled {
		t.Fatalf("lookup = %+v", res)
	}
}

func TestSubmitCallerGivesUp(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{matched("10", "5")}, release: make(chan struct{})}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ex.postCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if _, err := svc.Submit(ctx, testIntent("k9")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	close(ex.release)
	waitFor(t, func() bool {
		_, done, _ := svc.Lookup(context.Background(), "k9")
		return done
	})
}

func TestSubmitUnansweredPostReadsOrderBack(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{
		{err: fmt.Errorf("post order: %w", context.DeadlineExceeded)},
		{res: polymarket.APIOrderResult{ErrorMsg: "order already exists"}},
	}}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	first, _ := svc.Submit(context.Background(), testIntent("k10"))
	if first.Code != domain.ReasonTimeout || !first.Retryable {
		t.Fatalf("first = %+v", first)
	}

	// The order reached the book and filled although no answer came back.
	hash := ex.place("k10", polymarket.APIOrder{Status: "MATCHED", SizeMatched: "10", Price: "0.5"})

	second, _ := svc.Submit(context.Background(), testIntent("k10"))
	if second.Outcome != domain.OutcomeFilled || !second.FilledSize.Equal(decimal.NewFromInt(10)) || second.OrderID != hash {
		t.Fatalf("second = %+v", second)
	}
	if ex.postCount() != 1 {
		t.Fatalf("order posted %d times", ex.postCount())
	}
	res, done, err := svc.Lookup(context.Background(), "k10")
	if err != nil || !done || res.Outcome != domain.OutcomeFilled {
		t.Fatalf("lookup = %+v %v %v", res, done, err)
	}
}

func TestSubmitUnansweredPostNotOnBookResends(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{
		{err: errors.New("http request: connection reset by peer")},
		matched("10", "5"),
	}}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	svc.Submit(context.Background(), testIntent("k11"))
	res, _ := svc.Submit(context.Background(), testIntent("k11"))
	if res.Outcome != domain.OutcomeFilled || ex.postCount() != 2 || ex.reads != 1 {
		t.Fatalf("result = %+v posts = %d reads = %d", res, ex.postCount(), ex.reads)
	}
}

func TestSubmitDuplicateRefusalIsNeverCached(t *testing.T) {
	ex := &fakeExchange{script: []postResponse{
		{res: polymarket.APIOrderResult{ErrorMsg: "order already exists"}},
	}}
	svc := newTestService(ex, Config{})
	defer svc.Close()

	// The exchange refuses the order as a duplicate but cannot show it yet.
	res, _ := svc.Submit(context.Background(), testIntent("k12"))
	if res.Code == domain.ReasonExchangeRejected || !res.Retryable {
		t.Fatalf("duplicate refusal answered as %+v", res)
	}
	if _, _, err := svc.Lookup(context.Background(), "k12"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("refusal was remembered, err = %v", err)
	}

	ex.place("k12", polymarket.APIOrder{Status: "LIVE", SizeMatched: "4", Price: "0.5"})
	res, _ = svc.Submit(context.Background(), testIntent("k12"))
	if res.Outcome != domain.OutcomePartiallyFilled || !res.FilledSize.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("result = %+v", res)
	}
	if ex.postCount() != 1 {
		t.Fatalf("posts = %d", ex.postCount())
	}
}

func TestCancel(t *testing.T) {
	ex := &fakeExchange{}
	hash := ex.place("k13", polymarket.APIOrder{Status: "CANCELED", SizeMatched: "4"})
	audit := &memAudit{}
	svc := newTestService(ex, Config{}).WithStores(nil, audit)
	defer svc.Close()

	filled, err := svc.Cancel(context.Background(), hash)
	if err != nil || !filled.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("cancel = %s %v", filled, err)
	}
	if len(ex.cancelled) != 1 || len(audit.entries) != 1 || audit.entries[0].Event != "order_cancelled" {
		t.Fatalf("cancelled = %v audit = %+v", ex.cancelled, audit.entries)
	}

	// Matched before the cancel arrived: the refusal is not an error.
	done := ex.place("k14", polymarket.APIOrder{Status: "MATCHED", SizeMatched: "10"})
	ex.cancelErr = fmt.Errorf("cancel: %w: order already matched", domain.ErrExchangeRejected)
	if filled, err := svc.Cancel(context.Background(), done); err != nil || !filled.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("cancel matched = %s %v", filled, err)
	}

	// Still resting after a refused cancel is an error.
	live := ex.place("k15", polymarket.APIOrder{Status: "LIVE", SizeMatched: "1"})
	if _, err := svc.Cancel(context.Background(), live); !errors.Is(err, domain.ErrExchangeRejected) {
		t.Fatalf("cancel live err = %v", err)
	}

	ro := newTestService(ex, Config{ReadOnly: true})
	defer ro.Close()
	if _, err := ro.Cancel(context.Background(), hash); !errors.Is(err, domain.ErrReadOnly) {
		t.Fatalf("read-only cancel err = %v", err)
	}
}

func TestSaltFor(t *testing.T) {
	a := SaltFor("key-a")
	if a != SaltFor("key-a") {
		t.Fatal("salt must be stable")
	}
	if a == SaltFor("key-b") {
		t.Fatal("different keys should give different salts")
	}
	if a < 0 || a >= 1<<53 {
		t.Fatalf("salt %d outside 53 bits", a)
	}
}

// Package signing is the trust boundary that owns the wallet key and the
// exchange credentials. It turns order intents into signed CLOB orders,
// submits them at most once per idempotency key and classifies the outcome.
package signing

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

// Exchange builds and places orders. Implemented by *polymarket.ClobClient.
type Exchange interface {
	Maker() common.Address
	BuildOrder(intent domain.OrderIntent, salt int64) (polymarket.SignedOrder, error)
	PostOrder(ctx context.Context, order polymarket.SignedOrder, orderType domain.TimeInForce) (polymarket.APIOrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (polymarket.APIOrder, error)
}

// Notifier alerts the operator.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the service.
type Config struct {
	Workers         int
	QueueSize       int
	DedupTTL        time.Duration
	ExchangeTimeout time.Duration
	RateLimit       int
	RateWindow      time.Duration
	LockTTL         time.Duration
	ReadOnly        bool
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 10 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Second
	}
}

// Service is the signing and submission service.
type Service struct {
	exchange Exchange
	cache    domain.ResultCache
	cfg      Config
	wallet   string
	pool     *Pool
	flight   singleflight.Group

	limiter    domain.RateLimiter
	locks      domain.LockManager
	executions domain.ExecutionStore
	audit      domain.AuditStore
	bus        domain.SignalBus
	notifier   Notifier

	mu       sync.Mutex
	inflight map[string]struct{}
	unsure   map[string]string // key -> order hash of a post with no definite answer

	logger *slog.Logger
}

// NewService creates a Service. cache may be nil, in which case results are
// remembered in process memory only.
func NewService(exchange Exchange, cache domain.ResultCache, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{
		exchange: exchange,
		cache:    cache,
		cfg:      cfg,
		wallet:   exchange.Maker().Hex(),
		pool:     NewPool(cfg.Workers, cfg.QueueSize),
		inflight: make(map[string]struct{}),
		unsure:   make(map[string]string),
		logger:   logger.With(slog.String("component", "signer")),
	}
}

// WithRateLimiter bounds submissions per wallet. Requires Config.RateLimit.
func (s *Service) WithRateLimiter(l domain.RateLimiter) *Service {
	s.limiter = l
	return s
}

// WithLocks serializes submissions for the wallet across processes.
func (s *Service) WithLocks(l domain.LockManager) *Service {
	s.locks = l
	return s
}

// WithStores records executions and audit entries.
func (s *Service) WithStores(executions domain.ExecutionStore, audit domain.AuditStore) *Service {
	s.executions = executions
	s.audit = audit
	return s
}

// WithBus publishes every execution on domain.ChannelExecutions.
func (s *Service) WithBus(b domain.SignalBus) *Service {
	s.bus = b
	return s
}

// WithNotifier alerts the operator on authentication failures.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// ReadOnly reports whether the service refuses to place orders.
func (s *Service) ReadOnly() bool { return s.cfg.ReadOnly }

// Wallet returns the address orders are placed for.
func (s *Service) Wallet() string { return s.wallet }

// Close waits for queued submissions to finish.
func (s *Service) Close() { s.pool.Close() }

// Submit places intent at most once. A key that already has a terminal
// result gets that result back unchanged. Concurrent calls with the same
// key share one submission. The returned error is non-nil only when ctx
// ends first; the submission itself carries on and its result can be read
// with Lookup.
func (s *Service) Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return domain.Failure(intent.IdempotencyKey, domain.ReasonInvalidOrder, err.Error()), nil
	}

	key := intent.IdempotencyKey
	if res, ok := s.cached(ctx, key); ok {
		s.logger.Debug("duplicate submission served from cache", slog.String("key", key))
		return res, nil
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		return s.enqueue(intent), nil
	})
	select {
	case <-ctx.Done():
		return domain.ExecutionResult{}, fmt.Errorf("signing: submit %s: %w", key, ctx.Err())
	case r := <-ch:
		return r.Val.(domain.ExecutionResult), nil
	}
}

// enqueue hands intent to the wallet's lane and waits for the worker.
func (s *Service) enqueue(intent domain.OrderIntent) domain.ExecutionResult {
	key := intent.IdempotencyKey
	done := make(chan domain.ExecutionResult, 1)

	s.setInflight(key, true)
	err := s.pool.Enqueue(s.wallet, func() {
		defer s.setInflight(key, false)
		done <- s.process(intent)
	})
	if err != nil {
		s.setInflight(key, false)
		s.logger.Warn("submission refused", slog.String("key", key), slog.String("error", err.Error()))
		if errors.Is(err, domain.ErrOverloaded) {
			return domain.Failure(key, domain.ReasonOverloaded, "signer queue full")
		}
		return domain.Failure(key, domain.ReasonOverloaded, err.Error())
	}
	return <-done
}

// process runs on a pool worker with its own deadline, independent of the
// caller.
func (s *Service) process(intent domain.OrderIntent) domain.ExecutionResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExchangeTimeout)
	defer cancel()

	key := intent.IdempotencyKey
	log := s.logger.With(
		slog.String("key", key),
		slog.String("token", intent.TokenID),
		slog.Int("attempt", intent.Attempt),
	)

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "submit:"+s.wallet, s.cfg.RateLimit, s.cfg.RateWindow)
		switch {
		case err != nil:
			log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		case !allowed:
			return domain.Failure(key, domain.ReasonRateLimited, "wallet submission rate exceeded")
		}
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "wallet:"+s.wallet, s.cfg.LockTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return domain.Failure(key, domain.ReasonOverloaded, "wallet busy in another signer")
		case err != nil:
			log.Warn("wallet lock unavailable", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	// Another signer may have finished this key while we waited.
	if res, ok := s.cached(ctx, key); ok {
		return res
	}

	if s.cfg.ReadOnly {
		log.Info("read-only: would submit",
			slog.String("side", string(intent.Side)),
			slog.String("price", intent.Price.String()),
			slog.String("size", intent.Size.String()),
			slog.String("tif", string(intent.TimeInForce)),
		)
		return domain.Failure(key, domain.ReasonReadOnly, "signer is read-only")
	}

	order, err := s.exchange.BuildOrder(intent, SaltFor(key))
	if err != nil {
		log.Error("sign order failed", slog.String("error", err.Error()))
		return s.finish(ctx, intent, domain.Failure(key, domain.ReasonInvalidOrder, err.Error()))
	}

	// A previous post of this key may have reached the exchange. Resending
	// the same order would only be refused as a duplicate, so ask first.
	if s.unsureOf(key) != "" {
		if res, ok := s.readBack(ctx, log, intent, order.Hash); ok {
			return s.finish(ctx, intent, res)
		}
	}

	resp, err := s.exchange.PostOrder(ctx, order, intent.TimeInForce)
	res := classify(intent, resp, err)

	switch {
	case ambiguous(err):
		s.setUnsure(key, order.Hash)
		log.Warn("order state unknown after post", slog.String("order_hash", order.Hash))
	case duplicateRefusal(res):
		// The exchange holds this exact order. Its state is the answer; a
		// refusal must not be remembered for the key.
		if known, ok := s.readBack(ctx, log, intent, order.Hash); ok {
			res = known
		} else {
			s.setUnsure(key, order.Hash)
			res = domain.Failure(key, domain.ReasonTransport, "order exists on exchange, state unavailable: "+res.Message)
		}
	}

	attrs := []any{
		slog.String("outcome", string(res.Outcome)),
		slog.String("order_id", res.OrderID),
		slog.String("filled", res.FilledSize.String()),
	}
	if res.Code != domain.ReasonNone {
		attrs = append(attrs, slog.String("code", string(res.Code)), slog.String("message", res.Message))
	}
	if res.Success() {
		log.Info("order placed", attrs...)
	} else {
		log.Warn("order not placed", attrs...)
	}

	return s.finish(ctx, intent, res)
}

// readBack reads the order with the given hash back from the exchange and
// classifies it. ok is false when the exchange does not know the order or
// could not be asked.
func (s *Service) readBack(ctx context.Context, log *slog.Logger, intent domain.OrderIntent, hash string) (domain.ExecutionResult, bool) {
	if hash == "" {
		return domain.ExecutionResult{}, false
	}
	order, err := s.exchange.GetOrder(ctx, hash)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("order read-back failed", slog.String("order_hash", hash), slog.String("error", err.Error()))
		}
		return domain.ExecutionResult{}, false
	}
	res := classifyOrder(intent, order)
	log.Info("order state recovered from exchange",
		slog.String("order_id", res.OrderID),
		slog.String("status", order.Status),
		slog.String("filled", res.FilledSize.String()),
	)
	return res, true
}

// finish caches terminal results and reports the execution. When another
// writer cached a result for the key first, that result wins.
func (s *Service) finish(ctx context.Context, intent domain.OrderIntent, res domain.ExecutionResult) domain.ExecutionResult {
	key := intent.IdempotencyKey
	if terminal(res) {
		s.setUnsure(key, "")
		stored, err := s.cache.Put(ctx, key, res, s.cfg.DedupTTL)
		switch {
		case err != nil:
			s.logger.Warn("result cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		case !stored:
			if prior, ok := s.cached(ctx, key); ok {
				return prior
			}
		}
	}

	exec := domain.Execution{Intent: intent, Result: res, Wallet: s.wallet}
	if s.executions != nil {
		if err := s.executions.Record(ctx, exec); err != nil {
			s.logger.Warn("record execution failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	if s.audit != nil {
		detail := map[string]any{
			"key":      key,
			"token_id": intent.TokenID,
			"side":     string(intent.Side),
			"price":    intent.Price.String(),
			"size":     intent.Size.String(),
			"outcome":  string(res.Outcome),
			"order_id": res.OrderID,
			"code":     string(res.Code),
		}
		if err := s.audit.Log(ctx, "order_submitted", detail); err != nil {
			s.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	if s.bus != nil {
		if payload, err := json.Marshal(exec); err == nil {
			if err := s.bus.Publish(ctx, domain.ChannelExecutions, payload); err != nil {
				s.logger.Debug("publish execution failed", slog.String("error", err.Error()))
			}
		}
	}
	if res.Code == domain.ReasonAuthFailed && s.notifier != nil {
		msg := fmt.Sprintf("wallet %s: exchange refused credentials: %s", s.wallet, res.Message)
		if err := s.notifier.Notify(ctx, "auth_failed", "Signer authentication failed", msg); err != nil {
			s.logger.Warn("notify failed", slog.String("error", err.Error()))
		}
	}
	return res
}

// Lookup returns the result for key. done is false while the key is still
// being processed; a key this signer has never seen is domain.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, key string) (domain.ExecutionResult, bool, error) {
	if res, ok := s.cached(ctx, key); ok {
		return res, true, nil
	}
	if s.isInflight(key) {
		return domain.ExecutionResult{}, false, nil
	}
	if s.executions != nil {
		exec, err := s.executions.GetByKey(ctx, key)
		if err == nil {
			return exec.Result, true, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ExecutionResult{}, false, fmt.Errorf("signing: lookup %s: %w", key, err)
		}
	}
	return domain.ExecutionResult{}, false, fmt.Errorf("signing: lookup %s: %w", key, domain.ErrNotFound)
}

// Cancel cancels a resting order and returns how much of it had filled by
// the time it left the book. An order that already stopped resting, fully
// filled or cancelled earlier, is not an error.
func (s *Service) Cancel(ctx context.Context, orderID string) (decimal.Decimal, error) {
	if s.cfg.ReadOnly {
		s.logger.Info("read-only: would cancel", slog.String("order_id", orderID))
		return decimal.Zero, fmt.Errorf("signing: cancel %s: %w", orderID, domain.ErrReadOnly)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	cancelErr := s.exchange.CancelOrder(ctx, orderID)
	if cancelErr != nil && !errors.Is(cancelErr, domain.ErrExchangeRejected) {
		s.auditCancel(ctx, orderID, false, decimal.Zero)
		return decimal.Zero, fmt.Errorf("signing: cancel %s: %w", orderID, cancelErr)
	}

	order, err := s.exchange.GetOrder(ctx, orderID)
	switch {
	case err != nil && cancelErr != nil:
		s.auditCancel(ctx, orderID, false, decimal.Zero)
		return decimal.Zero, fmt.Errorf("signing: cancel %s: %w", orderID, cancelErr)
	case err != nil:
		s.auditCancel(ctx, orderID, true, decimal.Zero)
		return decimal.Zero, fmt.Errorf("signing: cancel %s: read back: %w", orderID, err)
	case cancelErr != nil && order.Resting():
		s.auditCancel(ctx, orderID, false, order.Matched())
		return decimal.Zero, fmt.Errorf("signing: cancel %s: %w", orderID, cancelErr)
	}

	filled := order.Matched()
	s.auditCancel(ctx, orderID, true, filled)
	s.logger.Info("order off the book",
		slog.String("order_id", orderID),
		slog.String("status", order.Status),
		slog.String("filled", filled.String()),
	)
	return filled, nil
}

func (s *Service) auditCancel(ctx context.Context, orderID string, ok bool, filled decimal.Decimal) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{"order_id": orderID, "ok": ok, "filled": filled.String()}
	if err := s.audit.Log(ctx, "order_cancelled", detail); err != nil {
		s.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

func (s *Service) cached(ctx context.Context, key string) (domain.ExecutionResult, bool) {
	res, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("result cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return domain.ExecutionResult{}, false
	}
	return res, ok
}

func (s *Service) setInflight(key string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.inflight[key] = struct{}{}
	} else {
		delete(s.inflight, key)
	}
}

func (s *Service) isInflight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[key]
	return ok
}

// setUnsure records the order hash of an unanswered post; an empty hash
// clears it.
func (s *Service) setUnsure(key, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash == "" {
		delete(s.unsure, key)
	} else {
		s.unsure[key] = hash
	}
}

func (s *Service) unsureOf(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsure[key]
}

// SaltFor derives the order salt from an idempotency key, so every resend
// of a key signs a byte-identical order. The salt fits in 53 bits to stay
// exact in JSON clients that parse numbers as doubles.
func SaltFor(key string) int64 {
	sum := ethcrypto.Keccak256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<53 - 1))
}

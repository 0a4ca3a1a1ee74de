package orders

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"ordersaga/internal/orders/saga"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrCircuitOpen indicates the circuit breaker is refusing calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// RetryPolicy controls retry behavior for idempotent store writes and reads.
// Collaborator calls are never retried: a duplicate charge or reservation is
// worse than a failed saga.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
}

// Do runs fn until it succeeds, the attempts run out, or the error is not
// retryable.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = retryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			break
		}
		if delay := jitter(p.backoff(attempt)); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay > 0 {
		delay <<= attempt - 1
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// retryable rejects cancellation, an open breaker and the store's
// not-found/exists answers, which a second attempt cannot change.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, saga.ErrOrderNotFound),
		errors.Is(err, saga.ErrOrderExists):
		return false
	}
	return true
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker opens after MaxFailures consecutive failures and lets a
// single trial call through once ResetTimeout has elapsed.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state    circuitState
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	b := &CircuitBreaker{
		maxFails:   max(cfg.MaxFailures, 1),
		resetAfter: cfg.ResetTimeout,
		now:        cfg.Now,
	}
	if b.resetAfter <= 0 {
		b.resetAfter = 2 * time.Second
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	now := b.now()
	if !b.allow(now) {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(now, err)
	return err
}

func (b *CircuitBreaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitOpen:
		if now.Sub(b.openedAt) < b.resetAfter {
			return false
		}
		b.state = circuitHalfOpen
	case circuitHalfOpen:
		if b.trial {
			return false
		}
	}
	if b.state == circuitHalfOpen {
		b.trial = true
	}
	return true
}

func (b *CircuitBreaker) record(now time.Time, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	halfOpen := b.state == circuitHalfOpen
	b.trial = false
	switch {
	case err == nil:
		b.state = circuitClosed
		b.failures = 0
	case halfOpen:
		b.state = circuitOpen
		b.openedAt = now
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.maxFails {
			b.state = circuitOpen
			b.openedAt = now
		}
	}
}

// RateLimiter is a token bucket refilled one token per interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	burst    int
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	// OnWait, when set, observes every pause the limiter imposes.
	OnWait func(time.Duration)

	tokens int
	last   time.Time
}

func NewRateLimiter(interval time.Duration, burst int) *RateLimiter {
	r := &RateLimiter{
		interval: interval,
		burst:    burst,
		now:      time.Now,
		sleep:    sleepWithContext,
		tokens:   burst,
	}
	r.last = r.now()
	return r
}

// Wait blocks until a token is available or ctx ends. A nil or unconfigured
// limiter never blocks.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.interval <= 0 || r.burst <= 0 {
		return ctx.Err()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := r.take()
		if wait == 0 {
			return nil
		}
		if r.OnWait != nil {
			r.OnWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// take consumes a token and returns zero, or returns how long until the next
// refill.
func (r *RateLimiter) take() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if elapsed := now.Sub(r.last); elapsed >= r.interval {
		add := int(elapsed / r.interval)
		r.tokens = min(r.tokens+add, r.burst)
		r.last = r.last.Add(time.Duration(add) * r.interval)
	}
	if r.tokens > 0 {
		r.tokens--
		return 0
	}
	return max(r.interval-now.Sub(r.last), time.Nanosecond)
}

// Guard applies a rate limiter, a circuit breaker and a per-call timeout to
// one collaborator. Every field is optional.
type Guard struct {
	limiter *RateLimiter
	breaker *CircuitBreaker
	timeout time.Duration
}

func NewGuard(limiter *RateLimiter, breaker *CircuitBreaker, timeout time.Duration) *Guard {
	return &Guard{limiter: limiter, breaker: breaker, timeout: timeout}
}

// Do runs fn once under the guard. The timeout bounds the context handed to
// fn; collaborators that ignore their context are not interrupted.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.breaker.Execute(func() error { return g.call(ctx, fn) })
}

// Undo runs a compensating call under the limiter and timeout but never
// through the breaker: an undo is attempted even while forward calls are
// being refused, and its outcome does not move the breaker.
func (g *Guard) Undo(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	return g.call(ctx, fn)
}

func (g *Guard) call(ctx context.Context, fn func(context.Context) error) error {
	if g.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(callCtx)
}

// GuardedCustomerService runs a CustomerService under a Guard.
type GuardedCustomerService struct {
	base  saga.CustomerService
	guard *Guard
}

func GuardCustomers(base saga.CustomerService, guard *Guard) *GuardedCustomerService {
	return &GuardedCustomerService{base: base, guard: guard}
}

func (c *GuardedCustomerService) ValidateAndReserveCredit(ctx context.Context, customerID string, amount decimal.Decimal) (bool, error) {
	var ok bool
	err := c.guard.Do(ctx, func(ctx context.Context) (err error) {
		ok, err = c.base.ValidateAndReserveCredit(ctx, customerID, amount)
		return err
	})
	return ok, err
}

func (c *GuardedCustomerService) ReleaseCredit(ctx context.Context, customerID string, amount decimal.Decimal) error {
	return c.guard.Undo(ctx, func(ctx context.Context) error {
		return c.base.ReleaseCredit(ctx, customerID, amount)
	})
}

// GuardedInventoryService runs an InventoryService under a Guard.
type GuardedInventoryService struct {
	base  saga.InventoryService
	guard *Guard
}

func GuardInventory(base saga.InventoryService, guard *Guard) *GuardedInventoryService {
	return &GuardedInventoryService{base: base, guard: guard}
}

func (s *GuardedInventoryService) Reserve(ctx context.Context, orderID string, items []saga.Item) (bool, error) {
	var ok bool
	err := s.guard.Do(ctx, func(ctx context.Context) (err error) {
		ok, err = s.base.Reserve(ctx, orderID, items)
		return err
	})
	return ok, err
}

func (s *GuardedInventoryService) Release(ctx context.Context, orderID string, items []saga.Item) error {
	return s.guard.Undo(ctx, func(ctx context.Context) error {
		return s.base.Release(ctx, orderID, items)
	})
}

// GuardedPaymentService runs a PaymentService under a Guard.
type GuardedPaymentService struct {
	base  saga.PaymentService
	guard *Guard
}

func GuardPayments(base saga.PaymentService, guard *Guard) *GuardedPaymentService {
	return &GuardedPaymentService{base: base, guard: guard}
}

func (p *GuardedPaymentService) Process(ctx context.Context, orderID string, amount decimal.Decimal, customerID string) (string, error) {
	var transactionID string
	err := p.guard.Do(ctx, func(ctx context.Context) (err error) {
		transactionID, err = p.base.Process(ctx, orderID, amount, customerID)
		return err
	})
	return transactionID, err
}

func (p *GuardedPaymentService) Refund(ctx context.Context, orderID string, transactionID string) error {
	return p.guard.Undo(ctx, func(ctx context.Context) error {
		return p.base.Refund(ctx, orderID, transactionID)
	})
}

// GuardedShippingService runs a ShippingService under a Guard.
type GuardedShippingService struct {
	base  saga.ShippingService
	guard *Guard
}

func GuardShipping(base saga.ShippingService, guard *Guard) *GuardedShippingService {
	return &GuardedShippingService{base: base, guard: guard}
}

func (s *GuardedShippingService) Arrange(ctx context.Context, orderID string, customerID string) (bool, error) {
	var ok bool
	err := s.guard.Do(ctx, func(ctx context.Context) (err error) {
		ok, err = s.base.Arrange(ctx, orderID, customerID)
		return err
	})
	return ok, err
}

func (s *GuardedShippingService) Cancel(ctx context.Context, orderID string) error {
	return s.guard.Undo(ctx, func(ctx context.Context) error {
		return s.base.Cancel(ctx, orderID)
	})
}

// ResilientOrderStore retries the idempotent store operations. Create is
// passed through once so a retried insert can never mask ErrOrderExists.
type ResilientOrderStore struct {
	base  saga.OrderDataStore
	retry RetryPolicy
}

func NewResilientOrderStore(base saga.OrderDataStore, retry RetryPolicy) *ResilientOrderStore {
	return &ResilientOrderStore{base: base, retry: retry}
}

func (s *ResilientOrderStore) Create(ctx context.Context, order saga.Order) error {
	return s.base.Create(ctx, order)
}

func (s *ResilientOrderStore) UpdateStatus(ctx context.Context, orderID string, status saga.Status) error {
	return s.retry.Do(ctx, func() error {
		return s.base.UpdateStatus(ctx, orderID, status)
	})
}

func (s *ResilientOrderStore) RecordPaymentTransactionID(ctx context.Context, orderID string, transactionID string) error {
	return s.retry.Do(ctx, func() error {
		return s.base.RecordPaymentTransactionID(ctx, orderID, transactionID)
	})
}

func (s *ResilientOrderStore) Get(ctx context.Context, orderID string) (saga.Order, error) {
	var order saga.Order
	err := s.retry.Do(ctx, func() (err error) {
		order, err = s.base.Get(ctx, orderID)
		return err
	})
	return order, err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

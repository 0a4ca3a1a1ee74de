package orders

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ReliabilityConfig sizes the guards around collaborators and the retry
// policy around the order store.
type ReliabilityConfig struct {
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
	RateLimitInterval   time.Duration `mapstructure:"rate_limit_interval"`
	RateLimitBurst      int           `mapstructure:"rate_limit_burst"`
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		CallTimeout:         2 * time.Second,
		RetryMaxAttempts:    3,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       500 * time.Millisecond,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 5 * time.Second,
		RateLimitInterval:   time.Millisecond,
		RateLimitBurst:      100,
	}
}

func (c ReliabilityConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.CallTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryMaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.RetryBaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.RetryMaxDelay, validation.Min(c.RetryBaseDelay)),
		validation.Field(&c.BreakerMaxFailures, validation.Min(0)),
		validation.Field(&c.BreakerResetTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.RateLimitInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.RateLimitBurst, validation.Min(0)),
	)
}

// NewGuard builds a fresh guard so that each collaborator trips its own
// breaker. A zero BreakerMaxFailures disables the breaker.
func (c ReliabilityConfig) NewGuard(onWait func(time.Duration)) *Guard {
	var limiter *RateLimiter
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
		limiter.OnWait = onWait
	}
	var breaker *CircuitBreaker
	if c.BreakerMaxFailures > 0 {
		breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	return NewGuard(limiter, breaker, c.CallTimeout)
}

func (c ReliabilityConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/log"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 100 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// ErrNilInnerFactory is returned when a decorator is built around nil.
var ErrNilInnerFactory = errors.New("resilience: inner factory is nil")

// RetryConfig tunes the retry decorator.
type RetryConfig struct {
	// MaxAttempts is the total number of Open attempts, first try included.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff between attempts.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration
	Logger   log.Logger
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}

	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// RetryFactory wraps a factory and re-attempts Open with jittered
// exponential backoff. Close is passed through untouched: releasing a
// handle must never be delayed or swallowed by retry logic.
type RetryFactory struct {
	inner uow.Factory
	cfg   RetryConfig
}

// NewRetryFactory decorates inner with retrying Open behavior.
func NewRetryFactory(inner uow.Factory, cfg RetryConfig) (*RetryFactory, error) {
	if inner == nil {
		return nil, ErrNilInnerFactory
	}

	return &RetryFactory{inner: inner, cfg: cfg.withDefaults()}, nil
}

// Open attempts inner.Open up to MaxAttempts times, sleeping a jittered
// exponential delay between attempts. Context cancellation during the
// sleep aborts immediately, carrying the last open error.
func (f *RetryFactory) Open(ctx context.Context) (uow.Handle, error) {
	if f == nil {
		return nil, ErrNilInnerFactory
	}

	if ctx == nil {
		return nil, uow.ErrNilContext
	}

	var lastErr error

	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ExponentialWithJitter(f.cfg.BaseDelay, attempt-1)
			if delay > f.cfg.MaxDelay {
				delay = f.cfg.MaxDelay
			}

			if err := SleepWithContext(ctx, delay); err != nil {
				return nil, errors.Join(err, lastErr)
			}

			f.cfg.Logger.Log(ctx, log.LevelDebug, "retrying resource open",
				log.Int("attempt", attempt+1),
				log.Duration("delay", delay),
			)
		}

		h, err := f.inner.Open(ctx)
		if err == nil {
			return h, nil
		}

		lastErr = err

		f.cfg.Logger.Log(ctx, log.LevelWarn, "resource open failed",
			log.Int("attempt", attempt+1),
			log.Err(err),
		)
	}

	return nil, fmt.Errorf("resilience: open failed after %d attempts: %w", f.cfg.MaxAttempts, lastErr)
}

// Close releases the handle through the inner factory.
func (f *RetryFactory) Close(ctx context.Context, h uow.Handle) error {
	if f == nil {
		return ErrNilInnerFactory
	}

	return f.inner.Close(ctx, h)
}

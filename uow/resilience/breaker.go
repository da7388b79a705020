package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker guarding Open.
type BreakerConfig struct {
	// Name identifies the breaker in logs and gobreaker state callbacks.
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval resets the failure counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of ratio.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests were observed.
	FailureRatio float64
	// MinRequests is the sample floor for the ratio check.
	MinRequests uint32
	Logger      log.Logger
}

// DefaultBreakerConfig provides balanced settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "uow-factory",
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// DatabaseBreakerConfig tolerates longer outages: transient network issues
// should not immediately cut a service off its store.
func DatabaseBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "uow-database",
		MaxRequests:         5,
		Interval:            3 * time.Minute,
		Timeout:             45 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}

// AggressiveBreakerConfig detects failure fast, for stores where callers
// have an alternative path.
func AggressiveBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "uow-aggressive",
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()

	if cfg.Name == "" {
		cfg.Name = def.Name
	}

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}

	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = def.FailureRatio
	}

	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return cfg
}

// BreakerFactory wraps a factory with a circuit breaker on Open. Once the
// store looks unhealthy the breaker rejects acquisitions immediately
// instead of queueing callers onto a dead store. Close bypasses the
// breaker: handles must always be releasable.
type BreakerFactory struct {
	inner   uow.Factory
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// NewBreakerFactory decorates inner with a circuit breaker.
func NewBreakerFactory(inner uow.Factory, cfg BreakerConfig) (*BreakerFactory, error) {
	if inner == nil {
		return nil, ErrNilInnerFactory
	}

	cfg = cfg.withDefaults()
	logger := cfg.Logger

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	}

	return &BreakerFactory{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// Open acquires a handle through the circuit breaker.
func (f *BreakerFactory) Open(ctx context.Context) (uow.Handle, error) {
	if f == nil {
		return nil, ErrNilInnerFactory
	}

	if ctx == nil {
		return nil, uow.ErrNilContext
	}

	result, err := f.breaker.Execute(func() (any, error) {
		return f.inner.Open(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, fmt.Errorf("resilience: breaker %q is open, store unavailable: %w", f.breaker.Name(), err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("resilience: breaker %q is recovering, open shed: %w", f.breaker.Name(), err)
	case err != nil:
		return nil, err
	}

	handle, ok := result.(uow.Handle)
	if !ok || handle == nil {
		return nil, fmt.Errorf("resilience: breaker %q produced no handle", f.breaker.Name())
	}

	return handle, nil
}

// State reports the breaker state, mainly for health endpoints.
func (f *BreakerFactory) State() gobreaker.State {
	return f.breaker.State()
}

// Close releases the handle through the inner factory, bypassing the
// breaker.
func (f *BreakerFactory) Close(ctx context.Context, h uow.Handle) error {
	if f == nil {
		return ErrNilInnerFactory
	}

	return f.inner.Close(ctx, h)
}

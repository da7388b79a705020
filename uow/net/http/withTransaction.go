package http

import (
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-uow/uow"
	"github.com/LerianStudio/lib-uow/uow/log"
	"github.com/gofiber/fiber/v2"
)

// ErrServerStatus marks a rollback caused by a handler that wrote a 5xx
// status without returning an error.
var ErrServerStatus = errors.New("handler wrote a server error status")

type txMiddleware struct {
	logger log.Logger
	txOpts []uow.TxOption
}

// TransactionOption configures the transaction middleware.
type TransactionOption func(*txMiddleware)

// WithCustomLogger is a functional option for the middleware's own log
// output (swallowed rollback failures). The transaction lifecycle itself
// logs through the manager.
func WithCustomLogger(logger log.Logger) TransactionOption {
	return func(m *txMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTxOptions forwards transaction options (propagation, isolation,
// read-only, timeout) to every boundary the middleware begins.
func WithTxOptions(opts ...uow.TxOption) TransactionOption {
	return func(m *txMiddleware) {
		m.txOpts = append(m.txOpts, opts...)
	}
}

// buildOpts creates the middleware configuration with options.
func buildOpts(opts ...TransactionOption) *txMiddleware {
	mid := &txMiddleware{
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(mid)
	}

	return mid
}

// WithTransaction wraps every request in a transaction boundary. The
// handler reaches the transaction through c.UserContext(): repositories
// that acquire from it join the request's transaction, and a handler
// that never acquires costs nothing beyond the boundary bookkeeping.
//
// The boundary ends from the handler's outcome:
//
//   - a returned error rolls back and is passed on to fiber's error
//     handling unchanged;
//   - a nil error with a 5xx response status rolls back too, but returns
//     nil so the response the handler wrote stands — the rollback is
//     bookkeeping, not a new failure;
//   - anything else commits, and a commit failure is returned so it
//     replaces the success response.
//
// Install fiber's recover middleware ahead of this one so panics surface
// as handler errors; otherwise the transaction watchdog reclaims the
// handle when the request context is cancelled.
func WithTransaction(manager *uow.Manager, opts ...TransactionOption) fiber.Handler {
	mid := buildOpts(opts...)

	return func(c *fiber.Ctx) error {
		parent := c.UserContext()

		scope, err := manager.Begin(parent, mid.txOpts...)
		if err != nil {
			return err
		}

		c.SetUserContext(scope.Context())

		handlerErr := c.Next()

		// Ending the boundary cancels the derived context; outer
		// middlewares must not inherit it.
		c.SetUserContext(parent)

		if handlerErr != nil {
			return scope.End(handlerErr)
		}

		if status := c.Response().StatusCode(); status >= fiber.StatusInternalServerError {
			endErr := scope.End(fmt.Errorf("%w: %d", ErrServerStatus, status))

			var rollbackErr *uow.RollbackError
			if errors.As(endErr, &rollbackErr) {
				mid.logger.Log(parent, log.LevelWarn,
					"rollback after server error status left store state undefined",
					log.Err(endErr),
				)
			}

			return nil
		}

		return scope.End(nil)
	}
}

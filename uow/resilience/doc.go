// Package resilience decorates resource factories with retry and
// circuit-breaking behavior.
//
// RetryFactory re-attempts Open with exponential backoff and full jitter;
// BreakerFactory sheds Open calls through a circuit breaker once the store
// looks unhealthy. Both wrap any uow.Factory and leave Close untouched, so
// cleanup always reaches the store. The backoff helpers are exported for
// callers that need the same delay strategy elsewhere.
package resilience

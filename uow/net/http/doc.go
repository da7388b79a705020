// Package http adapts transaction boundaries to fiber request handling.
//
// WithTransaction begins a transaction before the handler runs, carries
// the derived context in the request's user context, and ends the
// boundary from the handler's outcome: a returned error or a 5xx status
// rolls back, anything else commits.
package http

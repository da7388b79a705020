// Package log defines the logging interface and typed logging fields used
// across lib-uow.
//
// Adapters (such as the zap package) implement Logger so the transaction
// manager and the store drivers can log without committing to a backend.
package log

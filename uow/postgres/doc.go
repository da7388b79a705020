// Package postgres binds PostgreSQL sessions to transaction boundaries.
//
// A Client manages a primary/replica connection pair behind a statement-routing
// resolver, and a Factory draws single pinned sessions from it for the binder.
// Read-only boundaries are routed to the replica; isolation and read-only
// options on the boundary map onto sql.TxOptions. A Migrator applies
// file-based schema migrations against the primary.
package postgres

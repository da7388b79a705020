// Package redis binds Redis MULTI/EXEC blocks to transaction boundaries.
//
// The package has two layers. Client is a connection hub over a
// redis.UniversalClient: it validates topology (standalone, sentinel or
// cluster), connects eagerly, and re-establishes dropped connections
// lazily with rate-limited backoff. Factory adapts the hub to the
// transaction boundary: while a transaction is open, commands issued
// through the handle are queued client-side and sent as a single atomic
// MULTI/EXEC block at commit, so a rolled-back boundary never touches the
// server.
//
// Queued commands resolve their results only after commit; reads that
// must observe live values belong outside the transaction.
package redis

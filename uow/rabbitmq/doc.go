// Package rabbitmq binds AMQP channel transactions to transaction
// boundaries.
//
// The package has two layers. Client is a connection hub: it dials the
// broker, hands out channels, reconnects when the connection drops, and
// can probe the management API for broker health. Factory adapts the hub
// to the transaction contract: each handle owns its own channel, and a
// transaction maps onto tx.select/tx.commit/tx.rollback on that channel,
// so publishes made through the handle are held by the broker and
// delivered atomically at commit.
//
// Only publishes and acks are transactional in AMQP. Exchange, queue, and
// binding declarations take effect immediately regardless of any open
// transaction; perform them outside the boundary.
package rabbitmq

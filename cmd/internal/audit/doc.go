// Package audit persists session status transitions.
//
// The orchestrator records through a Dispatcher, which never blocks: records
// are queued and written by one background goroutine, and dropped when the
// queue is full. PostgresStore is the durable sink; its schema is managed by
// the embedded golang-migrate migrations.
package audit

// Package archive persists every inbound realtime envelope to PostgreSQL.
//
// The writer listens on the dispatcher wildcard, buffers envelopes in a
// bounded channel (dropping with a warning when full so the read goroutine
// never blocks) and batch-inserts them into realtime_events with
// ON CONFLICT DO NOTHING. Event IDs are derived from the envelope content,
// so a status the server resends after a subscription replay is stored once.
// Payloads above the compression threshold are stored zstd-compressed.
package archive

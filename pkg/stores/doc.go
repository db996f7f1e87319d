// Package stores persists domain provisioning records.
//
// Two backends implement engine.StateStore. FileStore keeps the whole state in
// one JSON document and replaces it with a synced temp file plus rename on
// every write, so a crash leaves either the previous or the next document on
// disk. SQLiteStore keeps one row per domain in a WAL-mode database managed by
// embedded migrations, and doubles as an engine.EventPublisher through its
// append-only events table.
package stores

// Package stores keeps the reconciliation journal: a SQLite history of
// finished dispatches and of the per-node outcomes of the workflow passes
// they ran. The schema is managed with embedded golang-migrate migrations.
package stores

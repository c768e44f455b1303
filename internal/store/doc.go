// ABOUTME: Package documentation for the persistence layer.
// ABOUTME: Describes the Store interface and its SQLite and mock implementations.

// Package store provides persistence for the catalyst gateway: nodes,
// servers, access grants, console logs, metrics time series, backups, API
// keys and system settings. The SQLite implementation creates its schema on
// first open; MockStore offers an in-memory variant for tests.
//
// Every update is a single statement, so the store's own atomicity is the
// only mutual exclusion the gateway relies on. Concurrent handlers can
// interleave between reading and writing a server's status; the state
// machine validation upstream is a best-effort race reducer and the
// reconciliation path corrects any resulting drift.
package store

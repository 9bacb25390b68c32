// Package storage persists events, matches, feed bindings and the admin audit log.
//
// Drivers:
//   - memory:   in-process maps, nothing survives a restart
//   - file:     memory plus a JSON snapshot and a JSON-lines audit log
//   - sqlite:   modernc.org/sqlite database file
//   - postgres: PostgreSQL through lib/pq
package storage

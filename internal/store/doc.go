// Package store persists per-user delivery state.
//
// Two durable mappings, keyed by the stringified Telegram user id:
//   - user records: configured delivery time ("HH:MM", 24h)
//   - sent histories: ordered image names delivered in the current cycle
//
// Drivers:
//   - "file": users.json + sent.json under a state directory, each rewritten
//     in full through a temp file + rename on every mutation
//   - "sqlite": a SQLite database file (modernc.org/sqlite)
package store

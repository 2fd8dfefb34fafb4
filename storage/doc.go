// Package storage persists backend change logs.
//
// A ChangeLog is an append-only sequence of protocol.Change records that a
// backend replays on startup. Three implementations are provided:
//
//   - Memory: process-local, used by default and in tests
//   - Bolt: an embedded bbolt file with one bucket per log
//   - Redis: one Redis list per log
//
// Basic usage:
//
//	p, err := storage.OpenBolt("replica.db")
//	log, err := p.Log("A")
//	err = log.Append(ctx, change)
//	changes, err := log.Load(ctx)
//
// Persisted records carry an xxhash checksum; a record that fails
// verification is reported as ErrCorrupt.
package storage

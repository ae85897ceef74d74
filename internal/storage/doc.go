// Package storage persists registry snapshots.
//
// Drivers:
//   - file:   a single JSON document, rewritten through a temp file and rename
//   - sqlite: lenses and short links as rows, replaced in one transaction
//   - redis:  one key holding the JSON document
//
// An empty or "none" driver disables persistence and the registry runs from memory.
package storage

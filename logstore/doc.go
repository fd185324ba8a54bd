// Package logstore provides the append-only signed entry stores behind the
// interfaces.LogStore contract.
//
// Three backends are available through the URI factory:
//
//   - memory:// — in-process store for tests and development
//   - file://   — one JSON-lines file per function chain
//   - postgres:// — durable store with a cached latest-sequence per function
//
// A mirrored store aggregates several backends: appends go to every backend
// and reads come from the first available one.
package logstore

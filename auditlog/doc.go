// Package auditlog implements the signed audit chain discipline: the
// Recorder, which assigns per-function sequence numbers, signs and persists
// entries under a serialized critical section, and the offline integrity
// verifier third parties run against retrieved chains.
package auditlog

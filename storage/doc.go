// Package storage implements content-addressed blob backends behind the
// interfaces.StorageBackend contract.
//
// Content is addressed by its SHA-256 hash, so a stored signed manifest is
// retrievable by the same digest a client computes over the bytes it holds.
// The registry persists manifests through these backends; the signer stores
// armored key backups.
//
// Backends:
//
//   - file://  — local filesystem, one subdirectory per content type
//   - s3://    — Amazon S3 or compatible object storage
//   - ipfs://  — IPFS node or gateway
//   - vault:// — HashiCorp Vault KV store (token auth)
//
// A multi-backend stores to every available backend and fetches from the
// first available one that has the content.
package storage

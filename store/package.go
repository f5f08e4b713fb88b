// Package store implements content-addressed storage of raw message bytes.
//
// Blobs are keyed by the SHA-256 digest of their content. They may be stored in-memory,
// in an embedded badger database, or as encrypted (and optionally compressed) files on disk.
package store

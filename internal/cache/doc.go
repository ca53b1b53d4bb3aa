// Package cache defines the named, versioned response buckets used by the
// offline worker. A Storage holds any number of buckets addressed by
// generation name; each bucket (Store) maps a GET request key to a response
// snapshot. Backends share one contract: Open is idempotent, Put overwrites by
// key, Delete reports whether the bucket existed, and quota exhaustion is
// surfaced as ErrStorageQuotaExceeded so callers can tell it apart from other
// failures. The worker package depends on this package to seed, read and prune
// generations without knowing which backend is configured.
package cache

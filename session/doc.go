// Package session implements the long-lived rotating refresh credential:
// the RefreshSession record, its binary codec, and the Redis-backed store
// with the token-hash exclusive lock that serializes rotation, the family
// and user index sets, and retention of revoked records for replay
// classification.
package session

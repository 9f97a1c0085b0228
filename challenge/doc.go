// Package challenge implements the one-time proof-of-destination-control
// primitive: the Challenge record and its guarded state machine, a compact
// binary codec, and the Redis-backed indexed store with the pending/latest/
// secret-lookup pointer views and the ephemeral plaintext-secret channel.
//
// The record blob is the source of truth. Index pointers are derived views
// maintained only by Store.Save; overwriting the pending pointer is the
// mechanism that supersedes a prior challenge for the same subject tuple.
package challenge

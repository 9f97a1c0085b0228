// Package vouch is a Redis-backed security core for proving control of a
// destination and for rotating refresh sessions.
//
// The challenge side issues single-use OTP codes and link tokens bound to a
// subject, destination, and purpose, enforces attempt budgets and
// supersede-on-reissue, and hands each plaintext secret to the delivery
// pipeline exactly once. The session side rotates opaque refresh tokens
// under a per-token lock, classifies replays of rotated tokens as benign
// client races or theft, and contains theft by revoking the whole session
// family.
//
// Construct an [Engine] through the [Builder]:
//
//	engine, err := vouch.New().
//		WithRedis(client).
//		WithConfig(cfg).
//		Build()
package vouch

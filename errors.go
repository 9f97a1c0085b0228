package vouch

import "errors"

var (
	// ErrEngineNotReady is returned when a dependency was not wired at build time.
	ErrEngineNotReady = errors.New("engine not initialized")

	// ErrChallengeNotFound is returned when no active challenge backs the
	// request, including records lazily evicted as expired.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is returned when expiry is observed mid-operation,
	// distinct from eviction.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeAttempts is returned once the attempt budget is exhausted;
	// the record is canceled and fails closed.
	ErrChallengeAttempts = errors.New("challenge attempts exceeded")
	// ErrChallengeConsumed is returned on a second consume of the same proof.
	ErrChallengeConsumed = errors.New("challenge already consumed")
	// ErrChallengeInvalidState is returned when an operation is invalid for
	// the record's current status, e.g. consuming an unverified challenge.
	ErrChallengeInvalidState = errors.New("challenge state invalid for operation")
	// ErrInvalidSecret is returned on a wrong code or token, always after the
	// attempt increment has been persisted.
	ErrInvalidSecret = errors.New("invalid challenge secret")
	// ErrInvalidDestination is returned when a destination is empty, fails
	// normalization, or does not match the challenge binding.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrChallengeInvalid is returned on malformed challenge input.
	ErrChallengeInvalid = errors.New("challenge request invalid")
	// ErrChallengeUnavailable is returned when the challenge backend failed;
	// the only challenge error class worth retrying.
	ErrChallengeUnavailable = errors.New("challenge backend unavailable")

	// ErrSessionNotFound is returned when a presented refresh token resolves
	// to no retained session.
	ErrSessionNotFound = errors.New("refresh session not found")
	// ErrSessionExpired is returned when a live session is observed past its
	// expiry; the session is revoked, with no family-wide action.
	ErrSessionExpired = errors.New("refresh session expired")
	// ErrRefreshReuse is returned when a replayed token is classified as
	// theft; the whole family is revoked before this error returns.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrSessionUnavailable is returned when the session backend failed or
	// the token lock could not be acquired in time.
	ErrSessionUnavailable = errors.New("session backend unavailable")
)

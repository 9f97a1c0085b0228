package challenge

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no live record backs a lookup. Lazily
	// evicted expired records report as not found, not as expired.
	ErrNotFound = errors.New("challenge not found")
	// ErrRedisUnavailable wraps transport and corruption failures; the only
	// error class a caller may meaningfully retry.
	ErrRedisUnavailable = errors.New("challenge redis unavailable")
)

const minRecordTTL = time.Second

// deleteIfEqualsLua removes a key only when it still holds the expected
// value. Every index-pointer cleanup goes through this one primitive so a
// delayed cleanup can never clobber a pointer that a newer save has already
// overwritten.
var deleteIfEqualsLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store is the Redis-backed indexed challenge repository. The record blob is
// the source of truth; the pending/latest/lookup keys are derived pointers
// maintained exclusively by Save and rebuildable from records.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a challenge [Store] under the given key prefix
// (default "vc").
func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "vc"
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":rec:" + id
}

func (s *Store) pendingKey(st SubjectType, subjectID string, p Purpose, ch Channel) string {
	return s.prefix + ":pend:" + strconv.Itoa(int(st)) + ":" + subjectID +
		":" + strconv.Itoa(int(p)) + ":" + strconv.Itoa(int(ch))
}

func (s *Store) latestKey(destNorm string, p Purpose, ch Channel) string {
	return s.prefix + ":last:" + destNorm + ":" + strconv.Itoa(int(p)) + ":" + strconv.Itoa(int(ch))
}

func (s *Store) codeKey(st SubjectType, subjectID, destNorm string, codeHash [32]byte) string {
	return s.prefix + ":code:" + strconv.Itoa(int(st)) + ":" + subjectID +
		":" + destNorm + ":" + hex.EncodeToString(codeHash[:])
}

func (s *Store) linkKey(st SubjectType, subjectID string, tokenHash [32]byte) string {
	return s.prefix + ":link:" + strconv.Itoa(int(st)) + ":" + subjectID +
		":" + hex.EncodeToString(tokenHash[:])
}

func (s *Store) publicLinkKey(p Purpose, ch Channel, tokenHash [32]byte) string {
	return s.prefix + ":plink:" + strconv.Itoa(int(p)) + ":" + strconv.Itoa(int(ch)) +
		":" + hex.EncodeToString(tokenHash[:])
}

func (s *Store) secretKey(id string) string {
	return s.prefix + ":sec:" + id
}

// DeleteIfEquals removes key only while it still holds expected. Exposed so
// callers running deferred cleanups share the store's compare-and-delete
// guarantee instead of re-implementing it.
func (s *Store) DeleteIfEquals(ctx context.Context, key, expected string) error {
	if err := deleteIfEqualsLua.Run(ctx, s.redis, []string{key}, expected).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (s *Store) lookupKeys(c *Challenge) []string {
	if c.Kind == KindToken {
		return []string{
			s.linkKey(c.SubjectType, c.SubjectID, c.TokenHash),
			s.publicLinkKey(c.Purpose, c.Channel, c.TokenHash),
		}
	}
	return []string{s.codeKey(c.SubjectType, c.SubjectID, c.DestinationNorm, c.CodeHash)}
}

func (s *Store) recordTTL(c *Challenge, now time.Time) time.Duration {
	ttl := time.Unix(c.RecordLifetime(), 0).Sub(now)
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

// Save persists the full record and recomputes its TTL as
// max(1s, recordLifetime − now). A PENDING save (re)writes the pending,
// latest, and secret-lookup pointers with the same TTL. A save that leaves
// PENDING compare-and-deletes the pending pointer — only if it still names
// this record — and drops this record's lookup entries unconditionally.
// Overwriting the pending pointer is what supersedes a prior challenge; the
// prior record's CANCELED status is bookkeeping, not the enforcement.
func (s *Store) Save(ctx context.Context, c *Challenge, now time.Time) error {
	data, err := Encode(c)
	if err != nil {
		return err
	}

	ttl := s.recordTTL(c, now)
	pendingKey := s.pendingKey(c.SubjectType, c.SubjectID, c.Purpose, c.Channel)

	if c.Status == StatusPending {
		_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.recordKey(c.ID), data, ttl)
			pipe.Set(ctx, pendingKey, c.ID, ttl)
			pipe.Set(ctx, s.latestKey(c.DestinationNorm, c.Purpose, c.Channel), c.ID, ttl)
			for _, key := range s.lookupKeys(c) {
				pipe.Set(ctx, key, c.ID, ttl)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(c.ID), data, ttl)
		pipe.Del(ctx, s.lookupKeys(c)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return s.DeleteIfEquals(ctx, pendingKey, c.ID)
}

// FindByID returns the record, or ErrNotFound if absent or lazily expired.
// A PENDING record found past its record lifetime is evicted on read and
// treated as absent.
func (s *Store) FindByID(ctx context.Context, id string, now time.Time) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	c.ID = id

	if c.Status == StatusPending && now.Unix() > c.RecordLifetime() {
		if err := s.evict(ctx, c); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	return c, nil
}

func (s *Store) evict(ctx context.Context, c *Challenge) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(c.ID))
		pipe.Del(ctx, s.lookupKeys(c)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.DeleteIfEquals(ctx, s.pendingKey(c.SubjectType, c.SubjectID, c.Purpose, c.Channel), c.ID)
}

// FindActivePending dereferences the pending pointer for the subject tuple
// and re-validates that the target record is still PENDING. A dangling or
// stale pointer is compare-and-deleted and reported as not found.
func (s *Store) FindActivePending(
	ctx context.Context,
	st SubjectType, subjectID string,
	p Purpose, ch Channel,
	now time.Time,
) (*Challenge, error) {
	key := s.pendingKey(st, subjectID, p, ch)
	id, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	c, err := s.FindByID(ctx, id, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cleanupErr := s.DeleteIfEquals(ctx, key, id); cleanupErr != nil {
				return nil, cleanupErr
			}
		}
		return nil, err
	}
	if c.Status != StatusPending {
		if err := s.DeleteIfEquals(ctx, key, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return c, nil
}

// FindPendingByCodeHash dereferences the OTP lookup index and re-validates
// status, destination, and that the stored hash still matches, defending
// against stale index entries.
func (s *Store) FindPendingByCodeHash(
	ctx context.Context,
	st SubjectType, subjectID, destNorm string,
	codeHash [32]byte,
	now time.Time,
) (*Challenge, error) {
	key := s.codeKey(st, subjectID, destNorm, codeHash)
	return s.findPendingByIndex(ctx, key, now, func(c *Challenge) bool {
		stored := c.CodeHash
		return c.Kind == KindCode &&
			c.DestinationNorm == destNorm &&
			subtle.ConstantTimeCompare(stored[:], codeHash[:]) == 1
	})
}

// FindPendingByTokenHash dereferences the subject-scoped link index, for
// flows where the caller already knows which subject it is acting for.
func (s *Store) FindPendingByTokenHash(
	ctx context.Context,
	st SubjectType, subjectID string,
	tokenHash [32]byte,
	now time.Time,
) (*Challenge, error) {
	key := s.linkKey(st, subjectID, tokenHash)
	return s.findPendingByIndex(ctx, key, now, func(c *Challenge) bool {
		stored := c.TokenHash
		return c.Kind == KindToken && subtle.ConstantTimeCompare(stored[:], tokenHash[:]) == 1
	})
}

// FindActivePendingByTokenHash dereferences the subject-agnostic public link
// index, used by link-click flows where the subject is unknown until the
// token resolves.
func (s *Store) FindActivePendingByTokenHash(
	ctx context.Context,
	p Purpose, ch Channel,
	tokenHash [32]byte,
	now time.Time,
) (*Challenge, error) {
	key := s.publicLinkKey(p, ch, tokenHash)
	return s.findPendingByIndex(ctx, key, now, func(c *Challenge) bool {
		stored := c.TokenHash
		return c.Kind == KindToken &&
			c.Purpose == p && c.Channel == ch &&
			subtle.ConstantTimeCompare(stored[:], tokenHash[:]) == 1
	})
}

func (s *Store) findPendingByIndex(
	ctx context.Context,
	indexKey string,
	now time.Time,
	valid func(*Challenge) bool,
) (*Challenge, error) {
	id, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	c, err := s.FindByID(ctx, id, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if cleanupErr := s.DeleteIfEquals(ctx, indexKey, id); cleanupErr != nil {
				return nil, cleanupErr
			}
		}
		return nil, err
	}
	if c.Status != StatusPending || !valid(c) {
		if err := s.DeleteIfEquals(ctx, indexKey, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return c, nil
}

// FindLatestByDestinationAndPurpose dereferences the latest pointer for
// status polling. The target may be in any state.
func (s *Store) FindLatestByDestinationAndPurpose(
	ctx context.Context,
	destNorm string, p Purpose, ch Channel,
	now time.Time,
) (*Challenge, error) {
	id, err := s.redis.Get(ctx, s.latestKey(destNorm, p, ch)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.FindByID(ctx, id, now)
}

// PutEphemeralSecret stages the plaintext secret for the delivery pipeline
// in a key namespace separate from the hashed record. It lives only as long
// as the challenge it belongs to.
func (s *Store) PutEphemeralSecret(ctx context.Context, id, rawSecret string, ttl time.Duration) error {
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	if err := s.redis.Set(ctx, s.secretKey(id), rawSecret, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// GetAndDeleteEphemeralSecret atomically fetches and removes the staged
// plaintext secret. A second fetch observes ErrNotFound; that outcome is not
// retryable — the remedy is a fresh resend.
func (s *Store) GetAndDeleteEphemeralSecret(ctx context.Context, id string) (string, error) {
	secret, err := s.redis.GetDel(ctx, s.secretKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return secret, nil
}

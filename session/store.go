package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no session backs a lookup.
	ErrNotFound = errors.New("refresh session not found")
	// ErrRedisUnavailable wraps transport and corruption failures.
	ErrRedisUnavailable = errors.New("session redis unavailable")
	// ErrLockNotAcquired is returned when the token-hash lock could not be
	// taken within the configured wait budget.
	ErrLockNotAcquired = errors.New("token lock not acquired")
)

const minRecordTTL = time.Second

// unlockLua releases a lock only while it is still held by this owner, so a
// lock that expired and was re-acquired by another caller is never released
// from under them.
var unlockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store is the Redis-backed refresh-session store. Records are kept after
// revocation (TTL floored at the retention window) so token replay can be
// classified as benign race or reuse instead of vanishing into not-found.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	lockTTL   time.Duration
	lockWait  time.Duration
	lockRetry time.Duration
}

// NewStore creates a session [Store]. prefix defaults to "vs"; retention is
// the minimum time a record survives past revocation or expiry.
func NewStore(
	client redis.UniversalClient,
	prefix string,
	retention time.Duration,
	lockTTL, lockWait, lockRetry time.Duration,
) *Store {
	if prefix == "" {
		prefix = "vs"
	}
	if lockTTL <= 0 {
		lockTTL = 3 * time.Second
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	if lockRetry <= 0 {
		lockRetry = 25 * time.Millisecond
	}
	return &Store{
		redis:     client,
		prefix:    prefix,
		retention: retention,
		lockTTL:   lockTTL,
		lockWait:  lockWait,
		lockRetry: lockRetry,
	}
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":rec:" + id
}

func (s *Store) tokenKey(hash [32]byte) string {
	return s.prefix + ":tok:" + hex.EncodeToString(hash[:])
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + ":fam:" + familyID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":usr:" + userID
}

func (s *Store) lockKey(hash [32]byte) string {
	return s.prefix + ":lock:" + hex.EncodeToString(hash[:])
}

func (s *Store) recordTTL(sess *Session, now time.Time) time.Duration {
	ttl := time.Unix(sess.ExpiresAt, 0).Sub(now)
	if ttl < s.retention {
		ttl = s.retention
	}
	if ttl < minRecordTTL {
		ttl = minRecordTTL
	}
	return ttl
}

// Save persists the session record and maintains the token-hash, family, and
// user index views. The token index is written on every save — including
// revoked ones — because reuse detection depends on a replayed token still
// resolving to its revoked session.
func (s *Store) Save(ctx context.Context, sess *Session, now time.Time) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	ttl := s.recordTTL(sess, now)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(sess.ID), data, ttl)
		pipe.Set(ctx, s.tokenKey(sess.TokenHash), sess.ID, ttl)
		pipe.SAdd(ctx, s.familyKey(sess.FamilyID), sess.ID)
		pipe.Expire(ctx, s.familyKey(sess.FamilyID), ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// saveRecord rewrites only the record blob, leaving index views untouched.
// Used by revocation paths where the token index must stay intact.
func (s *Store) saveRecord(ctx context.Context, sess *Session, now time.Time) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.recordKey(sess.ID), data, s.recordTTL(sess, now)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// FindByID returns a session by id, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sess, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sess.ID = id
	return sess, nil
}

// FindByTokenHash resolves a presented token hash to its session. Revoked
// sessions resolve too; classifying them is the caller's job.
func (s *Store) FindByTokenHash(ctx context.Context, hash [32]byte) (*Session, error) {
	id, err := s.redis.Get(ctx, s.tokenKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.FindByID(ctx, id)
}

// AcquireTokenLock takes the exclusive lock for a token hash, blocking any
// concurrent refresh presenting the same token until release is called.
// Without it, two legitimate concurrent refreshes would both observe "not
// revoked", both rotate, and silently fork two children of one session.
func (s *Store) AcquireTokenLock(ctx context.Context, hash [32]byte) (release func(), err error) {
	key := s.lockKey(hash)
	owner := uuid.NewString()
	deadline := time.Now().Add(s.lockWait)

	for {
		ok, err := s.redis.SetNX(ctx, key, owner, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.lockRetry):
		}
	}

	return func() {
		_ = unlockLua.Run(context.Background(), s.redis, []string{key}, owner).Err()
	}, nil
}

// FamilySessions returns every retained session in a family.
func (s *Store) FamilySessions(ctx context.Context, familyID string) ([]*Session, error) {
	return s.loadSet(ctx, s.familyKey(familyID))
}

// SessionsForUser returns every retained session belonging to a user.
func (s *Store) SessionsForUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.loadSet(ctx, s.userKey(userID))
}

func (s *Store) loadSet(ctx context.Context, setKey string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				// Record expired out from under the set; drop the member.
				_ = s.redis.SRem(ctx, setKey, ids[i]).Err()
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, decErr)
		}
		sess.ID = ids[i]
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// LatestActiveInFamily returns the newest unrevoked, unexpired session in a
// family, or ErrNotFound. This is the winner the loser of a benign race gets
// an access token for.
func (s *Store) LatestActiveInFamily(ctx context.Context, familyID string, now time.Time) (*Session, error) {
	sessions, err := s.FamilySessions(ctx, familyID)
	if err != nil {
		return nil, err
	}

	var latest *Session
	for _, sess := range sessions {
		if sess.Revoked || sess.IsExpired(now) {
			continue
		}
		if latest == nil || sess.CreatedAt > latest.CreatedAt {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// RevokeFamily revokes every unrevoked session sharing the family id.
// Idempotent: sessions already revoked keep their original RevokedAt.
func (s *Store) RevokeFamily(ctx context.Context, familyID string, now time.Time) error {
	sessions, err := s.FamilySessions(ctx, familyID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Revoked {
			continue
		}
		sess.Revoke(now)
		if err := s.saveRecord(ctx, sess, now); err != nil {
			return err
		}
	}
	return nil
}

// MarkReuse persists the one-way reuse flag set on an already revoked
// session. Indexes stay untouched.
func (s *Store) MarkReuse(ctx context.Context, sess *Session, now time.Time) error {
	return s.saveRecord(ctx, sess, now)
}

// RevokeSession revokes a single session, preserving the token index for
// later replay classification.
func (s *Store) RevokeSession(ctx context.Context, sess *Session, now time.Time) error {
	sess.Revoke(now)
	return s.saveRecord(ctx, sess, now)
}

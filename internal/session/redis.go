package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 5

var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore keeps sessions as JSON documents in Redis so several API
// replicas can share them. Read-modify-write cycles use WATCH transactions;
// an index sorted set scored by last activity drives Sweep and Active.
type RedisStore struct {
	Redis    *redis.Client
	Prefix   string
	Timeout  time.Duration
	LeaseTTL time.Duration
	Now      func() time.Time
}

// NewRedisStore creates a store with the default key prefix.
func NewRedisStore(rdb *redis.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RedisStore{
		Redis:    rdb,
		Prefix:   "tunjiax",
		Timeout:  timeout,
		LeaseTTL: 2 * time.Minute,
		Now:      time.Now,
	}
}

func (r *RedisStore) sessionKey(id string) string { return r.Prefix + ":session:" + id }
func (r *RedisStore) leaseKey(id string) string   { return r.Prefix + ":lease:" + id }
func (r *RedisStore) lostKey(id string) string    { return r.Prefix + ":lost:" + id }
func (r *RedisStore) indexKey() string            { return r.Prefix + ":sessions" }

// docTTL is a backstop for documents left behind when no sweeper runs.
func (r *RedisStore) docTTL() time.Duration { return 2 * r.Timeout }

func (r *RedisStore) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.Redis.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("session: too many concurrent updates to %v", keys)
}

func (r *RedisStore) load(ctx context.Context, tx *redis.Tx, id string) (*Session, error) {
	raw, err := tx.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

// loadLive is load for writers. An expired session is deleted inside the
// watched transaction, leaving a lost marker if it held a staged transfer,
// and reported as ErrNotFound.
func (r *RedisStore) loadLive(ctx context.Context, tx *redis.Tx, id string) (*Session, error) {
	s, err := r.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !s.expired(r.now(), r.Timeout) {
		return s, nil
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.discard(ctx, pipe, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

func (r *RedisStore) discard(ctx context.Context, pipe redis.Pipeliner, s *Session) {
	pipe.Del(ctx, r.sessionKey(s.ID))
	pipe.ZRem(ctx, r.indexKey(), s.ID)
	if s.Pending != nil {
		pipe.Set(ctx, r.lostKey(s.ID), s.Pending.ID, lostPendingTTL)
	}
}

func (r *RedisStore) save(ctx context.Context, pipe redis.Pipeliner, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	pipe.Set(ctx, r.sessionKey(s.ID), data, r.docTTL())
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(s.LastActivity.UnixMilli()), Member: s.ID})
	return nil
}

func (r *RedisStore) GetOrCreate(ctx context.Context, id, userID string) (Lookup, error) {
	var lk Lookup
	err := r.watch(ctx, func(tx *redis.Tx) error {
		lk = Lookup{}
		now := r.now()

		s, err := r.load(ctx, tx, id)
		switch {
		case err == nil && !s.expired(now, r.Timeout):
			if s.UserID != userID {
				return ErrNotOwner
			}
			s.LastActivity = now
			lk.Session = s
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return r.save(ctx, pipe, s)
			})
			return err
		case err == nil:
			lk.Expired = true
			lk.LostPending = s.Pending != nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		lost, err := tx.Exists(ctx, r.lostKey(id)).Result()
		if err != nil {
			return fmt.Errorf("failed to read lost marker: %w", err)
		}
		if lost > 0 {
			lk.LostPending = true
		}

		fresh := newSession(id, userID, now)
		lk.Session = fresh
		lk.Created = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.lostKey(id))
			return r.save(ctx, pipe, fresh)
		})
		return err
	}, r.sessionKey(id), r.lostKey(id))
	if err != nil {
		return Lookup{}, err
	}
	lk.Session = lk.Session.Clone()
	return lk, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := r.Redis.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.expired(r.now(), r.Timeout) {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, mutate func(*Session) error) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		s, err := r.loadLive(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(s); err != nil {
			return err
		}
		s.LastActivity = r.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.save(ctx, pipe, s)
		})
		return err
	}, r.sessionKey(id))
}

func (r *RedisStore) SetPending(ctx context.Context, id string, p PendingTransfer) error {
	return r.Update(ctx, id, func(s *Session) error {
		s.Pending = &p
		return nil
	})
}

func (r *RedisStore) TakePending(ctx context.Context, id string) (*PendingTransfer, error) {
	var taken *PendingTransfer
	err := r.watch(ctx, func(tx *redis.Tx) error {
		taken = nil
		s, err := r.loadLive(ctx, tx, id)
		if err != nil {
			return err
		}
		if s.Pending == nil {
			return nil
		}
		taken = s.Pending
		s.Pending = nil
		s.LastActivity = r.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.save(ctx, pipe, s)
		})
		return err
	}, r.sessionKey(id))
	if err != nil {
		return nil, err
	}
	return taken, nil
}

func (r *RedisStore) Clear(ctx context.Context, id string) error {
	_, err := r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(id), r.lostKey(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.Timeout).UnixMilli()
	ids, err := r.Redis.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		busy, err := r.Redis.Exists(ctx, r.leaseKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to read lease: %w", err)
		}
		if busy > 0 {
			continue
		}

		swept := false
		err = r.watch(ctx, func(tx *redis.Tx) error {
			swept = false
			s, err := r.load(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, r.indexKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if !s.expired(r.now(), r.Timeout) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.discard(ctx, pipe, s)
				return nil
			})
			swept = err == nil
			return err
		}, r.sessionKey(id))
		if err != nil {
			return removed, err
		}
		if swept {
			removed++
		}
	}
	return removed, nil
}

func (r *RedisStore) Active(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.Timeout).UnixMilli()
	n, err := r.Redis.ZCount(ctx, r.indexKey(), strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) Acquire(ctx context.Context, id string) (func(), error) {
	token := uuid.NewString()
	ok, err := r.Redis.SetNX(ctx, r.leaseKey(id), token, r.LeaseTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session lease: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLeaseScript.Run(releaseCtx, r.Redis, []string{r.leaseKey(id)}, token).Err()
	}, nil
}

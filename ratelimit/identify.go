package ratelimit

import (
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
)

// IdentifyWindow is the gateway's per-bucket identify rate limit: at most
// one IDENTIFY every five seconds across sibling shards.
const IdentifyWindow = 5 * time.Second

// Store serializes identify slot reservation. Attempt reserves the slot; when
// the slot is taken it returns false plus the time to wait before retrying.
type Store interface {
	Attempt() (bool, time.Duration, error)
}

type IdentifyLimiter struct {
	store Store
}

func NewIdentifyLimiter(store Store) *IdentifyLimiter {
	return &IdentifyLimiter{store: store}
}

// Wait blocks until the shard holds the identify slot.
func (l *IdentifyLimiter) Wait(shardId int) error {
	for {
		ok, wait, err := l.store.Attempt()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		logrus.Debugf("shard %d: waiting %s before identifying", shardId, wait)
		time.Sleep(wait)
	}
}

// LocalStore tracks the last identify instant in-process. Suitable when all
// shards of the bucket live in one process.
type LocalStore struct {
	mu           sync.Mutex
	lastIdentify time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{}
}

func (s *LocalStore) Attempt() (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if wait := s.lastIdentify.Add(IdentifyWindow).Sub(now); wait > 0 {
		return false, wait, nil
	}

	s.lastIdentify = now
	return true, 0, nil
}

// RedisStore coordinates the identify slot across processes with a keyed
// SETNX lease that expires after the window.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) Attempt() (bool, time.Duration, error) {
	ok, err := s.client.SetNX(s.key, 1, IdentifyWindow).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	wait := s.client.PTTL(s.key).Val()
	if wait <= 0 {
		wait = IdentifyWindow
	}
	return false, wait, nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 4

// RedisStore implements IndexStore using Redis.
//
// Each record is a JSON document under <prefix>session:<sid>. Secondary
// indexes keep every sid (<prefix>sessions), the sids of each provider
// (<prefix>provider:<type>:<name>), the provider names of each type
// (<prefix>providers:<type>) and, for authenticated sessions, a sorted set of
// sids per identity scored by creation time (<prefix>identity:...).
type RedisStore struct {
	client *redis.Client
	opts   options
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int
}

// NewRedis creates a new Redis index store from a Redis client.
func NewRedis(client *redis.Client, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   applyOptions(opts),
	}
}

// NewRedisFromConfig connects to Redis and creates a new index store.
func NewRedisFromConfig(cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	return NewRedis(client, opts...), nil
}

type redisRecord struct {
	SID                         string   `json:"sid"`
	Provider                    Provider `json:"provider"`
	IdleTimeoutExpiration       *int64   `json:"idleTimeoutExpiration"`
	LifespanExpiration          *int64   `json:"lifespanExpiration"`
	CreatedAt                   int64    `json:"createdAt"`
	UsernameHash                string   `json:"usernameHash,omitempty"`
	AccessAgreementAcknowledged bool     `json:"accessAgreementAcknowledged,omitempty"`
	Content                     string   `json:"content"`
	Version                     int64    `json:"version"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(redisRecord{
		SID:                         rec.SID,
		Provider:                    rec.Provider,
		IdleTimeoutExpiration:       millisPtr(rec.IdleTimeoutExpiration),
		LifespanExpiration:          millisPtr(rec.LifespanExpiration),
		CreatedAt:                   createdAtMillis(rec.CreatedAt),
		UsernameHash:                rec.UsernameHash,
		AccessAgreementAcknowledged: rec.AccessAgreementAcknowledged,
		Content:                     rec.Content,
		Version:                     rec.Version,
	})
}

func decodeRecord(data []byte) (*Record, error) {
	var r redisRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("redis: failed to decode session: %w", err)
	}
	return &Record{
		SID:                         r.SID,
		Provider:                    r.Provider,
		IdleTimeoutExpiration:       fromMillis(r.IdleTimeoutExpiration),
		LifespanExpiration:          fromMillis(r.LifespanExpiration),
		CreatedAt:                   createdAtFromMillis(r.CreatedAt),
		UsernameHash:                r.UsernameHash,
		AccessAgreementAcknowledged: r.AccessAgreementAcknowledged,
		Content:                     r.Content,
		Version:                     r.Version,
	}, nil
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func (s *RedisStore) key(sid string) string {
	return s.opts.keyPrefix + "session:" + sid
}

func (s *RedisStore) allKey() string {
	return s.opts.keyPrefix + "sessions"
}

func (s *RedisStore) providerKey(p Provider) string {
	return s.opts.keyPrefix + "provider:" + p.Type + ":" + p.Name
}

func (s *RedisStore) providerNamesKey(providerType string) string {
	return s.opts.keyPrefix + "providers:" + providerType
}

func (s *RedisStore) identityKey(p Provider, usernameHash string) string {
	return s.opts.keyPrefix + "identity:" + p.Type + ":" + p.Name + ":" + usernameHash
}

// Get returns the record for sid.
func (s *RedisStore) Get(ctx context.Context, sid string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get session: %w", err)
	}
	return decodeRecord(data)
}

// Create persists a new record and its index entries.
func (s *RedisStore) Create(ctx context.Context, rec *Record) (*Record, error) {
	stored := rec.Clone()
	stored.Version = 1

	data, err := encodeRecord(stored)
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, s.key(stored.SID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create session: %w", err)
	}
	if !ok {
		return nil, errors.New("redis: session already exists")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.addIndexes(ctx, pipe, stored)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: failed to index session: %w", err)
	}
	return stored, nil
}

// Update replaces the record if its version matches, using WATCH so that a
// concurrent writer or invalidation aborts the transaction.
func (s *RedisStore) Update(ctx context.Context, rec *Record) (*Record, error) {
	key := s.key(rec.SID)

	for i := 0; i < maxUpdateRetries; i++ {
		var result *Record

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}

			current, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if current.Version != rec.Version {
				result = current
				return nil
			}

			next := rec.Clone()
			next.CreatedAt = current.CreatedAt
			next.Version = current.Version + 1

			encoded, err := encodeRecord(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				if current.Provider != next.Provider || current.UsernameHash != next.UsernameHash {
					s.removeIndexes(ctx, pipe, current)
					s.addIndexes(ctx, pipe, next)
				}
				return nil
			})
			if err != nil {
				return err
			}

			result = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: failed to update session: %w", err)
		}
		return result, nil
	}

	// Every attempt lost to a concurrent writer; report what is stored now.
	return s.Get(ctx, rec.SID)
}

// Invalidate deletes every record matching filter.
func (s *RedisStore) Invalidate(ctx context.Context, filter Filter) (int, error) {
	var sids []string

	switch filter.Match {
	case MatchSID:
		sids = []string{filter.SID}
	case MatchAll:
		members, err := s.client.SMembers(ctx, s.allKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("redis: failed to list sessions: %w", err)
		}
		sids = members
	case MatchQuery:
		names := []string{filter.Provider.Name}
		if filter.Provider.Name == "" {
			members, err := s.client.SMembers(ctx, s.providerNamesKey(filter.Provider.Type)).Result()
			if err != nil {
				return 0, fmt.Errorf("redis: failed to list providers: %w", err)
			}
			names = members
		}

		for _, name := range names {
			p := Provider{Type: filter.Provider.Type, Name: name}

			var (
				members []string
				err     error
			)
			if filter.UsernameHash != "" {
				members, err = s.client.ZRange(ctx, s.identityKey(p, filter.UsernameHash), 0, -1).Result()
			} else {
				members, err = s.client.SMembers(ctx, s.providerKey(p)).Result()
			}
			if err != nil {
				return 0, fmt.Errorf("redis: failed to query sessions: %w", err)
			}
			sids = append(sids, members...)
		}
	default:
		return 0, fmt.Errorf("redis: unknown filter match %q", filter.Match)
	}

	return s.deleteAll(ctx, sids)
}

// IsWithinConcurrentSessionLimit reports whether rec is among the newest
// sessions of its identity.
func (s *RedisStore) IsWithinConcurrentSessionLimit(ctx context.Context, rec *Record) (bool, error) {
	limit := s.opts.maxConcurrentSessions
	if limit == 0 || rec.UsernameHash == "" {
		return true, nil
	}

	newest, err := s.client.ZRevRange(ctx, s.identityKey(rec.Provider, rec.UsernameHash), 0, int64(limit-1)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: failed to query concurrent sessions: %w", err)
	}
	for _, sid := range newest {
		if sid == rec.SID {
			return true, nil
		}
	}
	return false, nil
}

// CleanUp deletes expired records. This walks every session and is meant
// for a background loop, not a request path.
func (s *RedisStore) CleanUp(ctx context.Context, now time.Time, idleGrace time.Duration) (int, error) {
	sids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to list sessions: %w", err)
	}

	var dead []string
	for _, sid := range sids {
		rec, err := s.Get(ctx, sid)
		if err != nil {
			return 0, err
		}
		if rec == nil || isDead(rec, now, idleGrace) {
			dead = append(dead, sid)
		}
	}
	return s.deleteAll(ctx, dead)
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) addIndexes(ctx context.Context, pipe redis.Pipeliner, rec *Record) {
	pipe.SAdd(ctx, s.allKey(), rec.SID)
	pipe.SAdd(ctx, s.providerKey(rec.Provider), rec.SID)
	pipe.SAdd(ctx, s.providerNamesKey(rec.Provider.Type), rec.Provider.Name)
	if rec.UsernameHash != "" {
		pipe.ZAdd(ctx, s.identityKey(rec.Provider, rec.UsernameHash), redis.Z{
			Score:  float64(createdAtMillis(rec.CreatedAt)),
			Member: rec.SID,
		})
	}
}

func (s *RedisStore) removeIndexes(ctx context.Context, pipe redis.Pipeliner, rec *Record) {
	pipe.SRem(ctx, s.providerKey(rec.Provider), rec.SID)
	if rec.UsernameHash != "" {
		pipe.ZRem(ctx, s.identityKey(rec.Provider, rec.UsernameHash), rec.SID)
	}
}

// deleteAll removes the given sessions and their index entries, returning
// how many records existed.
func (s *RedisStore) deleteAll(ctx context.Context, sids []string) (int, error) {
	count := 0
	for _, sid := range sids {
		rec, err := s.Get(ctx, sid)
		if err != nil {
			return count, err
		}

		var del *redis.IntCmd
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, s.key(sid))
			pipe.SRem(ctx, s.allKey(), sid)
			if rec != nil {
				s.removeIndexes(ctx, pipe, rec)
			}
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("redis: failed to delete session: %w", err)
		}
		count += int(del.Val())
	}
	return count, nil
}

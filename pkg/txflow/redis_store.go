package txflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "chainchat:tx:"

// beginScript claims a message unless it is in flight or already terminal.
var beginScript = redis.NewScript(`
local submitting = redis.call('HGET', KEYS[1], 'submitting')
local code = redis.call('HGET', KEYS[1], 'code')
if submitting == '1' then return 0 end
if code == ARGV[2] or code == ARGV[3] or code == ARGV[4] then return 0 end
redis.call('HDEL', KEYS[1], 'hash', 'error')
redis.call('HSET', KEYS[1], 'submitting', '1', 'code', ARGV[5])
if tonumber(ARGV[1]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return 1
`)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a message's state is kept. Zero keeps it forever.
	TTL time.Duration
}

// RedisStore shares State between client processes through Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (State, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return State{}, fmt.Errorf("load state %s: %w", id, err)
	}
	st := DefaultState()
	if code := fields["code"]; code != "" {
		st.Code = Code(code)
	}
	st.IsSubmitting = fields["submitting"] == "1"
	st.TransactionHash = fields["hash"]
	st.Error = fields["error"]
	st.Observed = fields["observed"] == "1"
	return st, nil
}

// Begin implements Store.
func (s *RedisStore) Begin(ctx context.Context, id string) (State, bool, error) {
	prev, err := s.Get(ctx, id)
	if err != nil {
		return State{}, false, err
	}
	claimed, err := beginScript.Run(ctx, s.client, []string{s.key(id)},
		s.ttl.Milliseconds(), string(CodeSuccess), string(CodeFailed), string(CodeUserRejected), string(CodePending),
	).Int()
	if err != nil {
		return State{}, false, fmt.Errorf("claim %s: %w", id, err)
	}
	if claimed == 1 {
		return prev, true, nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return State{}, false, err
	}
	return current, false, nil
}

// RecordHash implements Store.
func (s *RedisStore) RecordHash(ctx context.Context, id, hash string) error {
	if err := s.client.HSet(ctx, s.key(id), "hash", hash).Err(); err != nil {
		return fmt.Errorf("record hash %s: %w", id, err)
	}
	return nil
}

// Finish implements Store.
func (s *RedisStore) Finish(ctx context.Context, id string, state State) error {
	key := s.key(id)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "submitting", "0", "code", string(state.Code), "hash", state.TransactionHash, "error", state.Error)
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish %s: %w", id, err)
	}
	return nil
}

// MarkObserved implements Store.
func (s *RedisStore) MarkObserved(ctx context.Context, id string) (bool, error) {
	set, err := s.client.HSetNX(ctx, s.key(id), "observed", "1").Result()
	if err != nil {
		return false, fmt.Errorf("mark observed %s: %w", id, err)
	}
	return set, nil
}

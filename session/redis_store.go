package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "sessionkit:session:"

// RedisStore persists sessions in Redis so that several processes acting for
// the same account see one leaf set.
type RedisStore struct {
	recordStore
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all session keys (default: "sessionkit:session:").
	Prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	s := &RedisStore{client: client}
	s.io = &redisIO{client: client, prefix: prefix}
	return s
}

type redisIO struct {
	client *redis.Client
	prefix string
}

func (r *redisIO) recordKey(account string) string {
	return r.prefix + "record:" + account
}

func (r *redisIO) signersKey(account string) string {
	return r.prefix + "signers:" + account
}

func (r *redisIO) loadRecord(ctx context.Context, account string) (*record, error) {
	data, err := r.client.Get(ctx, r.recordKey(account)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &record{}, nil
		}
		return nil, fmt.Errorf("get session record: %w", err)
	}

	rec := &record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	return rec, nil
}

func (r *redisIO) saveRecord(ctx context.Context, account string, rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := r.client.Set(ctx, r.recordKey(account), data, 0).Err(); err != nil {
		return fmt.Errorf("set session record: %w", err)
	}
	return nil
}

func (r *redisIO) loadSigner(ctx context.Context, account, address string) (*SignerKey, error) {
	data, err := r.client.HGet(ctx, r.signersKey(account), address).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSignerNotFound
		}
		return nil, fmt.Errorf("get signer: %w", err)
	}

	var key SignerKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parse signer: %w", err)
	}
	return &key, nil
}

func (r *redisIO) saveSigner(ctx context.Context, account, address string, key SignerKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal signer: %w", err)
	}
	if err := r.client.HSet(ctx, r.signersKey(account), address, data).Err(); err != nil {
		return fmt.Errorf("set signer: %w", err)
	}
	return nil
}

func (r *redisIO) close() error {
	return r.client.Close()
}

package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisTxRetries   = 16

	redisQuotaPrefix = "gateway:quota:"

	fieldCount       = "count"
	fieldWindowStart = "window_start"
)

// ErrTxConflict is returned when an optimistic Redis transaction keeps
// losing the race for a key.
var ErrTxConflict = errors.New("quota: redis transaction conflict")

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Host         string        `json:"host" yaml:"host"`
	Port         int           `json:"port" yaml:"port"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Cluster      bool          `json:"cluster" yaml:"cluster"`
	ClusterNodes []string      `json:"cluster_nodes" yaml:"cluster_nodes"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	TxRetries    int           `json:"tx_retries" yaml:"tx_retries"`
}

// RedisStore keeps each record in a hash. Update runs under WATCH and
// commits with MULTI/EXEC, retrying when another client touched the key.
type RedisStore struct {
	client    redis.UniversalClient
	txRetries int

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore constructs a Redis backend and verifies connectivity.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &RedisStore{
		client:    newRedisClient(conf),
		txRetries: conf.TxRetries,
	}
	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, txRetries: defaultRedisTxRetries}
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	vals, err := s.client.HGetAll(ctx, redisKey(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("read quota %s: %w", key, err)
	}
	return parseRedisRecord(key, vals)
}

func (s *RedisStore) Update(ctx context.Context, key Key, fn func(tx Tx) error) error {
	rkey := redisKey(key)
	txf := func(rtx *redis.Tx) error {
		vals, err := rtx.HGetAll(ctx, rkey).Result()
		if err != nil {
			return fmt.Errorf("read quota %s: %w", key, err)
		}
		rec, ok, err := parseRedisRecord(key, vals)
		if err != nil {
			return err
		}

		tx := &memTx{key: key, rec: rec, exists: ok}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty {
			return nil
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rkey,
				fieldCount, tx.rec.RequestCount,
				fieldWindowStart, tx.rec.WindowStart.UnixNano())
			return nil
		})
		return err
	}

	for i := 0; i < s.txRetries; i++ {
		err := s.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrTxConflict
}

// Close releases Redis resources. It is idempotent.
func (s *RedisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *RedisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := s.client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func redisKey(key Key) string {
	return redisQuotaPrefix + strconv.FormatInt(key.UserID, 10) + ":" + key.Channel
}

func parseRedisRecord(key Key, vals map[string]string) (Record, bool, error) {
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	count, err := strconv.Atoi(vals[fieldCount])
	if err != nil {
		return Record{}, false, fmt.Errorf("corrupt quota %s: count %q: %w", key, vals[fieldCount], err)
	}
	start, err := strconv.ParseInt(vals[fieldWindowStart], 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("corrupt quota %s: window_start %q: %w", key, vals[fieldWindowStart], err)
	}
	return Record{
		UserID:       key.UserID,
		Channel:      key.Channel,
		RequestCount: count,
		WindowStart:  time.Unix(0, start),
	}, true, nil
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.TxRetries <= 0 {
		conf.TxRetries = defaultRedisTxRetries
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else {
		if conf.Host == "" {
			return nil, fmt.Errorf("host is required when cluster=false")
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
		}
	}
	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

package quota

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/redis/go-redis/v9"
	testcontainers "github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
)

const quotaRedisImage = "redis:7.2-alpine"

// quotaRedis is a throwaway Redis server holding quota hashes, with a raw
// client for inspecting what the store wrote.
type quotaRedis struct {
	host string
	port int
	raw  *redis.Client
}

// startQuotaRedis runs a Redis container for the test and terminates it on
// cleanup. The test is skipped when no container runtime is usable.
func startQuotaRedis(t *testing.T) *quotaRedis {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := rediscontainer.Run(ctx, quotaRedisImage)
	if err != nil {
		t.Skipf("quota redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("quota redis endpoint: %v", err)
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		t.Fatalf("quota redis endpoint %q: %v", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("quota redis port %q: %v", portStr, err)
	}

	raw := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = raw.Close() })

	return &quotaRedis{host: host, port: port, raw: raw}
}

// store opens a RedisStore the way the gateway configures one, with extra
// transaction retries for the concurrent contract checks.
func (q *quotaRedis) store(t *testing.T) *RedisStore {
	t.Helper()
	s, err := NewRedisStore(&RedisConfig{Host: q.host, Port: q.port, TxRetries: 64})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	return s
}

// hash returns the raw fields stored for a quota key.
func (q *quotaRedis) hash(t *testing.T, key Key) map[string]string {
	t.Helper()
	vals, err := q.raw.HGetAll(context.Background(), redisKey(key)).Result()
	if err != nil {
		t.Fatalf("HGETALL %s: %v", redisKey(key), err)
	}
	return vals
}

func newRedisStoreForTest(t *testing.T) (*RedisStore, func()) {
	t.Helper()
	s := startQuotaRedis(t).store(t)
	return s, func() { _ = s.Close() }
}

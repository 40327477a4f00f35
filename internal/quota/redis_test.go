package quota

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestNormalizeRedisConfigDefaults(t *testing.T) {
	conf, err := normalizeRedisConfig(&RedisConfig{Host: "localhost", Port: 6379})
	if err != nil {
		t.Fatalf("normalizeRedisConfig() error = %v", err)
	}
	if conf.PoolSize != defaultRedisPoolSize {
		t.Errorf("PoolSize = %d, want %d", conf.PoolSize, defaultRedisPoolSize)
	}
	if conf.MaxRetries != defaultRedisMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", conf.MaxRetries, defaultRedisMaxRetries)
	}
	if conf.DialTimeout != defaultRedisDialTimeout {
		t.Errorf("DialTimeout = %s, want %s", conf.DialTimeout, defaultRedisDialTimeout)
	}
	if conf.TxRetries != defaultRedisTxRetries {
		t.Errorf("TxRetries = %d, want %d", conf.TxRetries, defaultRedisTxRetries)
	}
}

func TestNormalizeRedisConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  *RedisConfig
	}{
		{name: "nil", cfg: nil},
		{name: "missing host", cfg: &RedisConfig{Port: 6379}},
		{name: "bad port", cfg: &RedisConfig{Host: "localhost"}},
		{name: "cluster without nodes", cfg: &RedisConfig{Cluster: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := normalizeRedisConfig(tc.cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseRedisRecord(t *testing.T) {
	key := Key{UserID: 7, Channel: "telegram"}

	if _, ok, err := parseRedisRecord(key, map[string]string{}); ok || err != nil {
		t.Fatalf("empty hash = ok:%v err:%v, want absent", ok, err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, ok, err := parseRedisRecord(key, map[string]string{
		fieldCount:       "4",
		fieldWindowStart: "1704067200000000000",
	})
	if err != nil || !ok {
		t.Fatalf("parseRedisRecord() = %v, %v", ok, err)
	}
	if rec.RequestCount != 4 || !rec.WindowStart.Equal(start) {
		t.Errorf("record = %+v", rec)
	}

	if _, _, err := parseRedisRecord(key, map[string]string{fieldCount: "x", fieldWindowStart: "1"}); err == nil {
		t.Error("corrupt count should fail")
	}
}

func TestRedisKey(t *testing.T) {
	if got := redisKey(Key{UserID: 5, Channel: "whatsapp"}); got != "gateway:quota:5:whatsapp" {
		t.Errorf("redisKey() = %q", got)
	}
}

func TestRedisStore_HashLayout(t *testing.T) {
	srv := startQuotaRedis(t)
	s := srv.store(t)
	defer s.Close()

	key := Key{UserID: 42, Channel: "whatsapp"}
	err := s.Update(context.Background(), key, func(tx Tx) error {
		if err := tx.UpsertReset(epoch); err != nil {
			return err
		}
		return tx.Increment()
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	vals := srv.hash(t, key)
	if vals[fieldCount] != "2" {
		t.Errorf("count field = %q, want 2", vals[fieldCount])
	}
	if vals[fieldWindowStart] != strconv.FormatInt(epoch.UnixNano(), 10) {
		t.Errorf("window_start field = %q, want %d", vals[fieldWindowStart], epoch.UnixNano())
	}
	if other := srv.hash(t, Key{UserID: 42, Channel: "telegram"}); len(other) != 0 {
		t.Errorf("telegram key should be untouched, got %v", other)
	}
}

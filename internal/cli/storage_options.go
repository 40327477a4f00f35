package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/perplexo/gateway/internal/clock"
	"github.com/perplexo/gateway/internal/config"
	"github.com/perplexo/gateway/internal/database"
	"github.com/perplexo/gateway/internal/limiter"
	"github.com/perplexo/gateway/internal/prefs"
	"github.com/perplexo/gateway/internal/querylog"
	"github.com/perplexo/gateway/internal/quota"
)

type storageOptions struct {
	backend           string
	dbPath            string
	redisHost         string
	redisPort         int
	redisPassword     string
	redisDB           int
	redisCluster      bool
	redisClusterNodes []string
	redisPoolSize     int
	redisMaxRetries   int
	redisDialTimeout  time.Duration
}

func (o *storageOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.backend, "storage", quota.BackendSQLite, "quota storage backend (memory, sqlite, redis)")
	cmd.Flags().StringVar(&o.dbPath, "db-path", database.DefaultPath, "sqlite database path")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", "localhost", "redis host (or host:port)")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", 6379, "redis port")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", 0, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", 20, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", 3, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", 5*time.Second, "redis dial timeout")
}

// applyTo overrides cfg with every flag the user set explicitly.
func (o *storageOptions) applyTo(cmd *cobra.Command, cfg *config.StorageConfig) error {
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.Backend = o.backend
	}
	if flags.Changed("db-path") {
		cfg.SQLite.Path = o.dbPath
	}
	if flags.Changed("redis-host") || flags.Changed("redis-port") {
		host, port := o.redisHost, o.redisPort
		if !flags.Changed("redis-host") {
			host = cfg.Redis.Host
		}
		if !flags.Changed("redis-port") {
			port = cfg.Redis.Port
		}
		h, p, err := normalizeRedisHostPort(host, port)
		if err != nil {
			return err
		}
		cfg.Redis.Host, cfg.Redis.Port = h, p
	}
	if flags.Changed("redis-password") {
		cfg.Redis.Password = o.redisPassword
	}
	if flags.Changed("redis-db") {
		cfg.Redis.DB = o.redisDB
	}
	if flags.Changed("redis-cluster") {
		cfg.Redis.Cluster = o.redisCluster
	}
	if flags.Changed("redis-cluster-nodes") {
		cfg.Redis.ClusterNodes = append([]string(nil), o.redisClusterNodes...)
	}
	if flags.Changed("redis-pool-size") {
		cfg.Redis.PoolSize = o.redisPoolSize
	}
	if flags.Changed("redis-max-retries") {
		cfg.Redis.MaxRetries = o.redisMaxRetries
	}
	if flags.Changed("redis-dial-timeout") {
		cfg.Redis.DialTimeout = o.redisDialTimeout
	}
	return nil
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host value %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host = h
		port = n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}

	return host, port, nil
}

// stores bundles the durable state behind one gateway process.
// Query logs and preferences live in SQLite unless the memory backend is
// selected; quota records follow the configured backend.
type stores struct {
	quota   quota.Store
	limiter *limiter.FixedWindow
	logs    querylog.Store
	prefs   prefs.Store
	db      *sql.DB
}

func openStores(cfg *config.Config, clk clock.Clock) (*stores, error) {
	st := &stores{}
	var err error

	switch cfg.Storage.Backend {
	case quota.BackendMemory:
		st.quota = quota.NewMemoryStore()
		st.logs = querylog.NewMemoryStore()
		st.prefs = prefs.NewMemoryStore()
	case quota.BackendSQLite, quota.BackendRedis:
		if st.db, err = database.OpenSQLite(cfg.Storage.SQLite.Path); err != nil {
			return nil, err
		}
		if err := st.openSQL(cfg); err != nil {
			st.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	st.limiter, err = limiter.NewFromPolicy(st.quota, cfg.Limiter.Policy(), clk)
	if err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func (s *stores) openSQL(cfg *config.Config) error {
	if cfg.Storage.Backend == quota.BackendRedis {
		redisCfg := cfg.Storage.Redis
		rs, err := quota.NewRedisStore(&redisCfg)
		if err != nil {
			return err
		}
		s.quota = rs
	} else {
		qs, err := quota.NewSQLiteStore(s.db)
		if err != nil {
			return err
		}
		s.quota = qs
	}

	logs, err := querylog.NewSQLiteStore(s.db)
	if err != nil {
		return err
	}
	s.logs = logs

	ps, err := prefs.NewSQLiteStore(s.db)
	if err != nil {
		return err
	}
	s.prefs = ps
	return nil
}

func (s *stores) Close() error {
	var errs []error
	if s.quota != nil {
		errs = append(errs, s.quota.Close())
	}
	if s.logs != nil {
		errs = append(errs, s.logs.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nosytlabs/secpipe/logging"
)

// RedisConfig holds Redis connection settings for the shared store
type RedisConfig struct {
	Addrs        []string      `json:"addrs" yaml:"addrs"`
	Username     string        `json:"username" yaml:"username"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Cluster      bool          `json:"cluster" yaml:"cluster"`
	Sentinel     bool          `json:"sentinel" yaml:"sentinel"`
	MasterName   string        `json:"master_name" yaml:"master_name"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	// Breaker short-circuits calls while Redis keeps failing.
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultKeyPrefix namespaces rate limit keys in Redis
const DefaultKeyPrefix = "secpipe:ratelimit:"

// slidingWindowScript prunes, counts and conditionally records in one round trip.
// Hits scored at the cutoff stay in the window.
// ARGV: now ms, cutoff ms, limit, member, window ms.
// Returns {allowed, count, oldest score}.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	local score = '0'
	if oldest[2] then
		score = oldest[2]
	end
	return {0, count, score}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[5]) + 1)
return {1, count + 1, '0'}
`)

// RedisStore is a Store shared across instances. Each key is a sorted set of
// hit timestamps; the Lua script keeps check-and-record atomic. A circuit
// breaker returns ErrCircuitOpen without touching Redis after repeated failures.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	owned   bool
	breaker *CircuitBreaker
	logger  logging.Logger
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithBreaker replaces the default circuit breaker settings
func WithBreaker(config BreakerConfig) RedisOption {
	return func(s *RedisStore) {
		if config.Disabled {
			s.breaker = nil
			return
		}
		s.breaker = NewCircuitBreaker(config)
	}
}

// WithStoreLogger sets the logger used for breaker transitions
func WithStoreLogger(logger logging.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = logger.WithComponent("ratelimit_redis") }
}

// NewRedisStore wraps an existing client. The caller keeps ownership of client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, opts ...RedisOption) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	s := &RedisStore{
		client:  client,
		prefix:  keyPrefix,
		breaker: NewCircuitBreaker(BreakerConfig{}),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker != nil {
		s.breaker.SetOnStateChange(func(from, to BreakerState) {
			log := s.logger.Info
			if to == BreakerOpen {
				log = s.logger.Warn
			}
			log("redis circuit breaker state changed",
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		})
	}
	return s
}

// NewRedisStoreFromConfig dials Redis according to config and verifies the connection
func NewRedisStoreFromConfig(ctx context.Context, config RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	client := newRedisClient(config)

	pingCtx, cancel := context.WithTimeout(ctx, withDefault(config.DialTimeout, 5*time.Second))
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisStore(client, config.KeyPrefix, append([]RedisOption{WithBreaker(config.Breaker)}, opts...)...)
	store.owned = true
	return store, nil
}

func newRedisClient(config RedisConfig) redis.UniversalClient {
	addrs := config.Addrs
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	dial := withDefault(config.DialTimeout, 5*time.Second)
	read := withDefault(config.ReadTimeout, 3*time.Second)
	write := withDefault(config.WriteTimeout, 3*time.Second)

	switch {
	case config.Cluster:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Username:     config.Username,
			Password:     config.Password,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   config.MaxRetries,
			DialTimeout:  dial,
			ReadTimeout:  read,
			WriteTimeout: write,
		})
	case config.Sentinel:
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    config.MasterName,
			SentinelAddrs: addrs,
			Username:      config.Username,
			Password:      config.Password,
			DB:            config.DB,
			PoolSize:      config.PoolSize,
			MinIdleConns:  config.MinIdleConns,
			MaxRetries:    config.MaxRetries,
			DialTimeout:   dial,
			ReadTimeout:   read,
			WriteTimeout:  write,
		})
	default:
		return redis.NewClient(&redis.Options{
			Addr:         addrs[0],
			Username:     config.Username,
			Password:     config.Password,
			DB:           config.DB,
			PoolSize:     config.PoolSize,
			MinIdleConns: config.MinIdleConns,
			MaxRetries:   config.MaxRetries,
			DialTimeout:  dial,
			ReadTimeout:  read,
			WriteTimeout: write,
		})
	}
}

// Record implements Store
func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	if s.breaker == nil {
		return s.record(ctx, key, now, window, limit)
	}
	if !s.breaker.Allow() {
		return Result{}, ErrCircuitOpen
	}

	res, err := s.record(ctx, key, now, window, limit)
	switch {
	case err == nil:
		s.breaker.RecordSuccess()
	case ctx.Err() != nil:
		// the caller gave up; says nothing about Redis
		s.breaker.Release()
	default:
		s.breaker.RecordFailure()
	}
	return res, err
}

// BreakerState returns the circuit breaker state. Closed when no breaker is configured.
func (s *RedisStore) BreakerState() BreakerState {
	if s.breaker == nil {
		return BreakerClosed
	}
	return s.breaker.State()
}

func (s *RedisStore) record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Result, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		nowMs,
		nowMs-windowMs,
		limit,
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
		windowMs,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(res) != 3 {
		return Result{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	result := Result{Allowed: allowed == 1, Count: int(count)}

	if !result.Allowed {
		result.RetryAfter = window
		if score, ok := res[2].(string); ok {
			if oldest, err := strconv.ParseFloat(score, 64); err == nil && oldest > 0 {
				result.RetryAfter = time.Duration(int64(oldest)+windowMs-nowMs) * time.Millisecond
			}
		}
		if result.RetryAfter <= 0 {
			result.RetryAfter = time.Millisecond
		}
	}
	return result, nil
}

// Close closes the client when the store created it
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

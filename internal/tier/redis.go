package tier

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// RedisConfig configures the shared L2 tier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces keys so several deployments can share one Redis.
	Prefix string `yaml:"prefix"`

	// QueryTimeout bounds every Redis operation. A timed-out operation is
	// a tier failure, never a failure of the overall lookup.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// Breaker guards the tier against a down or partitioned Redis.
	Breaker circuit.Config `yaml:"breaker"`
}

// DefaultRedisConfig returns the stock L2 settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Prefix:       "tiercache",
		QueryTimeout: 2 * time.Second,
	}
}

// Redis is the L2 tier: a shared Redis keyspace holding msgpack entry
// envelopes. All operations run behind a circuit breaker and a per-call
// timeout so a failed Redis degrades reads to misses instead of stalling
// the request path.
type Redis struct {
	client  *redis.Client
	config  RedisConfig
	breaker *circuit.Breaker
	logger  *slog.Logger

	ops      atomic.Uint64
	failures atomic.Uint64
}

var _ types.TierStore = (*Redis)(nil)

// NewRedis dials Redis and returns the L2 tier. The tier owns the client
// and closes it on Close.
func NewRedis(config RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = def.QueryTimeout
	}

	logger := slog.Default().With("component", "tier-redis", "addr", config.Addr)
	breakerCfg := config.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg = withStateLogging(breakerCfg, logger)
	}
	breaker := circuit.New("l2-redis", breakerCfg)

	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
		config:  config,
		breaker: breaker,
		logger:  logger,
	}
}

// ID implements TierStore.
func (r *Redis) ID() types.TierID { return types.TierL2 }

// Get fetches and decodes the entry, returning (nil, nil) on a miss. An
// entry whose embedded expiry has passed is treated as a miss even if
// Redis has not dropped it yet.
func (r *Redis) Get(ctx context.Context, key string) (*types.Entry, error) {
	var entry *types.Entry
	err := r.execute(ctx, func(qctx context.Context) error {
		data, err := r.client.Get(qctx, r.prefixed(key)).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return errors.New(errors.ErrCodeTierRead, "redis get").
				WithTier(string(types.TierL2)).WithKey(key).WithCause(err)
		}
		decoded, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Expired(time.Now()) {
		return nil, nil
	}
	return entry, nil
}

// Put stores the msgpack envelope with the tier TTL as the Redis expiry.
func (r *Redis) Put(ctx context.Context, key string, entry *types.Entry, ttl time.Duration) error {
	stored := *entry
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := encodeEntry(&stored)
	if err != nil {
		return err
	}
	return r.execute(ctx, func(qctx context.Context) error {
		if err := r.client.Set(qctx, r.prefixed(key), data, ttl).Err(); err != nil {
			return errors.New(errors.ErrCodeTierWrite, "redis set").
				WithTier(string(types.TierL2)).WithKey(key).WithCause(err)
		}
		return nil
	})
}

// Delete removes the key. Deleting an absent key succeeds.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.execute(ctx, func(qctx context.Context) error {
		if err := r.client.Del(qctx, r.prefixed(key)).Err(); err != nil {
			return errors.New(errors.ErrCodeTierWrite, "redis del").
				WithTier(string(types.TierL2)).WithKey(key).WithCause(err)
		}
		return nil
	})
}

// HealthCheck pings Redis and reports availability, latency, and the
// tier's observed error rate.
func (r *Redis) HealthCheck(ctx context.Context) types.TierHealth {
	qctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
	defer cancel()

	start := time.Now()
	err := r.client.Ping(qctx).Err()
	health := types.TierHealth{
		Tier:      types.TierL2,
		Available: err == nil,
		Latency:   time.Since(start),
		ErrorRate: r.errorRate(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		health.Message = err.Error()
	}
	return health
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// execute runs one Redis operation behind the breaker with the query
// timeout applied.
func (r *Redis) execute(ctx context.Context, fn func(context.Context) error) error {
	r.ops.Add(1)
	err := r.breaker.Execute(ctx, func(bctx context.Context) error {
		qctx, cancel := context.WithTimeout(bctx, r.config.QueryTimeout)
		defer cancel()
		return fn(qctx)
	})
	if err != nil {
		r.failures.Add(1)
	}
	return err
}

func (r *Redis) prefixed(key string) string {
	if r.config.Prefix == "" {
		return key
	}
	return r.config.Prefix + ":" + key
}

func (r *Redis) errorRate() float64 {
	ops := r.ops.Load()
	if ops == 0 {
		return 0
	}
	return float64(r.failures.Load()) / float64(ops)
}

func withStateLogging(config circuit.Config, logger *slog.Logger) circuit.Config {
	config.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("tier breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return config
}

package infra

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	redisAddr         = "REDIS_ADDR"
	redisUsername     = "REDIS_USERNAME"
	redisPassword     = "REDIS_PASSWORD"
	redisDB           = "REDIS_DB"
	redisReadTimeout  = "REDIS_READ_TIMEOUT_IN_MS"
	redisWriteTimeout = "REDIS_WRITE_TIMEOUT_IN_MS"
	redisPoolSize     = "REDIS_POOL_SIZE"
	redisMinIdleConn  = "REDIS_MIN_IDLE_CONN"
)

var (
	Redis *RedisConnectors
)

// RedisConnectors holds the Redis ConnectionFacade
type RedisConnectors struct {
	RedisConnection ConnectionFacade
}

func (r *RedisConnectors) GetConnection() (ConnectionFacade, error) {
	if r.RedisConnection == nil {
		return nil, errors.New("connection not found")
	}
	return r.RedisConnection, nil
}

type RedisConnection struct {
	Client redis.UniversalClient
	Meta   map[string]interface{}
}

func (c *RedisConnection) GetConn() (interface{}, error) {
	if c.Client == nil {
		return nil, errors.New("connection nil")
	}
	return c.Client, nil
}

func (c *RedisConnection) GetMeta() (map[string]interface{}, error) {
	if c.Meta == nil {
		return nil, errors.New("meta nil")
	}
	return c.Meta, nil
}

func (c *RedisConnection) IsLive() bool {
	return c.Client.Ping(context.Background()).Err() == nil
}

// BuildRedisOptionsFromEnv constructs redis options from the REDIS_* env.
// REDIS_ADDR is mandatory; the rest fall back to client defaults.
func BuildRedisOptionsFromEnv() (*redis.Options, error) {
	if !viper.IsSet(redisAddr) {
		return nil, errors.New(redisAddr + " not set")
	}
	opts := &redis.Options{
		Addr:     viper.GetString(redisAddr),
		Username: viper.GetString(redisUsername),
		Password: viper.GetString(redisPassword),
		DB:       viper.GetInt(redisDB),
	}
	if viper.IsSet(redisReadTimeout) {
		opts.ReadTimeout = time.Duration(viper.GetInt(redisReadTimeout)) * time.Millisecond
	}
	if viper.IsSet(redisWriteTimeout) {
		opts.WriteTimeout = time.Duration(viper.GetInt(redisWriteTimeout)) * time.Millisecond
	}
	if viper.IsSet(redisPoolSize) {
		opts.PoolSize = viper.GetInt(redisPoolSize)
	}
	if viper.IsSet(redisMinIdleConn) {
		opts.MinIdleConns = viper.GetInt(redisMinIdleConn)
	}
	return opts, nil
}

// initRedisConns initializes the Redis connection from environment configuration
func initRedisConns() {
	opts, err := BuildRedisOptionsFromEnv()
	if err != nil {
		log.Panic().Err(err).Msg("Error building redis config")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Panic().Err(err).Msg("Redis ping failed")
	}

	Redis = &RedisConnectors{
		RedisConnection: &RedisConnection{
			Client: client,
			Meta: map[string]interface{}{
				"addr": opts.Addr,
				"type": DBTypeRedis,
			},
		},
	}
	log.Info().Str("addr", opts.Addr).Msg("Redis connection initialized")
}

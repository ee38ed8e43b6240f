package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"slugbin/cfg"
)

const (
	rateKeyPrefix  = "slugbin:rl:"
	tokenKeyPrefix = "slugbin:used_token:"
)

// Redis holds cross-instance state that is not paste data: global rate
// limit counters and the deletion token replay set.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 5
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildTLSConfig(c.RedisHostname, c.RedisCACert)
		if err != nil {
			return nil, errors.Wrap(err, "redis tls config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	r := NewRedisFromClient(redis.NewClient(opt), c.RedisTimeout)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client, e.g. a cluster or sentinel client.
func NewRedisFromClient(client redis.UniversalClient, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func buildTLSConfig(hostname, caPath string) (*tls.Config, error) {
	if hostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: hostname,
	}
	if caPath == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "load system cert pool")
		}
		tlsConfig.RootCAs = pool
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, errors.Wrap(err, "read redis CA cert")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("append redis CA cert to pool")
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// RateLimit increments the fixed-window counter for key and returns its
// value. Once the limit is reached the counter stops growing and the
// returned usage is limit+1.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{rateKeyPrefix + key}, window.Milliseconds(), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

func (r *Redis) MarkUsed(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if tokenHash == "" {
		return errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, tokenKeyPrefix+tokenHash, "1", ttl).Err(), "mark token used")
}

func (r *Redis) IsUsed(ctx context.Context, tokenHash string) (bool, error) {
	if tokenHash == "" {
		return false, errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, tokenKeyPrefix+tokenHash).Result()
	if err != nil {
		return false, errors.Wrap(err, "check token used")
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

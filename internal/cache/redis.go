package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisKeyPrefix namespaces entries inside a shared database.
const RedisKeyPrefix = "contractcache:entry:"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisBackend struct {
	client valkey.Client
}

// NewRedis connects to a Redis-compatible server. Entries are written
// without a server-side expiry; TTL stays a read-time decision.
func NewRedis(cfg RedisConfig) (Backend, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisBackend{client: client}, nil
}

func (b *redisBackend) Name() string { return "redis" }

func (b *redisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	resp := b.client.Do(ctx, b.client.B().Get().Key(RedisKeyPrefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	return payload, nil
}

func (b *redisBackend) Write(ctx context.Context, key string, data []byte) error {
	cmd := b.client.B().Set().Key(RedisKeyPrefix + key).Value(string(data)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Do(ctx, b.client.B().Del().Key(RedisKeyPrefix+key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis del: %w", err)
	}
	return n > 0, nil
}

// Size counts prefixed keys with SCAN so other tenants of the database are
// not included.
func (b *redisBackend) Size(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		cmd := b.client.B().Scan().Cursor(cursor).Match(RedisKeyPrefix + "*").Count(200).Build()
		entry, err := b.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("cache: redis scan: %w", err)
		}
		total += int64(len(entry.Elements))
		cursor = entry.Cursor
		if cursor == 0 {
			return total, nil
		}
	}
}

func (b *redisBackend) Close(context.Context) error {
	b.client.Close()
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/contractcache/internal/cache"
	"github.com/l0p7/contractcache/internal/config"
	"github.com/l0p7/contractcache/internal/contract"
	"github.com/l0p7/contractcache/internal/engine"
	"github.com/l0p7/contractcache/internal/evidence"
	"github.com/l0p7/contractcache/internal/logging"
	"github.com/l0p7/contractcache/internal/metrics"
	"github.com/l0p7/contractcache/internal/prefilter"
	"github.com/l0p7/contractcache/internal/server"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
	WatchProfiles(context.Context, config.Config, func(config.ProfileBundle), func(error)) (profileWatcher, error)
}

type profileWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchProfiles(ctx context.Context, cfg config.Config, onChange func(config.ProfileBundle), onError func(error)) (profileWatcher, error) {
	w, err := l.Loader.WatchProfiles(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", config.EnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	metricsRecorder := metrics.NewRecorder(prometheus.NewRegistry())

	backend, err := buildCacheBackend(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	if err != nil {
		return fmt.Errorf("build cache backend: %w", err)
	}
	responseCache := cache.New(backend, cache.WithLogger(logger), cache.WithMetrics(metricsRecorder))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := responseCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	eng, err := engine.New(logger, engine.Options{
		Store:   contract.NewFileStore(cfg.Server.Contracts.Folder),
		Cache:   responseCache,
		Metrics: metricsRecorder,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	evidenceStore, err := evidence.New(cfg.Server.Evidence.Dir, cfg.Server.Evidence.TTLSeconds,
		evidence.WithLogger(logger),
		evidence.WithMetrics(metricsRecorder),
	)
	if err != nil {
		return fmt.Errorf("build evidence store: %w", err)
	}

	registry := prefilter.NewRegistry(logger, metricsRecorder)
	profiles, err := cfg.PrefilterProfiles()
	if err != nil {
		return fmt.Errorf("compile prefilter profiles: %w", err)
	}
	registry.Replace(profiles)
	for _, skip := range cfg.SkippedDefinitions {
		logger.Warn("profile definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}

	api, err := server.NewAPI(logger, server.APIOptions{
		Engine:            eng,
		Cache:             responseCache,
		Registry:          registry,
		Evidence:          evidenceStore,
		Metrics:           metricsRecorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		KeySalt:           cfg.Server.Cache.KeySalt,
	})
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}
	api.SetProfileState(cfg.ProfileSources, cfg.SkippedDefinitions)

	if cfg.Server.Prefilter.ProfilesFile != "" || cfg.Server.Prefilter.ProfilesFolder != "" {
		watcher, err := loader.WatchProfiles(ctx, cfg, func(bundle config.ProfileBundle) {
			reloaded, err := bundle.PrefilterProfiles()
			if err != nil {
				logger.Error("profile reload rejected", slog.Any("error", err))
				return
			}
			registry.Replace(reloaded)
			api.SetProfileState(bundle.Sources, bundle.Skipped)
		}, func(err error) {
			if err != nil {
				logger.Error("profiles watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("profiles watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, server.NewHandler(api))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return fmt.Errorf("server run: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildCacheBackend selects the response-cache store. An unreachable redis
// falls back to the memory backend. File and sqlite failures are returned.
func buildCacheBackend(logger *slog.Logger, cfg config.ServerCacheConfig) (cache.Backend, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "file":
		b, err := cache.NewFile(cfg.Dir)
		if err != nil {
			return nil, err
		}
		logger.Info("using file response cache", slog.String("dir", cfg.Dir))
		return b, nil
	case "memory":
		logger.Info("using memory response cache")
		return cache.NewMemory(), nil
	case "sqlite":
		b, err := cache.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite response cache", slog.String("path", cfg.SQLite.Path))
		return b, nil
	case "redis":
		b, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory response cache")
			return cache.NewMemory(), nil
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return b, nil
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(), nil
	}
}

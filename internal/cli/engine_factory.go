// Package cli builds engines for the command-line tools from configuration.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/internal/config"
	"github.com/aretw0/scriptforge/internal/logging"
	"github.com/aretw0/scriptforge/pkg/adapters/file"
	"github.com/aretw0/scriptforge/pkg/adapters/memory"
	"github.com/aretw0/scriptforge/pkg/adapters/openai"
	"github.com/aretw0/scriptforge/pkg/adapters/redis"
	"github.com/aretw0/scriptforge/pkg/observability"
	"github.com/aretw0/scriptforge/pkg/persistence/middleware"
	"github.com/aretw0/scriptforge/pkg/ports"
	"github.com/aretw0/scriptforge/pkg/review"
)

// Options are the global flags shared by every command.
type Options struct {
	ConfigPath string
	TracePath  string
	Storage    string
	LogLevel   string
	LogFormat  string
}

// Runtime is a configured engine plus the resources it holds.
type Runtime struct {
	Engine  *scriptforge.Engine
	Config  config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Model is the generator model name, empty when no API key is configured.
	Model string

	closers []func() error
}

// NewRuntime loads configuration, opens the stores and builds the engine.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Storage != "" {
		cfg.Storage.Backend = opts.Storage
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.FromFormat(cfg.Log.Format, level)
	if err != nil {
		return nil, err
	}

	runs, err := loadRuns(opts.TracePath)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	stores, locker, err := rt.openStores(ctx)
	if err != nil {
		return nil, err
	}
	if stores, err = wrapArtifacts(stores, cfg.Storage); err != nil {
		rt.Close()
		return nil, err
	}

	engineOpts := []scriptforge.Option{
		scriptforge.WithLogger(logger),
		scriptforge.WithMetrics(rt.Metrics),
		scriptforge.WithMinParamLen(cfg.Review.MinParamLen),
		scriptforge.WithCache(cfg.Cache.Size, cfg.Cache.TTL),
		scriptforge.WithReviewOptions(
			review.WithMaxAttempts(cfg.Review.MaxAttempts),
			review.WithConcurrency(cfg.Review.Concurrency),
			review.WithStaleAfter(cfg.Review.StaleAfter),
		),
	}
	if locker != nil {
		engineOpts = append(engineOpts, scriptforge.WithLocker(locker))
	}
	if gen := newGenerator(cfg.Model, logger); gen != nil {
		rt.Model = gen.Model()
		engineOpts = append(engineOpts, scriptforge.WithGenerator(gen))
	}

	rt.Engine, err = scriptforge.New(runs, stores, engineOpts...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("error initializing engine: %w", err)
	}
	logger.Debug("engine ready", "storage", cfg.Storage.Backend, "model", rt.Model)
	return rt, nil
}

// Close releases the stores.
func (rt *Runtime) Close() error {
	var errs []error
	for _, c := range rt.closers {
		errs = append(errs, c())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// openStores returns a distributed locker only for backends shared between processes.
func (rt *Runtime) openStores(ctx context.Context) (scriptforge.Stores, ports.DistributedLocker, error) {
	cfg := rt.Config.Storage
	switch cfg.Backend {
	case config.BackendFile:
		s := file.New(filepath.Join(cfg.Dir, "store"))
		return scriptforge.Stores{Scripts: s, Episodes: s, Artifacts: s}, nil, nil
	case config.BackendRedis:
		s := redis.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redis.WithPrefix(cfg.Redis.Prefix))
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return scriptforge.Stores{}, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.closers = append(rt.closers, s.Close)
		return scriptforge.Stores{Scripts: s, Episodes: s, Artifacts: s}, s.Locker(), nil
	default:
		return scriptforge.Stores{
			Scripts:   memory.NewStore(),
			Episodes:  memory.NewEpisodeStore(),
			Artifacts: memory.NewArtifactStore(),
		}, nil, nil
	}
}

// wrapArtifacts encrypts every artifact and additionally redacts snapshots.
func wrapArtifacts(stores scriptforge.Stores, cfg config.Storage) (scriptforge.Stores, error) {
	active, fallback, err := cfg.Keys()
	if err != nil {
		return stores, err
	}
	if active != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
		if err != nil {
			return stores, err
		}
		stores.Artifacts = middleware.Chain(stores.Artifacts, enc)
	}
	stores.Snapshots = stores.Artifacts
	if cfg.Redact.Enabled {
		patterns := cfg.Redact.Patterns
		if len(patterns) == 0 {
			patterns = middleware.DefaultPIIPatterns
		}
		redact, err := middleware.NewRedactionMiddleware(patterns)
		if err != nil {
			return stores, err
		}
		stores.Snapshots = middleware.Chain(stores.Artifacts, redact)
	}
	return stores, nil
}

// loadRuns reads the run fixture. Without one the engine can still resolve, review and inspect.
func loadRuns(path string) (ports.RunSource, error) {
	if path == "" {
		return memory.NewRunSource(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return memory.LoadFixture(data)
}

// newGenerator returns nil when no API key is configured.
func newGenerator(m config.Model, logger *slog.Logger) *openai.Generator {
	if m.APIKey == "" {
		return nil
	}
	opts := []openai.Option{
		openai.WithAPIKey(m.APIKey),
		openai.WithLogger(logger),
	}
	if m.Name != "" {
		opts = append(opts, openai.WithModel(m.Name))
	}
	if m.BaseURL != "" {
		opts = append(opts, openai.WithEndpoint(m.BaseURL))
	}
	return openai.New(opts...)
}
